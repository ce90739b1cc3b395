package server

import (
	"net/http"
)

// HandleAdminGatewayStatus reports the chat connection state and joined channels.
func (h *Handlers) HandleAdminGatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Gateway == nil {
		http.Error(w, "chat gateway disabled", http.StatusServiceUnavailable)
		return
	}
	joined := h.deps.Gateway.Joined()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"state":    h.deps.Gateway.State().String(),
		"channels": joined,
		"count":    len(joined),
	})
}

// HandleAdminGatewayReconnect asks the gateway for an immediate reconnect cycle.
func (h *Handlers) HandleAdminGatewayReconnect(w http.ResponseWriter, r *http.Request) {
	if h.deps.Gateway == nil {
		http.Error(w, "chat gateway disabled", http.StatusServiceUnavailable)
		return
	}
	h.deps.Gateway.Reconnect()
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "reconnect requested"})
}

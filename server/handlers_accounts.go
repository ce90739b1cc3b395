package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/streamkit/telemetry"
)

// HandleAccountRewards returns the reward balance of the account named in the path.
func (h *Handlers) HandleAccountRewards(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if _, err := h.deps.Accounts.Get(ctx, id); err != nil {
		status := accountErrorStatus(err)
		if status == http.StatusInternalServerError {
			telemetry.LoggerWithCorr(ctx).Error("load account failed", slog.String("account_id", id), slog.Any("err", err), slog.String("component", "http"))
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	units, err := h.deps.Rewards.Balance(ctx, id)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("load reward balance failed", slog.String("account_id", id), slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"account_id": id, "units": units})
}

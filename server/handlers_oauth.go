package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/streamkit/accounts"
	"github.com/onnwee/streamkit/crypto"
	"github.com/onnwee/streamkit/db"
	"github.com/onnwee/streamkit/telemetry"
	"github.com/onnwee/streamkit/twitchapi"
)

const oauthStateTTL = 10 * time.Minute

// HandleTwitchOAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_CLIENT_SECRET + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	st, err := crypto.NewToken()
	if err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := twitchapi.BuildAuthorizeURL(h.deps.OAuth, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the authorization code, resolves the
// authorizing user and links them to an account.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"))
	tok, err := twitchapi.ExchangeAuthCode(ctx, h.deps.OAuth, code)
	if err != nil {
		log.Warn("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}
	user, err := h.deps.Users.GetAuthenticatedUser(ctx, tok.AccessToken)
	if errors.Is(err, twitchapi.ErrUserNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Warn("resolve authorizing user failed", slog.Any("err", err))
		http.Error(w, "user lookup failed", http.StatusBadGateway)
		return
	}

	acct, err := h.deps.Accounts.Upsert(ctx, user.ID, user.Login, tok.AccessToken)
	if err != nil {
		status := accountErrorStatus(err)
		log.Warn("account link failed", slog.String("platform_id", user.ID), slog.Int("status", status), slog.Any("err", err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	log.Info("account linked", slog.String("account_id", acct.AccountID), slog.String("platform_handle", acct.PlatformHandle))

	if h.deps.BotTokens != nil && h.deps.BotLogin != "" && strings.EqualFold(user.Login, h.deps.BotLogin) {
		bot := db.OAuthToken{
			Provider:     db.BotTokenProvider,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       twitchapi.ComputeExpiry(tok),
			Scope:        twitchapi.Scope(tok),
		}
		if err := h.deps.BotTokens.Upsert(ctx, bot); err != nil {
			log.Error("store bot token failed", slog.Any("err", err))
		} else {
			log.Info("bot token stored", slog.String("bot", user.Login))
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{
		"account_id":      acct.AccountID,
		"platform_handle": acct.PlatformHandle,
	})
}

// accountErrorStatus maps registry errors onto HTTP status codes.
func accountErrorStatus(err error) int {
	switch {
	case errors.Is(err, accounts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, accounts.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, accounts.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

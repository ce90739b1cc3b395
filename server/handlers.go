package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/streamkit/accounts"
	"github.com/onnwee/streamkit/chat"
	"github.com/onnwee/streamkit/db"
	"github.com/onnwee/streamkit/twitchapi"
)

// Maximum number of OAuth states to keep in memory
const maxOAuthStates = 10000

// AccountLinker links platform users to accounts and reads them back.
type AccountLinker interface {
	Upsert(ctx context.Context, platformID, handle, secret string) (*accounts.Account, error)
	Get(ctx context.Context, accountID string) (*accounts.Account, error)
}

// BalanceReader reports accumulated reward units.
type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (int64, error)
}

// GatewayControl is the part of the chat gateway the API exposes.
type GatewayControl interface {
	State() chat.State
	Joined() []string
	Reconnect()
}

// UserResolver resolves the platform user behind an access token.
type UserResolver interface {
	GetAuthenticatedUser(ctx context.Context, accessToken string) (*twitchapi.User, error)
}

// TokenSaver persists the chat bot's own OAuth token.
type TokenSaver interface {
	Upsert(ctx context.Context, tok db.OAuthToken) error
}

// Deps are the collaborators behind the HTTP API. OAuth may be nil when
// account linking is not configured; Gateway may be nil when chat is off.
type Deps struct {
	DB       *sql.DB
	Accounts AccountLinker
	Rewards  BalanceReader
	Gateway  GatewayControl
	Users    UserResolver
	OAuth    *oauth2.Config

	// When the bot account itself completes the linking flow its token is
	// also stored as the chat token.
	BotLogin  string
	BotTokens TokenSaver
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states. Caller holds stateMu.
func (h *Handlers) cleanExpiredStates(now time.Time) {
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState remembers state until expiry. It reports false when the
// store is full even after cleanup.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 || len(h.stateStore) >= maxOAuthStates {
		h.cleanExpiredStates(time.Now())
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState reports whether state is known and unexpired, and
// forgets it either way so it cannot be replayed.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

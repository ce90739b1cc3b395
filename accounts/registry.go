package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/streamkit/telemetry"
)

// maxIDAttempts caps the identifier collision loop. With 256-bit ids a
// second attempt is already astronomically unlikely.
const maxIDAttempts = 8

// IDGenerator returns a fresh candidate account id.
type IDGenerator func() (string, error)

// ChannelJoiner joins a chat channel right away. The chat gateway
// implements it so a freshly linked account starts earning without waiting
// for the next reconnect cycle.
type ChannelJoiner interface {
	JoinChannel(handle string)
}

// Registry is the business-level entry point for reading and linking accounts.
type Registry struct {
	store  Store
	newID  IDGenerator
	joiner ChannelJoiner
}

// NewRegistry wires a registry. joiner may be nil when no gateway is running
// (tools, tests); new channels are then picked up on the next gateway start.
func NewRegistry(store Store, newID IDGenerator, joiner ChannelJoiner) *Registry {
	return &Registry{store: store, newID: newID, joiner: joiner}
}

// Get returns the account with accountID or ErrNotFound.
func (r *Registry) Get(ctx context.Context, accountID string) (*Account, error) {
	return r.store.FindByID(ctx, accountID)
}

// GetByPlatformHandle returns the account linked to a chat channel or ErrNotFound.
func (r *Registry) GetByPlatformHandle(ctx context.Context, handle string) (*Account, error) {
	return r.store.FindByPlatformHandle(ctx, normalizeHandle(handle))
}

// Upsert creates the account for platformID on first sight and otherwise
// replaces its handle and secret. Calling it repeatedly with one platformID
// never creates a second account.
//
// The update branch resolves the existing account by platformID, so a user
// who renamed their platform handle re-links onto the same account.
func (r *Registry) Upsert(ctx context.Context, platformID, handle, secret string) (*Account, error) {
	platformID = strings.TrimSpace(platformID)
	handle = normalizeHandle(handle)
	if platformID == "" || handle == "" {
		return nil, fmt.Errorf("%w: platform id and handle are required", ErrInvalid)
	}

	ctx, span := telemetry.StartSpan(ctx, "accounts", "accounts.upsert", telemetry.ChannelAttr(handle))
	defer span.End()

	a, err := r.upsert(ctx, platformID, handle, secret)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return a, nil
}

func (r *Registry) upsert(ctx context.Context, platformID, handle, secret string) (*Account, error) {
	exists, err := r.store.ExistsByPlatformID(ctx, platformID)
	if err != nil {
		return nil, err
	}

	if exists {
		id, err := r.store.AccountIDByPlatformID(ctx, platformID)
		if err != nil {
			return nil, err
		}
		a := &Account{AccountID: id, PlatformID: platformID, PlatformHandle: handle, CredentialSecret: &secret}
		if err := r.store.Update(ctx, a); err != nil {
			return nil, err
		}
		telemetry.Inc(telemetry.AccountsUpdated)
		slog.Info("account re-linked", slog.String("account_id", id), slog.String("channel", handle), slog.String("component", "accounts"))
		return a, nil
	}

	id, err := r.uniqueID(ctx)
	if err != nil {
		return nil, err
	}
	a := &Account{AccountID: id, PlatformID: platformID, PlatformHandle: handle, CredentialSecret: &secret}
	if err := r.store.Insert(ctx, a); err != nil {
		return nil, err
	}
	telemetry.Inc(telemetry.AccountsCreated)
	slog.Info("account linked", slog.String("account_id", id), slog.String("channel", handle), slog.String("component", "accounts"))

	if r.joiner != nil {
		r.joiner.JoinChannel(handle)
	}
	return a, nil
}

// uniqueID draws candidate ids until one is not taken.
func (r *Registry) uniqueID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return "", err
		}
		taken, err := r.store.ExistsByID(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
		slog.Warn("account id collision, regenerating", slog.Int("attempt", attempt+1), slog.String("component", "accounts"))
	}
	return "", errors.New("could not generate a unique account id")
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

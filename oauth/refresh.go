// Package oauth provides token refresh scheduling for provider tokens
// persisted (encrypted) in the oauth_tokens table. It performs jittered checks
// and refreshes when expiry falls within a configured window. The chat bot's
// own IRC token is kept fresh this way and picked up on the next reconnect.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/streamkit/db"
)

// TokenStore loads and saves provider tokens.
type TokenStore interface {
	Get(ctx context.Context, provider string) (*db.OAuthToken, error)
	Upsert(ctx context.Context, tok db.OAuthToken) error
}

// RefreshFunc performs provider-specific refresh and returns the new token.
// Empty RefreshToken or Scope in the result keep the stored values.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.OAuthToken, error)

// StartRefresher launches a goroutine that periodically checks an oauth token row and refreshes it.
// provider: key in oauth_tokens table.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Add per-iteration jitter (+-20% of interval) for scheduling diversity.
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			if _, err := RefreshIfDue(ctx, store, provider, window, fn); err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err), slog.String("component", "oauth_refresh"))
			}
		}
	}()
}

// RefreshIfDue refreshes the stored token for provider when it expires
// within window and reports whether it did. A missing row or a row without
// a refresh token is not an error.
func RefreshIfDue(ctx context.Context, store TokenStore, provider string, window time.Duration, fn RefreshFunc) (bool, error) {
	cur, err := store.Get(ctx, provider)
	if errors.Is(err, db.ErrNoToken) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load token: %w", err)
	}
	if cur.RefreshToken == "" || time.Until(cur.Expiry) > window {
		return false, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := fn(ctx2, cur.RefreshToken)
	cancel()
	if err != nil {
		return false, err
	}
	next.Provider = provider
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	next.Scope = strings.TrimSpace(next.Scope)
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	if err := store.Upsert(ctx, next); err != nil {
		return false, fmt.Errorf("persist token: %w", err)
	}
	slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expires_at", next.Expiry), slog.String("component", "oauth_refresh"))
	return true, nil
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/streamkit/crypto"
)

// ErrNoToken is returned when no token row exists for a provider.
var ErrNoToken = errors.New("oauth token not found")

// BotTokenProvider is the oauth_tokens key holding the chat bot's own credential.
const BotTokenProvider = "twitch-bot"

// encryption_version values stored alongside each token row.
const (
	tokenPlaintext = 0
	tokenAESGCM    = 1
)

// OAuthToken is one row of oauth_tokens with secrets in plaintext.
type OAuthToken struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// TokenStore persists OAuth tokens with both secrets sealed by Enc.
type TokenStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

// Upsert stores or replaces the token for tok.Provider. Tokens are always
// written encrypted (encryption_version=1).
func (s *TokenStore) Upsert(ctx context.Context, tok OAuthToken) error {
	access, err := crypto.EncryptString(s.Enc, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := crypto.EncryptString(s.Enc, tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,'default',NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	if _, err := s.DB.ExecContext(ctx, q, tok.Provider, access, refresh, tok.Expiry, tok.Scope, tokenAESGCM); err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// Get loads and decrypts the token for provider. Rows written before
// encryption was enabled (encryption_version=0) are returned as stored.
func (s *TokenStore) Get(ctx context.Context, provider string) (*OAuthToken, error) {
	var (
		tok        = OAuthToken{Provider: provider}
		access     sql.NullString
		refresh    sql.NullString
		scope      sql.NullString
		expiry     sql.NullTime
		encVersion int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version
		 FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&access, &refresh, &expiry, &scope, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("query oauth token: %w", err)
	}
	tok.Expiry = expiry.Time
	tok.Scope = scope.String
	tok.AccessToken = access.String
	tok.RefreshToken = refresh.String

	if encVersion == tokenPlaintext {
		return &tok, nil
	}
	if tok.AccessToken, err = crypto.DecryptString(s.Enc, access.String); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = crypto.DecryptString(s.Enc, refresh.String); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return &tok, nil
}

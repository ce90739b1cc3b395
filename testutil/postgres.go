// Package testutil holds helpers shared by integration tests: a migrated
// Postgres handle gated on TEST_PG_DSN and a fake Twitch HTTP surface.
package testutil

import (
	"context"
	"database/sql"
	"encoding/base64"
	"os"
	"testing"

	"github.com/onnwee/streamkit/crypto"
	"github.com/onnwee/streamkit/db"
)

// SetupTestDB connects to TEST_PG_DSN, applies the schema and empties every
// table. It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx,
		`TRUNCATE reward_events, reward_balances, account_credentials, accounts, oauth_tokens`); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return database
}

// Encryptor returns an AES encryptor over a fixed test key.
func Encryptor(t *testing.T) *crypto.AESEncryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(EncryptionKey)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

// EncryptionKey is a valid base64 key for tests.
var EncryptionKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

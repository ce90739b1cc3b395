// Package main provides a CLI tool to re-encrypt stored secrets under a new key.
//
// It rewrites every account credential_secret and every oauth_tokens row so
// that they are sealed with ENCRYPTION_KEY. Secrets are opened with
// OLD_ENCRYPTION_KEY; rows already readable with the new key are skipped, and
// plaintext token rows (encryption_version=0) are sealed as they are. Each row
// is rewritten in its own transaction, guarded against concurrent change.
//
// Usage:
//
//	rotate-key [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte key to encrypt with (required)
//	OLD_ENCRYPTION_KEY: Base64-encoded key the secrets are currently sealed with
//	  (optional; without it only plaintext token rows are migrated)
//
// Example:
//
//	export OLD_ENCRYPTION_KEY="$ENCRYPTION_KEY"
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./rotate-key --dry-run
//	./rotate-key
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/streamkit/crypto"
	"github.com/onnwee/streamkit/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be re-encrypted without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	newEnc, err := crypto.NewAESEncryptor(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}
	var oldEnc crypto.Encryptor
	if k := os.Getenv("OLD_ENCRYPTION_KEY"); k != "" {
		if oldEnc, err = crypto.NewAESEncryptor(k); err != nil {
			slog.Error("invalid OLD_ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	// oauth_tokens arrives with version 3
	if v, err := db.SchemaVersion(database); err != nil || v < 3 {
		slog.Error("schema not migrated, start the service once or run the migrate tool first",
			slog.Uint64("version", uint64(v)), slog.Any("err", err))
		os.Exit(1)
	}

	r := &rotator{db: database, oldEnc: oldEnc, newEnc: newEnc, dryRun: *dryRun}
	sum, err := r.run(ctx)
	slog.Info("rotation summary",
		slog.Int("rotated", sum.rotated),
		slog.Int("skipped", sum.skipped),
		slog.Int("errors", sum.errors),
		slog.Bool("dry_run", *dryRun))
	if err != nil {
		slog.Error("rotation failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// errStale means the row changed between read and rewrite.
var errStale = errors.New("row modified concurrently")

// errUnreadable means neither key opens the stored secret.
var errUnreadable = errors.New("secret unreadable with old or new key")

type summary struct {
	rotated int
	skipped int
	errors  int
}

type rotator struct {
	db     *sql.DB
	oldEnc crypto.Encryptor // nil when only plaintext rows are migrated
	newEnc crypto.Encryptor
	dryRun bool
}

func (r *rotator) run(ctx context.Context) (summary, error) {
	var sum summary
	if err := r.rotateCredentials(ctx, &sum); err != nil {
		return sum, err
	}
	if err := r.rotateTokens(ctx, &sum); err != nil {
		return sum, err
	}
	if sum.errors > 0 {
		return sum, fmt.Errorf("rotation completed with %d errors", sum.errors)
	}
	return sum, nil
}

// reseal opens sealed with the old key and seals it with the new one.
// done reports a secret that the new key already opens.
func (r *rotator) reseal(sealed string) (string, bool, error) {
	if r.oldEnc != nil {
		if plain, err := crypto.DecryptString(r.oldEnc, sealed); err == nil {
			out, err := crypto.EncryptString(r.newEnc, plain)
			return out, false, err
		}
	}
	if _, err := crypto.DecryptString(r.newEnc, sealed); err == nil {
		return "", true, nil
	}
	return "", false, errUnreadable
}

type credentialRow struct {
	platformID string
	sealed     string
}

func (r *rotator) rotateCredentials(ctx context.Context, sum *summary) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT platform_id, credential_secret FROM account_credentials
		 WHERE credential_secret IS NOT NULL AND credential_secret <> '' ORDER BY platform_id`)
	if err != nil {
		return fmt.Errorf("query credentials: %w", err)
	}
	var creds []credentialRow
	for rows.Next() {
		var c credentialRow
		if err := rows.Scan(&c.platformID, &c.sealed); err != nil {
			rows.Close()
			return fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate credentials: %w", err)
	}

	for _, c := range creds {
		log := slog.With(slog.String("platform_id", c.platformID), slog.String("kind", "credential"))
		resealed, done, err := r.reseal(c.sealed)
		switch {
		case err != nil:
			log.Error("cannot re-encrypt credential", slog.Any("err", err))
			sum.errors++
			continue
		case done:
			sum.skipped++
			continue
		case r.dryRun:
			log.Info("would re-encrypt credential (dry-run)")
			sum.rotated++
			continue
		}
		err = r.inTx(ctx, func(tx *sql.Tx) (sql.Result, error) {
			return tx.ExecContext(ctx,
				`UPDATE account_credentials SET credential_secret = $1, updated_at = NOW()
				 WHERE platform_id = $2 AND credential_secret = $3`,
				resealed, c.platformID, c.sealed)
		})
		if err != nil {
			log.Error("failed to re-encrypt credential", slog.Any("err", err))
			sum.errors++
			continue
		}
		log.Info("re-encrypted credential")
		sum.rotated++
	}
	return nil
}

type tokenRow struct {
	provider string
	access   string
	refresh  string
	version  int
}

func (r *rotator) rotateTokens(ctx context.Context, sum *summary) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT provider, COALESCE(access_token, ''), COALESCE(refresh_token, ''), encryption_version
		 FROM oauth_tokens ORDER BY provider`)
	if err != nil {
		return fmt.Errorf("query oauth tokens: %w", err)
	}
	var toks []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.provider, &t.access, &t.refresh, &t.version); err != nil {
			rows.Close()
			return fmt.Errorf("scan oauth token: %w", err)
		}
		toks = append(toks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate oauth tokens: %w", err)
	}

	for _, t := range toks {
		log := slog.With(slog.String("provider", t.provider), slog.String("kind", "oauth_token"))
		access, refresh, done, err := r.resealToken(t)
		switch {
		case err != nil:
			log.Error("cannot re-encrypt token", slog.Any("err", err))
			sum.errors++
			continue
		case done:
			sum.skipped++
			continue
		case r.dryRun:
			log.Info("would re-encrypt token (dry-run)", slog.Int("encryption_version", t.version))
			sum.rotated++
			continue
		}
		err = r.inTx(ctx, func(tx *sql.Tx) (sql.Result, error) {
			return tx.ExecContext(ctx,
				`UPDATE oauth_tokens
				 SET access_token = $1, refresh_token = $2, encryption_version = 1, encryption_key_id = 'default', updated_at = NOW()
				 WHERE provider = $3 AND COALESCE(access_token, '') = $4 AND encryption_version = $5`,
				access, refresh, t.provider, t.access, t.version)
		})
		if err != nil {
			log.Error("failed to re-encrypt token", slog.Any("err", err))
			sum.errors++
			continue
		}
		log.Info("re-encrypted token")
		sum.rotated++
	}
	return nil
}

func (r *rotator) resealToken(t tokenRow) (string, string, bool, error) {
	if t.version == 0 {
		access, err := crypto.EncryptString(r.newEnc, t.access)
		if err != nil {
			return "", "", false, err
		}
		refresh, err := crypto.EncryptString(r.newEnc, t.refresh)
		return access, refresh, false, err
	}
	if t.access == "" && t.refresh == "" {
		return "", "", true, nil
	}
	access, accessDone, err := r.resealOptional(t.access)
	if err != nil {
		return "", "", false, fmt.Errorf("access token: %w", err)
	}
	refresh, refreshDone, err := r.resealOptional(t.refresh)
	if err != nil {
		return "", "", false, fmt.Errorf("refresh token: %w", err)
	}
	switch {
	case accessDone && refreshDone:
		return "", "", true, nil
	case t.access != "" && t.refresh != "" && accessDone != refreshDone:
		return "", "", false, errors.New("access and refresh token sealed with different keys")
	}
	return access, refresh, false, nil
}

// resealOptional treats an empty column as already rotated.
func (r *rotator) resealOptional(sealed string) (string, bool, error) {
	if sealed == "" {
		return "", true, nil
	}
	return r.reseal(sealed)
}

// inTx runs one guarded update and requires it to hit exactly one row.
func (r *rotator) inTx(ctx context.Context, update func(*sql.Tx) (sql.Result, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := update(tx)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: %d rows updated", errStale, n)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/streamkit/crypto"
)

// Store is the persistence boundary for accounts. Implementations hold no
// business rules; see Registry for create-or-update semantics.
type Store interface {
	FindByID(ctx context.Context, accountID string) (*Account, error)
	FindByPlatformHandle(ctx context.Context, handle string) (*Account, error)
	AccountIDByPlatformID(ctx context.Context, platformID string) (string, error)
	ExistsByID(ctx context.Context, accountID string) (bool, error)
	ExistsByPlatformID(ctx context.Context, platformID string) (bool, error)
	ListPlatformHandles(ctx context.Context) ([]string, error)
	Insert(ctx context.Context, a *Account) error
	Update(ctx context.Context, a *Account) error
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const selectAccount = `SELECT account_id, platform_id, platform_handle, credential_secret FROM view_accounts`

// SQLStore implements Store on Postgres. Identity rows live in accounts,
// credential rows in account_credentials, and reads go through view_accounts.
type SQLStore struct {
	db  *sql.DB
	enc crypto.Encryptor
}

// NewSQLStore returns a store sealing credential secrets with enc.
func NewSQLStore(db *sql.DB, enc crypto.Encryptor) *SQLStore {
	return &SQLStore{db: db, enc: enc}
}

// FindByID loads an account by its local id. An undecryptable secret fails
// the call with crypto.ErrDecryption.
func (s *SQLStore) FindByID(ctx context.Context, accountID string) (*Account, error) {
	a, sealed, err := s.scanOne(ctx, selectAccount+` WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	if sealed.Valid {
		plain, err := crypto.DecryptString(s.enc, sealed.String)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential for account %s: %w", accountID, err)
		}
		a.CredentialSecret = &plain
	}
	return a, nil
}

// FindByPlatformHandle loads the account whose chat channel is handle.
// This is the event-resolution read path: a secret that does not decrypt
// (seeded or placeholder data) is returned as nil instead of failing.
func (s *SQLStore) FindByPlatformHandle(ctx context.Context, handle string) (*Account, error) {
	a, sealed, err := s.scanOne(ctx, selectAccount+` WHERE platform_handle = $1`, handle)
	if err != nil {
		return nil, err
	}
	if sealed.Valid {
		plain, err := crypto.DecryptString(s.enc, sealed.String)
		if err != nil {
			slog.Debug("credential unreadable, continuing without it",
				slog.String("account_id", a.AccountID), slog.Any("err", err), slog.String("component", "accounts"))
		} else {
			a.CredentialSecret = &plain
		}
	}
	return a, nil
}

func (s *SQLStore) scanOne(ctx context.Context, q string, arg string) (*Account, sql.NullString, error) {
	var (
		a      Account
		sealed sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, arg).Scan(&a.AccountID, &a.PlatformID, &a.PlatformHandle, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sealed, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	if err != nil {
		return nil, sealed, fmt.Errorf("query account: %w", err)
	}
	return &a, sealed, nil
}

// AccountIDByPlatformID returns the local id linked to platformID.
func (s *SQLStore) AccountIDByPlatformID(ctx context.Context, platformID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT account_id FROM accounts WHERE platform_id = $1`, platformID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: platform id %s", ErrNotFound, platformID)
	}
	if err != nil {
		return "", fmt.Errorf("query account id: %w", err)
	}
	return id, nil
}

// ExistsByID reports whether accountID is taken.
func (s *SQLStore) ExistsByID(ctx context.Context, accountID string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_id = $1)`, accountID)
}

// ExistsByPlatformID reports whether platformID is already linked.
func (s *SQLStore) ExistsByPlatformID(ctx context.Context, platformID string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE platform_id = $1)`, platformID)
}

func (s *SQLStore) exists(ctx context.Context, q, arg string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, q, arg).Scan(&ok); err != nil {
		return false, fmt.Errorf("exists query: %w", err)
	}
	return ok, nil
}

// ListPlatformHandles returns every linked handle, sorted.
func (s *SQLStore) ListPlatformHandles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT platform_handle FROM account_credentials ORDER BY platform_handle`)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list handles rows: %w", err)
	}
	return handles, nil
}

// Insert writes the identity row and the credential row in one transaction.
// If either write fails both are rolled back and the error is returned.
func (s *SQLStore) Insert(ctx context.Context, a *Account) error {
	sealed, err := s.seal(a)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert account: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (account_id, platform_id) VALUES ($1, $2)`,
		a.AccountID, a.PlatformID); err != nil {
		_ = tx.Rollback()
		return writeErr("insert account identity", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_credentials (platform_id, account_id, platform_handle, credential_secret) VALUES ($1, $2, $3, $4)`,
		a.PlatformID, a.AccountID, a.PlatformHandle, sealed); err != nil {
		_ = tx.Rollback()
		return writeErr("insert account credential", err)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit insert account", err)
	}
	return nil
}

// Update replaces the handle and secret of an existing account.
func (s *SQLStore) Update(ctx context.Context, a *Account) error {
	sealed, err := s.seal(a)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE account_credentials SET platform_handle = $1, credential_secret = $2, updated_at = NOW() WHERE account_id = $3`,
		a.PlatformHandle, sealed, a.AccountID)
	if err != nil {
		return writeErr("update account credential", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, a.AccountID)
	}
	return nil
}

// seal returns the value for credential_secret: NULL for a nil secret,
// ciphertext otherwise.
func (s *SQLStore) seal(a *Account) (sql.NullString, error) {
	if a.CredentialSecret == nil {
		return sql.NullString{}, nil
	}
	c, err := crypto.EncryptString(s.enc, *a.CredentialSecret)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encrypt credential: %w", err)
	}
	return sql.NullString{String: c, Valid: true}, nil
}

func writeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w (%s): %w", op, ErrDuplicate, pgErr.ConstraintName, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

package rewards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/streamkit/accounts"
	"github.com/onnwee/streamkit/telemetry"
)

// SQLLedger keeps reward balances in Postgres. Every credit appends a row
// to reward_events and bumps reward_balances in the same transaction.
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger returns a ledger on db.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// AddReward credits units to a. Failures are logged and counted, never
// returned.
func (l *SQLLedger) AddReward(ctx context.Context, a *accounts.Account, units int, kind, channel string) {
	if a == nil || units <= 0 {
		slog.Debug("ignoring empty reward", slog.Int("units", units), slog.String("kind", kind), slog.String("component", "rewards"))
		return
	}
	if err := l.record(ctx, a.AccountID, units, kind, channel); err != nil {
		telemetry.Inc(telemetry.LedgerFailures)
		slog.Error("record reward failed",
			slog.String("account_id", a.AccountID),
			slog.Int("units", units),
			slog.String("kind", kind),
			slog.Any("err", err),
			slog.String("component", "rewards"))
		return
	}
	telemetry.AddRewardUnits(kind, units)
	slog.Info("reward recorded",
		slog.String("account_id", a.AccountID),
		slog.Int("units", units),
		slog.String("kind", kind),
		slog.String("channel", channel),
		slog.String("component", "rewards"))
}

func (l *SQLLedger) record(ctx context.Context, accountID string, units int, kind, channel string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reward: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reward_events (account_id, kind, units, channel) VALUES ($1, $2, $3, $4)`,
		accountID, kind, units, channel); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert reward event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reward_balances (account_id, units, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (account_id) DO UPDATE SET units = reward_balances.units + EXCLUDED.units, updated_at = NOW()`,
		accountID, units); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update reward balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reward: %w", err)
	}
	return nil
}

// Balance returns the accumulated units for accountID; zero when nothing
// has been credited yet.
func (l *SQLLedger) Balance(ctx context.Context, accountID string) (int64, error) {
	var units int64
	err := l.db.QueryRowContext(ctx, `SELECT units FROM reward_balances WHERE account_id = $1`, accountID).Scan(&units)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query reward balance: %w", err)
	}
	return units, nil
}

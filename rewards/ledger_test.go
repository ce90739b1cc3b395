package rewards

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/onnwee/streamkit/accounts"
)

func TestSQLLedgerAddReward(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reward_events`)).
		WithArgs("acc-1", "cheer", 500, "alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reward_balances`)).
		WithArgs("acc-1", 500).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	NewSQLLedger(db).AddReward(context.Background(), &accounts.Account{AccountID: "acc-1"}, 500, "cheer", "alice")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLLedgerRollsBackOnBalanceFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reward_events`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO reward_balances`)).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	// must not panic or surface the error
	NewSQLLedger(db).AddReward(context.Background(), &accounts.Account{AccountID: "acc-1"}, 250, "subscription", "alice")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLLedgerIgnoresNonPositiveUnits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	l := NewSQLLedger(db)
	l.AddReward(context.Background(), &accounts.Account{AccountID: "acc-1"}, 0, "cheer", "alice")
	l.AddReward(context.Background(), nil, 100, "cheer", "alice")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}

func TestSQLLedgerBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	q := regexp.QuoteMeta(`SELECT units FROM reward_balances WHERE account_id = $1`)
	mock.ExpectQuery(q).WithArgs("acc-1").WillReturnRows(sqlmock.NewRows([]string{"units"}).AddRow(int64(1750)))
	mock.ExpectQuery(q).WithArgs("acc-2").WillReturnRows(sqlmock.NewRows([]string{"units"}))

	l := NewSQLLedger(db)
	if got, err := l.Balance(context.Background(), "acc-1"); err != nil || got != 1750 {
		t.Errorf("Balance(acc-1) = (%d, %v), want 1750", got, err)
	}
	if got, err := l.Balance(context.Background(), "acc-2"); err != nil || got != 0 {
		t.Errorf("Balance(acc-2) = (%d, %v), want 0", got, err)
	}
}

/*
Package sqlite provides a SQLite-backed implementation of the settlement
storage interfaces.

PURPOSE:
  Implements settlement.TxStore and settlement.SettingsStore on SQLite
  through sqlx. It backs the development server and the store-level
  tests; store/postgres is the production backend with the same schema.

KEY TABLES:
  accounts:         referral tree and point balances
  transactions:     purchases and the commissions_distributed latch
  commission_log:   one row per (transaction, level), append-only
  wallet_log:       every non-commission balance movement, append-only
  withdrawals:      withdrawal requests
  system_settings:  single admin-editable settings row

NUMBERS AND TIMES:
  Decimals are stored as TEXT and scanned through decimal.Decimal's
  sql.Scanner. Timestamps are fixed-width UTC TEXT so ORDER BY sorts them
  chronologically.

CONCURRENCY:
  The pool is capped at one connection. A unit holds it from BEGIN to
  COMMIT, which makes SQLite the single writer and serializes balance
  mutations; reads outside a unit wait for it.

USAGE:
  store, err := sqlite.New("./settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := settlement.NewEngine(store, store, settlement.Options{})

SEE ALSO:
  - settlement/store.go: interface definitions
  - store/postgres: production backend
*/
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/settlement-engine/settlement"
)

const queryTimeout = 5 * time.Second

// Store implements settlement.TxStore using SQLite.
type Store struct {
	db *sqlx.DB
}

var (
	_ settlement.TxStore       = (*Store)(nil)
	_ settlement.SettingsStore = (*Store)(nil)
)

// New opens (and migrates) the database at path. Use ":memory:" for an
// in-memory database.
func New(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		upline_id TEXT REFERENCES accounts(id),
		name TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL DEFAULT '0',
		lifetime_earnings TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_upline ON accounts(upline_id);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		buyer_id TEXT REFERENCES accounts(id),
		guest_referrer_id TEXT REFERENCES accounts(id),
		guest_name TEXT NOT NULL DEFAULT '',
		items_json TEXT NOT NULL DEFAULT '[]',
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'PAID')),
		commissions_distributed INTEGER NOT NULL DEFAULT 0,
		paid_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_undistributed
		ON transactions(status, commissions_distributed, paid_at);

	-- Append-only. archived is the only mutable column.
	CREATE TABLE IF NOT EXISTS commission_log (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		beneficiary_id TEXT NOT NULL REFERENCES accounts(id),
		source_account_id TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL,
		percentage INTEGER NOT NULL,
		amount TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (transaction_id, level)
	);
	CREATE INDEX IF NOT EXISTS idx_commission_beneficiary ON commission_log(beneficiary_id, created_at);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		points TEXT NOT NULL,
		point_rate TEXT NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'REJECTED', 'CANCELLED')),
		requested_at TEXT NOT NULL,
		processed_at TEXT,
		processed_by TEXT NOT NULL DEFAULT '',
		proof_image TEXT NOT NULL DEFAULT '',
		proof_link TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawals(account_id, requested_at);

	-- Append-only.
	CREATE TABLE IF NOT EXISTS wallet_log (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		withdrawal_id TEXT REFERENCES withdrawals(id),
		counterparty_id TEXT REFERENCES accounts(id),
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_account ON wallet_log(account_id, created_at);

	CREATE TABLE IF NOT EXISTS system_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		commission_levels INTEGER NOT NULL,
		level_percentages TEXT NOT NULL,
		point_rate TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx settlement.Tx) error {
		t := tx.(*txStore)
		for _, table := range []string{"wallet_log", "withdrawals", "commission_log", "transactions", "accounts"} {
			if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONAL STORE (settlement.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// ERRORS
// =============================================================================

// mapError translates driver errors into settlement sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", settlement.ErrDuplicate, err)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", settlement.ErrNotFound, err)
		}
	}
	return err
}

/*
Package postgres provides the production PostgreSQL backend for the
settlement engine.

PURPOSE:
  Implements settlement.TxStore and settlement.SettingsStore on a pgx
  connection pool. Units run at READ COMMITTED and take row locks with
  SELECT ... FOR UPDATE, so concurrent commissions and withdrawals on
  different accounts proceed in parallel while the same account is
  serialized.

NUMBERS:
  Points and currency are NUMERIC columns. Values cross the wire as text
  ($n::text::numeric in, col::text out) and are parsed by shopspring/decimal,
  which keeps every digit exact.

SEE ALSO:
  - store/sqlite: development backend with the same schema
  - settlement/store.go: interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

const queryTimeout = 5 * time.Second

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements settlement.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ settlement.TxStore       = (*Store)(nil)
	_ settlement.SettingsStore = (*Store)(nil)
)

// New connects to connString, verifies the connection and applies the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset clears all data except settings.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE wallet_log, withdrawals, commission_log, transactions, accounts`)
	return err
}

// WithTx runs fn inside a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{q: tx}); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	upline_id TEXT REFERENCES accounts(id),
	name TEXT NOT NULL DEFAULT '',
	balance NUMERIC(24,4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	lifetime_earnings NUMERIC(24,4) NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_upline ON accounts(upline_id);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	buyer_id TEXT REFERENCES accounts(id),
	guest_referrer_id TEXT REFERENCES accounts(id),
	guest_name TEXT NOT NULL DEFAULT '',
	items JSONB NOT NULL DEFAULT '[]',
	total_amount NUMERIC(24,4) NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'PAID')),
	commissions_distributed BOOLEAN NOT NULL DEFAULT FALSE,
	paid_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_undistributed
	ON transactions(paid_at) WHERE status = 'PAID' AND NOT commissions_distributed;

CREATE TABLE IF NOT EXISTS commission_log (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	beneficiary_id TEXT NOT NULL REFERENCES accounts(id),
	source_account_id TEXT NOT NULL DEFAULT '',
	level INTEGER NOT NULL,
	percentage INTEGER NOT NULL,
	amount NUMERIC(24,4) NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (transaction_id, level)
);
CREATE INDEX IF NOT EXISTS idx_commission_beneficiary ON commission_log(beneficiary_id, created_at);

CREATE TABLE IF NOT EXISTS withdrawals (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	amount NUMERIC(24,2) NOT NULL,
	points NUMERIC(24,4) NOT NULL,
	point_rate NUMERIC(24,4) NOT NULL,
	destination TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'APPROVED', 'REJECTED', 'CANCELLED')),
	requested_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	processed_by TEXT NOT NULL DEFAULT '',
	proof_image TEXT NOT NULL DEFAULT '',
	proof_link TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	archived BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawals(account_id, requested_at);

CREATE TABLE IF NOT EXISTS wallet_log (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	type TEXT NOT NULL,
	amount NUMERIC(24,4) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	withdrawal_id TEXT REFERENCES withdrawals(id),
	counterparty_id TEXT REFERENCES accounts(id),
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_account ON wallet_log(account_id, created_at);

CREATE TABLE IF NOT EXISTS system_settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	commission_levels INTEGER NOT NULL,
	level_percentages JSONB NOT NULL,
	point_rate NUMERIC(24,4) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// =============================================================================
// ERRORS
// =============================================================================

// mapError translates constraint violations into settlement sentinels.
// Deadlocks and serialization failures roll the unit back whole, so they
// are reported as retryable.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", settlement.ErrDuplicate, pgErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", settlement.ErrNotFound, pgErr.Message)
		case "40P01", "40001":
			return fmt.Errorf("%w: %s (%s)", settlement.ErrUpstreamUnavailable, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

// parseDecimals parses pairs of (source, destination) in order.
func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		d, err := parseDecimal(pairs[i].(string))
		if err != nil {
			return err
		}
		*pairs[i+1].(*decimal.Decimal) = d
	}
	return nil
}

func nullable[T ~string](v *T) *string {
	if v == nil || *v == "" {
		return nil
	}
	s := string(*v)
	return &s
}

func typed[T ~string](s *string) *T {
	if s == nil {
		return nil
	}
	v := T(*s)
	return &v
}

// =============================================================================
// ROW SCANNERS
// =============================================================================

const (
	accountSelect = `SELECT id, upline_id, name, balance::text, lifetime_earnings::text, created_at FROM accounts`
	txSelect      = `SELECT id, buyer_id, guest_referrer_id, guest_name, items, total_amount::text, status,
		commissions_distributed, paid_at, created_at FROM transactions`
	commissionSelect = `SELECT id, transaction_id, beneficiary_id, source_account_id, level, percentage,
		amount::text, archived, created_at FROM commission_log`
	walletSelect = `SELECT id, account_id, type, amount::text, description, withdrawal_id, counterparty_id,
		created_at FROM wallet_log`
	withdrawalSelect = `SELECT id, account_id, amount::text, points::text, point_rate::text, destination, status,
		requested_at, processed_at, processed_by, proof_image, proof_link, rejection_reason, archived FROM withdrawals`
)

func scanAccount(row pgx.Row) (*settlement.Account, error) {
	var (
		a                 settlement.Account
		id, name          string
		upline            *string
		balance, lifetime string
	)
	if err := row.Scan(&id, &upline, &name, &balance, &lifetime, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.ID = settlement.AccountID(id)
	a.Name = name
	a.UplineID = typed[settlement.AccountID](upline)
	if err := parseDecimals(balance, &a.Balance, lifetime, &a.LifetimeEarnings); err != nil {
		return nil, err
	}
	return &a, nil
}

type item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func scanTransaction(row pgx.Row) (*settlement.Transaction, error) {
	var (
		t               settlement.Transaction
		id, status      string
		buyer, referrer *string
		items           []byte
		total           string
	)
	if err := row.Scan(&id, &buyer, &referrer, &t.GuestName, &items, &total, &status,
		&t.CommissionsDistributed, &t.PaidAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ID = settlement.TransactionID(id)
	t.Status = settlement.TransactionStatus(status)
	t.BuyerID = typed[settlement.AccountID](buyer)
	t.GuestReferrerID = typed[settlement.AccountID](referrer)
	if err := parseDecimals(total, &t.TotalAmount); err != nil {
		return nil, err
	}
	var decoded []item
	if err := json.Unmarshal(items, &decoded); err != nil {
		return nil, fmt.Errorf("decode items of %s: %w", id, err)
	}
	for _, it := range decoded {
		t.Items = append(t.Items, settlement.LineItem{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return &t, nil
}

func scanCommission(row pgx.Row) (settlement.CommissionLogEntry, error) {
	var (
		e                       settlement.CommissionLogEntry
		id, txID, benef, source string
		amount                  string
	)
	if err := row.Scan(&id, &txID, &benef, &source, &e.Level, &e.Percentage, &amount, &e.Archived, &e.CreatedAt); err != nil {
		return e, err
	}
	e.ID = settlement.EntryID(id)
	e.TransactionID = settlement.TransactionID(txID)
	e.BeneficiaryID = settlement.AccountID(benef)
	e.SourceAccountID = settlement.AccountID(source)
	return e, parseDecimals(amount, &e.Amount)
}

func scanWallet(row pgx.Row) (settlement.WalletLogEntry, error) {
	var (
		e                   settlement.WalletLogEntry
		id, account, typ    string
		amount              string
		withdrawal, counter *string
	)
	if err := row.Scan(&id, &account, &typ, &amount, &e.Description, &withdrawal, &counter, &e.CreatedAt); err != nil {
		return e, err
	}
	e.ID = settlement.EntryID(id)
	e.AccountID = settlement.AccountID(account)
	e.Type = settlement.WalletLogType(typ)
	e.WithdrawalID = typed[settlement.WithdrawalID](withdrawal)
	e.CounterpartyID = typed[settlement.AccountID](counter)
	return e, parseDecimals(amount, &e.Amount)
}

func scanWithdrawal(row pgx.Row) (*settlement.WithdrawalRequest, error) {
	var (
		w                    settlement.WithdrawalRequest
		id, account, status  string
		amount, points, rate string
	)
	if err := row.Scan(&id, &account, &amount, &points, &rate, &w.Destination, &status,
		&w.RequestedAt, &w.ProcessedAt, &w.ProcessedBy, &w.ProofImage, &w.ProofLink,
		&w.RejectionReason, &w.Archived); err != nil {
		return nil, err
	}
	w.ID = settlement.WithdrawalID(id)
	w.AccountID = settlement.AccountID(account)
	w.Status = settlement.WithdrawalStatus(status)
	if err := parseDecimals(amount, &w.Amount, points, &w.Points, rate, &w.PointRate); err != nil {
		return nil, err
	}
	return &w, nil
}

// collect scans every row with fn.
func collect[T any](rows pgx.Rows, fn func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := fn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func deref[T any](fn func(pgx.Row) (*T, error)) func(pgx.Row) (T, error) {
	return func(r pgx.Row) (T, error) {
		v, err := fn(r)
		if err != nil {
			var zero T
			return zero, err
		}
		return *v, nil
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, settlement.ErrNotFound)
	}
	return err
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func getAccount(ctx context.Context, q querier, id settlement.AccountID, lock bool) (*settlement.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := accountSelect + ` WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	a, err := scanAccount(q.QueryRow(ctx, query, string(id)))
	if err != nil {
		return nil, notFound(err, "account "+string(id))
	}
	return a, nil
}

func getTransaction(ctx context.Context, q querier, id settlement.TransactionID) (*settlement.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	t, err := scanTransaction(q.QueryRow(ctx, txSelect+` WHERE id = $1`, string(id)))
	if err != nil {
		return nil, notFound(err, "transaction "+string(id))
	}
	return t, nil
}

func getWithdrawal(ctx context.Context, q querier, id settlement.WithdrawalID, lock bool) (*settlement.WithdrawalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := withdrawalSelect + ` WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	w, err := scanWithdrawal(q.QueryRow(ctx, query, string(id)))
	if err != nil {
		return nil, notFound(err, "withdrawal "+string(id))
	}
	return w, nil
}

// =============================================================================
// STORE (settlement.Store interface)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return getAccount(ctx, s.pool, id, false)
}

func (s *Store) ListReferrals(ctx context.Context, uplineID settlement.AccountID) ([]settlement.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, accountSelect+` WHERE upline_id = $1 ORDER BY id`, string(uplineID))
	if err != nil {
		return nil, err
	}
	return collect(rows, deref(scanAccount))
}

func (s *Store) CreateAccount(ctx context.Context, a settlement.Account) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, upline_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		string(a.ID), nullable(a.UplineID), a.Name, a.CreatedAt)
	return mapError(err)
}

func (s *Store) CreateTransaction(ctx context.Context, t settlement.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	items := make([]item, 0, len(t.Items))
	for _, it := range t.Items {
		items = append(items, item{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transactions (id, buyer_id, guest_referrer_id, guest_name, items, total_amount, status,
			commissions_distributed, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::text::numeric, $7, $8, $9, $10)`,
		string(t.ID), nullable(t.BuyerID), nullable(t.GuestReferrerID), t.GuestName, string(encoded),
		t.TotalAmount.String(), string(t.Status), t.CommissionsDistributed, t.PaidAt, t.CreatedAt)
	return mapError(err)
}

func (s *Store) GetTransaction(ctx context.Context, id settlement.TransactionID) (*settlement.Transaction, error) {
	return getTransaction(ctx, s.pool, id)
}

func (s *Store) ListUndistributed(ctx context.Context, limit int) ([]settlement.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := txSelect + ` WHERE status = 'PAID' AND NOT commissions_distributed ORDER BY paid_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, deref(scanTransaction))
}

func (s *Store) GetWithdrawal(ctx context.Context, id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	return getWithdrawal(ctx, s.pool, id, false)
}

func (s *Store) ListWithdrawals(ctx context.Context, f settlement.WithdrawalFilter) ([]settlement.WithdrawalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if f.AccountID != nil {
		args = append(args, string(*f.AccountID))
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.IncludeArchived {
		where = append(where, "NOT archived")
	}
	query := withdrawalSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at DESC, id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, deref(scanWithdrawal))
}

func (s *Store) CommissionsFor(ctx context.Context, beneficiaryID settlement.AccountID) ([]settlement.CommissionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, commissionSelect+` WHERE beneficiary_id = $1 ORDER BY created_at, seq`, string(beneficiaryID))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCommission)
}

func (s *Store) CommissionsForTransaction(ctx context.Context, txID settlement.TransactionID) ([]settlement.CommissionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, commissionSelect+` WHERE transaction_id = $1 ORDER BY level`, string(txID))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCommission)
}

func (s *Store) WalletLogs(ctx context.Context, accountID settlement.AccountID) ([]settlement.WalletLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, walletSelect+` WHERE account_id = $1 ORDER BY created_at, seq`, string(accountID))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWallet)
}

// =============================================================================
// SETTINGS (settlement.SettingsStore interface)
// =============================================================================

func (s *Store) Settings(ctx context.Context) (settlement.Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		out  settlement.Settings
		pcts []byte
		rate string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT commission_levels, level_percentages, point_rate::text FROM system_settings WHERE id = 1`,
	).Scan(&out.CommissionLevels, &pcts, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return settlement.Settings{}, settlement.ErrNotFound
	}
	if err != nil {
		return settlement.Settings{}, err
	}
	if err := json.Unmarshal(pcts, &out.LevelPercentages); err != nil {
		return settlement.Settings{}, fmt.Errorf("decode level percentages: %w", err)
	}
	if err := parseDecimals(rate, &out.PointRate); err != nil {
		return settlement.Settings{}, err
	}
	return out, nil
}

func (s *Store) SaveSettings(ctx context.Context, st settlement.Settings) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	pcts := st.LevelPercentages
	if pcts == nil {
		pcts = []int{}
	}
	encoded, err := json.Marshal(pcts)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO system_settings (id, commission_levels, level_percentages, point_rate, updated_at)
		VALUES (1, $1, $2::jsonb, $3::text::numeric, now())
		ON CONFLICT (id) DO UPDATE SET
			commission_levels = EXCLUDED.commission_levels,
			level_percentages = EXCLUDED.level_percentages,
			point_rate = EXCLUDED.point_rate,
			updated_at = EXCLUDED.updated_at`,
		st.CommissionLevels, string(encoded), st.PointRate.String())
	return err
}

// =============================================================================
// TX VIEW (settlement.Tx interface)
// =============================================================================

type txStore struct {
	q querier
}

func (t *txStore) GetAccount(ctx context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return getAccount(ctx, t.q, id, false)
}

func (t *txStore) LockAccount(ctx context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return getAccount(ctx, t.q, id, true)
}

func (t *txStore) AdjustBalance(ctx context.Context, id settlement.AccountID, delta, earned settlement.Points) error {
	acct, err := getAccount(ctx, t.q, id, true)
	if err != nil {
		return err
	}
	next := acct.Balance.Add(delta)
	if next.IsNegative() {
		return &settlement.InsufficientBalanceError{AccountID: id, Available: acct.Balance, Requested: delta.Neg()}
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err = t.q.Exec(ctx, `
		UPDATE accounts
		SET balance = balance + $1::text::numeric,
		    lifetime_earnings = lifetime_earnings + $2::text::numeric
		WHERE id = $3`,
		delta.String(), earned.String(), string(id))
	return err
}

func (t *txStore) AppendCommission(ctx context.Context, e settlement.CommissionLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := t.q.Exec(ctx, `
		INSERT INTO commission_log (id, transaction_id, beneficiary_id, source_account_id, level, percentage,
			amount, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9)`,
		string(e.ID), string(e.TransactionID), string(e.BeneficiaryID), string(e.SourceAccountID),
		e.Level, e.Percentage, e.Amount.String(), e.Archived, e.CreatedAt)
	return mapError(err)
}

func (t *txStore) AppendWallet(ctx context.Context, e settlement.WalletLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := t.q.Exec(ctx, `
		INSERT INTO wallet_log (id, account_id, type, amount, description, withdrawal_id, counterparty_id, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8)`,
		string(e.ID), string(e.AccountID), string(e.Type), e.Amount.String(), e.Description,
		nullable(e.WithdrawalID), nullable(e.CounterpartyID), e.CreatedAt)
	return mapError(err)
}

func (t *txStore) SetCommissionArchived(ctx context.Context, id settlement.EntryID, archived bool) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := t.q.Exec(ctx, `UPDATE commission_log SET archived = $1 WHERE id = $2`, archived, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commission %s: %w", id, settlement.ErrNotFound)
	}
	return nil
}

func (t *txStore) GetTransaction(ctx context.Context, id settlement.TransactionID) (*settlement.Transaction, error) {
	return getTransaction(ctx, t.q, id)
}

func (t *txStore) MarkPaid(ctx context.Context, id settlement.TransactionID, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := t.q.Exec(ctx,
		`UPDATE transactions SET status = 'PAID', paid_at = $1 WHERE id = $2 AND status = 'PENDING'`,
		at, string(id))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LatchCommissions is a compare-and-set; the row lock it takes makes a
// concurrent caller wait and then see zero rows affected.
func (t *txStore) LatchCommissions(ctx context.Context, id settlement.TransactionID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := t.q.Exec(ctx, `
		UPDATE transactions SET commissions_distributed = TRUE
		WHERE id = $1 AND status = 'PAID' AND NOT commissions_distributed`,
		string(id))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txStore) InsertWithdrawal(ctx context.Context, w settlement.WithdrawalRequest) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := t.q.Exec(ctx, `
		INSERT INTO withdrawals (id, account_id, amount, points, point_rate, destination, status, requested_at,
			processed_at, processed_by, proof_image, proof_link, rejection_reason, archived)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(w.ID), string(w.AccountID), w.Amount.String(), w.Points.String(), w.PointRate.String(),
		w.Destination, string(w.Status), w.RequestedAt, w.ProcessedAt, w.ProcessedBy,
		w.ProofImage, w.ProofLink, w.RejectionReason, w.Archived)
	return mapError(err)
}

func (t *txStore) LockWithdrawal(ctx context.Context, id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	return getWithdrawal(ctx, t.q, id, true)
}

func (t *txStore) UpdateWithdrawal(ctx context.Context, w settlement.WithdrawalRequest) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := t.q.Exec(ctx, `
		UPDATE withdrawals SET
			status = $2, processed_at = $3, processed_by = $4,
			proof_image = $5, proof_link = $6, rejection_reason = $7, archived = $8
		WHERE id = $1`,
		string(w.ID), string(w.Status), w.ProcessedAt, w.ProcessedBy,
		w.ProofImage, w.ProofLink, w.RejectionReason, w.Archived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s: %w", w.ID, settlement.ErrNotFound)
	}
	return nil
}

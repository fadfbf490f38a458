package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/settlement-engine/settlement"
)

// Shared statements run against either the pool or an open transaction.

const (
	accountColumns     = `id, upline_id, name, balance, lifetime_earnings, created_at`
	transactionColumns = `id, buyer_id, guest_referrer_id, guest_name, items_json, total_amount, status, commissions_distributed, paid_at, created_at`
	commissionColumns  = `id, transaction_id, beneficiary_id, source_account_id, level, percentage, amount, archived, created_at`
	walletColumns      = `id, account_id, type, amount, description, withdrawal_id, counterparty_id, created_at`
	withdrawalColumns  = `id, account_id, amount, points, point_rate, destination, status, requested_at, processed_at, processed_by, proof_image, proof_link, rejection_reason, archived`
)

func getAccount(ctx context.Context, q sqlx.QueryerContext, id settlement.AccountID) (*settlement.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row accountRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, settlement.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toAccount()
}

func getTransaction(ctx context.Context, q sqlx.QueryerContext, id settlement.TransactionID) (*settlement.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row transactionRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, settlement.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toTransaction()
}

func getWithdrawal(ctx context.Context, q sqlx.QueryerContext, id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row withdrawalRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", id, settlement.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toRequest()
}

// =============================================================================
// STORE READS (settlement.Store interface)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) ListReferrals(ctx context.Context, uplineID settlement.AccountID) ([]settlement.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+accountColumns+` FROM accounts WHERE upline_id = ? ORDER BY id`, string(uplineID)); err != nil {
		return nil, err
	}
	out := make([]settlement.Account, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAccount()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id settlement.TransactionID) (*settlement.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func (s *Store) ListUndistributed(ctx context.Context, limit int) ([]settlement.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'PAID' AND commissions_distributed = 0
		ORDER BY paid_at, id
		LIMIT ?`, limit); err != nil {
		return nil, err
	}
	out := make([]settlement.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	return getWithdrawal(ctx, s.db, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, f settlement.WithdrawalFilter) ([]settlement.WithdrawalRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if f.AccountID != nil {
		where = append(where, "account_id = ?")
		args = append(args, string(*f.AccountID))
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}
	if !f.IncludeArchived {
		where = append(where, "archived = 0")
	}
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at DESC, id DESC"

	var rows []withdrawalRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]settlement.WithdrawalRequest, 0, len(rows))
	for _, r := range rows {
		w, err := r.toRequest()
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}

func (s *Store) CommissionsFor(ctx context.Context, beneficiaryID settlement.AccountID) ([]settlement.CommissionLogEntry, error) {
	return s.queryCommissions(ctx,
		`SELECT `+commissionColumns+` FROM commission_log WHERE beneficiary_id = ? ORDER BY created_at, rowid`,
		string(beneficiaryID))
}

func (s *Store) CommissionsForTransaction(ctx context.Context, txID settlement.TransactionID) ([]settlement.CommissionLogEntry, error) {
	return s.queryCommissions(ctx,
		`SELECT `+commissionColumns+` FROM commission_log WHERE transaction_id = ? ORDER BY level`,
		string(txID))
}

func (s *Store) queryCommissions(ctx context.Context, query string, args ...any) ([]settlement.CommissionLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []commissionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]settlement.CommissionLogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) WalletLogs(ctx context.Context, accountID settlement.AccountID) ([]settlement.WalletLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []walletRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+walletColumns+` FROM wallet_log WHERE account_id = ? ORDER BY created_at, rowid`,
		string(accountID)); err != nil {
		return nil, err
	}
	out := make([]settlement.WalletLogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// CREATION
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a settlement.Account) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, upline_id, name, balance, lifetime_earnings, created_at)
		VALUES (?, ?, ?, '0', '0', ?)`,
		string(a.ID), nullString(a.UplineID), a.Name, formatTime(a.CreatedAt))
	return mapError(err)
}

func (s *Store) CreateTransaction(ctx context.Context, t settlement.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	items, err := encodeItems(t.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, buyer_id, guest_referrer_id, guest_name, items_json, total_amount, status, commissions_distributed, paid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), nullString(t.BuyerID), nullString(t.GuestReferrerID), t.GuestName, items,
		t.TotalAmount.String(), string(t.Status), t.CommissionsDistributed, nullTime(t.PaidAt), formatTime(t.CreatedAt))
	return mapError(err)
}

// =============================================================================
// SETTINGS (settlement.SettingsStore interface)
// =============================================================================

func (s *Store) Settings(ctx context.Context) (settlement.Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row settingsRow
	err := s.db.GetContext(ctx, &row,
		`SELECT commission_levels, level_percentages, point_rate FROM system_settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Settings{}, settlement.ErrNotFound
	}
	if err != nil {
		return settlement.Settings{}, err
	}
	var pcts []int
	if err := json.Unmarshal([]byte(row.LevelPercentages), &pcts); err != nil {
		return settlement.Settings{}, fmt.Errorf("decode level percentages: %w", err)
	}
	return settlement.Settings{
		CommissionLevels: row.CommissionLevels,
		LevelPercentages: pcts,
		PointRate:        row.PointRate,
	}, nil
}

func (s *Store) SaveSettings(ctx context.Context, st settlement.Settings) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	pcts, err := json.Marshal(st.LevelPercentages)
	if err != nil {
		return err
	}
	if st.LevelPercentages == nil {
		pcts = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO system_settings (id, commission_levels, level_percentages, point_rate, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			commission_levels = excluded.commission_levels,
			level_percentages = excluded.level_percentages,
			point_rate = excluded.point_rate,
			updated_at = excluded.updated_at`,
		st.CommissionLevels, string(pcts), st.PointRate.String(), formatTime(time.Now()))
	return err
}

// =============================================================================
// TX VIEW (settlement.Tx interface)
// =============================================================================

type txStore struct {
	tx *sqlx.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

// LockAccount is a plain read: the unit already owns the only connection.
func (ts *txStore) LockAccount(ctx context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) AdjustBalance(ctx context.Context, id settlement.AccountID, delta, earned settlement.Points) error {
	acct, err := getAccount(ctx, ts.tx, id)
	if err != nil {
		return err
	}
	next := acct.Balance.Add(delta)
	if next.IsNegative() {
		return &settlement.InsufficientBalanceError{AccountID: id, Available: acct.Balance, Requested: delta.Neg()}
	}
	lifetime := acct.LifetimeEarnings.Add(earned)

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	_, err = ts.tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, lifetime_earnings = ? WHERE id = ?`,
		next.String(), lifetime.String(), string(id))
	return err
}

func (ts *txStore) AppendCommission(ctx context.Context, e settlement.CommissionLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO commission_log (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.TransactionID), string(e.BeneficiaryID), string(e.SourceAccountID),
		e.Level, e.Percentage, e.Amount.String(), e.Archived, formatTime(e.CreatedAt))
	return mapError(err)
}

func (ts *txStore) AppendWallet(ctx context.Context, e settlement.WalletLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO wallet_log (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.AccountID), string(e.Type), e.Amount.String(), e.Description,
		nullString(e.WithdrawalID), nullString(e.CounterpartyID), formatTime(e.CreatedAt))
	return mapError(err)
}

func (ts *txStore) SetCommissionArchived(ctx context.Context, id settlement.EntryID, archived bool) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := ts.tx.ExecContext(ctx, `UPDATE commission_log SET archived = ? WHERE id = ?`, archived, string(id))
	if err != nil {
		return err
	}
	return requireRow(res, "commission "+string(id))
}

func (ts *txStore) GetTransaction(ctx context.Context, id settlement.TransactionID) (*settlement.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) MarkPaid(ctx context.Context, id settlement.TransactionID, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := ts.tx.ExecContext(ctx,
		`UPDATE transactions SET status = 'PAID', paid_at = ? WHERE id = ? AND status = 'PENDING'`,
		formatTime(at), string(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (ts *txStore) LatchCommissions(ctx context.Context, id settlement.TransactionID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE transactions SET commissions_distributed = 1
		WHERE id = ? AND status = 'PAID' AND commissions_distributed = 0`,
		string(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (ts *txStore) InsertWithdrawal(ctx context.Context, w settlement.WithdrawalRequest) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := sqlx.NamedExecContext(ctx, ts.tx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (:id, :account_id, :amount, :points, :point_rate, :destination, :status, :requested_at,
		        :processed_at, :processed_by, :proof_image, :proof_link, :rejection_reason, :archived)`,
		withdrawalArgs(w))
	return mapError(err)
}

// LockWithdrawal is a plain read: the unit already owns the only connection.
func (ts *txStore) LockWithdrawal(ctx context.Context, id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	return getWithdrawal(ctx, ts.tx, id)
}

func (ts *txStore) UpdateWithdrawal(ctx context.Context, w settlement.WithdrawalRequest) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := sqlx.NamedExecContext(ctx, ts.tx, `
		UPDATE withdrawals SET
			status = :status,
			processed_at = :processed_at,
			processed_by = :processed_by,
			proof_image = :proof_image,
			proof_link = :proof_link,
			rejection_reason = :rejection_reason,
			archived = :archived
		WHERE id = :id`,
		withdrawalArgs(w))
	if err != nil {
		return err
	}
	return requireRow(res, "withdrawal "+string(w.ID))
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, settlement.ErrNotFound)
	}
	return nil
}

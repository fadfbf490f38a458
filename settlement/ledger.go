/*
ledger.go - Balance mutation with an audit row in the same unit

PURPOSE:
  The Ledger is the only component that changes point balances. Every
  change writes exactly one audit row (commission log or wallet log) in
  the same atomic unit as the balance update, so replaying the logs of an
  account always reproduces its balance.

CRITICAL INVARIANTS:
  1. CONSERVATION: balance delta == sum of the rows written with it
  2. NO NEGATIVES: debits are checked against the locked balance first
  3. LIFETIME EARNINGS grow only through commission credits
  4. LOCK ORDER: multi-account units lock accounts in ascending ID order

TWO LAYERS:
  - Unit-scoped helpers (creditCommission, post) run inside a Tx owned by
    the caller. The distributor and the withdrawal service use them so
    their own state changes commit together with the balance change.
  - Public methods (Credit, Debit, Transfer) open their own unit.

SEE ALSO:
  - store.go: Tx.AdjustBalance contract
  - distributor.go, withdrawal.go: callers of the unit-scoped helpers
*/
package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger owns all balance mutations.
type Ledger struct {
	store TxStore
	now   func() time.Time
}

// NewLedger creates a ledger over the store.
func NewLedger(store TxStore, now func() time.Time) *Ledger {
	if now == nil {
		now = defaultClock
	}
	return &Ledger{store: store, now: now}
}

func defaultClock() time.Time { return time.Now().UTC() }

func newEntryID() EntryID { return EntryID(uuid.NewString()) }

// =============================================================================
// UNIT-SCOPED OPERATIONS
// =============================================================================

// creditCommission credits balance and lifetime earnings and appends the
// commission row.
func (l *Ledger) creditCommission(ctx context.Context, tx Tx, entry CommissionLogEntry) (CommissionLogEntry, error) {
	if !entry.Amount.IsPositive() {
		return entry, fmt.Errorf("commission for %s: %w", entry.BeneficiaryID, ErrInvalidAmount)
	}
	if _, err := tx.LockAccount(ctx, entry.BeneficiaryID); err != nil {
		return entry, fmt.Errorf("lock beneficiary %s: %w", entry.BeneficiaryID, err)
	}
	if entry.ID == "" {
		entry.ID = newEntryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if err := tx.AdjustBalance(ctx, entry.BeneficiaryID, entry.Amount, entry.Amount); err != nil {
		return entry, err
	}
	if err := tx.AppendCommission(ctx, entry); err != nil {
		return entry, fmt.Errorf("append commission level %d of %s: %w", entry.Level, entry.TransactionID, err)
	}
	return entry, nil
}

// post applies a signed wallet movement. Negative amounts are debits and
// fail with InsufficientBalanceError when they exceed the locked balance.
func (l *Ledger) post(ctx context.Context, tx Tx, entry WalletLogEntry) (WalletLogEntry, error) {
	if entry.Amount.IsZero() {
		return entry, fmt.Errorf("wallet %s: %w", entry.Type, ErrInvalidAmount)
	}
	acct, err := tx.LockAccount(ctx, entry.AccountID)
	if err != nil {
		return entry, fmt.Errorf("lock account %s: %w", entry.AccountID, err)
	}
	if entry.Amount.IsNegative() && acct.Balance.LessThan(entry.Amount.Neg()) {
		return entry, &InsufficientBalanceError{
			AccountID: acct.ID,
			Available: acct.Balance,
			Requested: entry.Amount.Neg(),
		}
	}
	if entry.ID == "" {
		entry.ID = newEntryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	if err := tx.AdjustBalance(ctx, entry.AccountID, entry.Amount, decimal.Zero); err != nil {
		return entry, err
	}
	if err := tx.AppendWallet(ctx, entry); err != nil {
		return entry, fmt.Errorf("append wallet log for %s: %w", entry.AccountID, err)
	}
	return entry, nil
}

// lockInOrder locks the given accounts in ascending ID order.
func lockInOrder(ctx context.Context, tx Tx, ids ...AccountID) error {
	sorted := append([]AccountID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return fmt.Errorf("lock account %s: %w", id, err)
		}
	}
	return nil
}

// =============================================================================
// SELF-CONTAINED OPERATIONS
// =============================================================================

// Credit adds points to an account as an administrative adjustment.
func (l *Ledger) Credit(ctx context.Context, accountID AccountID, amount Points, reason string) (WalletLogEntry, error) {
	if !amount.IsPositive() {
		return WalletLogEntry{}, ErrInvalidAmount
	}
	var posted WalletLogEntry
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		posted, err = l.post(ctx, tx, WalletLogEntry{
			AccountID:   accountID,
			Type:        WalletAdminTransferIn,
			Amount:      RoundPoints(amount),
			Description: reason,
		})
		return err
	})
	return posted, err
}

// Debit removes points from an account. Fails with InsufficientBalanceError
// when amount exceeds the balance.
func (l *Ledger) Debit(ctx context.Context, accountID AccountID, amount Points, reason string) (WalletLogEntry, error) {
	if !amount.IsPositive() {
		return WalletLogEntry{}, ErrInvalidAmount
	}
	var posted WalletLogEntry
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		posted, err = l.post(ctx, tx, WalletLogEntry{
			AccountID:   accountID,
			Type:        WalletAdminTransferOut,
			Amount:      RoundPoints(amount).Neg(),
			Description: reason,
		})
		return err
	})
	return posted, err
}

// Transfer moves points between two accounts in one unit.
func (l *Ledger) Transfer(ctx context.Context, from, to AccountID, amount Points, description string) (out, in WalletLogEntry, err error) {
	if !amount.IsPositive() {
		return out, in, ErrInvalidAmount
	}
	if from == to {
		return out, in, fmt.Errorf("transfer to the same account: %w", ErrInvalidAmount)
	}
	amount = RoundPoints(amount)
	err = l.store.WithTx(ctx, func(tx Tx) error {
		if err := lockInOrder(ctx, tx, from, to); err != nil {
			return err
		}
		var err error
		out, err = l.post(ctx, tx, WalletLogEntry{
			AccountID:      from,
			Type:           WalletAdminTransferOut,
			Amount:         amount.Neg(),
			Description:    description,
			CounterpartyID: &to,
		})
		if err != nil {
			return err
		}
		in, err = l.post(ctx, tx, WalletLogEntry{
			AccountID:      to,
			Type:           WalletAdminTransferIn,
			Amount:         amount,
			Description:    description,
			CounterpartyID: &from,
		})
		return err
	})
	return out, in, err
}

// GetBalance returns the account with its current balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID AccountID) (*Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

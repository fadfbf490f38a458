package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/logger"
)

// Options tune an Engine. The zero value is usable.
type Options struct {
	// MaxHops caps account lookups per upline walk. See NetworkResolver.
	MaxHops int

	// Clock overrides time.Now for timestamps.
	Clock func() time.Time
}

// Engine is the library entry point. It reads one settings snapshot per
// operation and hands it to the component doing the work.
type Engine struct {
	store    TxStore
	settings SettingsProvider

	Ledger      *Ledger
	Resolver    *NetworkResolver
	Distributor *Distributor
	Withdrawals *WithdrawalService

	now func() time.Time
}

// NewEngine wires the engine components over a store and a settings provider.
func NewEngine(store TxStore, settings SettingsProvider, opts Options) *Engine {
	now := opts.Clock
	if now == nil {
		now = defaultClock
	}
	ledger := NewLedger(store, now)
	resolver := &NetworkResolver{MaxHops: opts.MaxHops}
	return &Engine{
		store:       store,
		settings:    settings,
		Ledger:      ledger,
		Resolver:    resolver,
		Distributor: NewDistributor(store, ledger, resolver, now),
		Withdrawals: NewWithdrawalService(store, ledger, now),
		now:         now,
	}
}

// Store returns the underlying store.
func (e *Engine) Store() TxStore { return e.store }

// Snapshot reads and validates the current settings.
func (e *Engine) Snapshot(ctx context.Context) (Settings, error) {
	s, err := e.settings.Settings(ctx)
	if err != nil {
		return Settings{}, upstream("read settings", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// =============================================================================
// ACCOUNTS & TRANSACTIONS
// =============================================================================

// CreateAccount registers an account. The upline must exist and cannot be
// the account itself.
func (e *Engine) CreateAccount(ctx context.Context, id AccountID, uplineID *AccountID, name string) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id is required: %w", ErrInvalidInput)
	}
	acct := Account{ID: id, Name: name, CreatedAt: e.now()}
	if uplineID != nil && *uplineID != "" {
		if *uplineID == id {
			return nil, fmt.Errorf("account %s cannot refer itself: %w", id, ErrInvalidInput)
		}
		if _, err := e.store.GetAccount(ctx, *uplineID); err != nil {
			return nil, fmt.Errorf("upline %s: %w", *uplineID, err)
		}
		up := *uplineID
		acct.UplineID = &up
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetAccount returns an account.
func (e *Engine) GetAccount(ctx context.Context, id AccountID) (*Account, error) {
	return e.store.GetAccount(ctx, id)
}

// RecordTransaction stores a PENDING purchase. TotalAmount is the sum of the
// line items when the items carry prices.
func (e *Engine) RecordTransaction(ctx context.Context, t Transaction) (*Transaction, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("transaction id is required: %w", ErrInvalidInput)
	}
	if len(t.Items) > 0 {
		total := decimal.Zero
		for _, it := range t.Items {
			if it.Quantity <= 0 || it.UnitPrice.IsNegative() {
				return nil, fmt.Errorf("line item %s: %w", it.ProductID, ErrInvalidAmount)
			}
			total = total.Add(it.Subtotal())
		}
		t.TotalAmount = total
	}
	if !t.TotalAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	for _, ref := range []*AccountID{t.BuyerID, t.GuestReferrerID} {
		if ref == nil {
			continue
		}
		if _, err := e.store.GetAccount(ctx, *ref); err != nil {
			return nil, fmt.Errorf("account %s: %w", *ref, err)
		}
	}
	t.Status = TransactionPending
	t.CommissionsDistributed = false
	t.PaidAt = nil
	if t.CreatedAt.IsZero() {
		t.CreatedAt = e.now()
	}
	if err := e.store.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// OnTransactionPaid distributes commissions for a paid transaction. Calling
// it again, or concurrently, credits nothing more.
func (e *Engine) OnTransactionPaid(ctx context.Context, txID TransactionID) ([]CommissionLogEntry, error) {
	s, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := e.Distributor.Distribute(ctx, txID, s)
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).
			Str("transaction_id", string(txID)).
			Bool("retryable", IsRetryable(err)).
			Msg("commission distribution failed")
		return nil, err
	}
	e.observe(entries)
	return entries, nil
}

// ConfirmPayment moves a PENDING transaction to PAID, then distributes its
// commissions. The payment stays confirmed if distribution fails; the
// sweeper or a retry picks it up from there.
func (e *Engine) ConfirmPayment(ctx context.Context, txID TransactionID) ([]CommissionLogEntry, error) {
	var changed bool
	err := e.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetTransaction(ctx, txID); err != nil {
			return err
		}
		var err error
		changed, err = tx.MarkPaid(ctx, txID, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		logger.FromContext(ctx).Info().Str("transaction_id", string(txID)).Msg("payment confirmed")
	}
	return e.OnTransactionPaid(ctx, txID)
}

func (e *Engine) observe(entries []CommissionLogEntry) {
	if len(entries) == 0 {
		return
	}
	commissionsDistributed.Inc()
	total := decimal.Zero
	for _, en := range entries {
		total = total.Add(en.Amount)
	}
	commissionPoints.Add(total.InexactFloat64())
}

// CommissionsForTransaction returns what a transaction paid out.
func (e *Engine) CommissionsForTransaction(ctx context.Context, txID TransactionID) ([]CommissionLogEntry, error) {
	if _, err := e.store.GetTransaction(ctx, txID); err != nil {
		return nil, err
	}
	return e.store.CommissionsForTransaction(ctx, txID)
}

// ArchiveCommission hides or shows a commission row in member history.
func (e *Engine) ArchiveCommission(ctx context.Context, id EntryID, archived bool) error {
	return e.store.WithTx(ctx, func(tx Tx) error {
		return tx.SetCommissionArchived(ctx, id, archived)
	})
}

// =============================================================================
// BALANCES
// =============================================================================

// GetBalance returns points, their currency value at the current rate and
// lifetime earnings.
func (e *Engine) GetBalance(ctx context.Context, accountID AccountID) (*BalanceView, error) {
	acct, err := e.Ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		AccountID:          acct.ID,
		Points:             acct.Balance,
		CurrencyEquivalent: acct.Balance.Mul(s.PointRate).Round(CurrencyScale),
		LifetimeEarnings:   acct.LifetimeEarnings,
		PointRate:          s.PointRate,
	}, nil
}

func (e *Engine) AdminCredit(ctx context.Context, accountID AccountID, amount Points, reason string) (WalletLogEntry, error) {
	return e.Ledger.Credit(ctx, accountID, amount, reason)
}

func (e *Engine) AdminDebit(ctx context.Context, accountID AccountID, amount Points, reason string) (WalletLogEntry, error) {
	return e.Ledger.Debit(ctx, accountID, amount, reason)
}

func (e *Engine) AdminTransfer(ctx context.Context, from, to AccountID, amount Points, description string) (WalletLogEntry, WalletLogEntry, error) {
	return e.Ledger.Transfer(ctx, from, to, amount, description)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func (e *Engine) RequestWithdrawal(ctx context.Context, accountID AccountID, amount decimal.Decimal, destination string) (*WithdrawalRequest, error) {
	s, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.Withdrawals.Request(ctx, accountID, amount, destination, s)
}

func (e *Engine) GetWithdrawal(ctx context.Context, id WithdrawalID) (*WithdrawalRequest, error) {
	return e.store.GetWithdrawal(ctx, id)
}

func (e *Engine) ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]WithdrawalRequest, error) {
	return e.Withdrawals.List(ctx, filter)
}

func (e *Engine) ApproveWithdrawal(ctx context.Context, id WithdrawalID, actor string, proof Proof) (*WithdrawalRequest, error) {
	return e.Withdrawals.Approve(ctx, id, actor, proof)
}

func (e *Engine) RejectWithdrawal(ctx context.Context, id WithdrawalID, actor, reason string, proof Proof) (*WithdrawalRequest, error) {
	return e.Withdrawals.Reject(ctx, id, actor, reason, proof)
}

func (e *Engine) CancelWithdrawal(ctx context.Context, id WithdrawalID, requester AccountID) (*WithdrawalRequest, error) {
	return e.Withdrawals.Cancel(ctx, id, requester)
}

func (e *Engine) ArchiveWithdrawal(ctx context.Context, id WithdrawalID, archived bool) (*WithdrawalRequest, error) {
	return e.Withdrawals.Archive(ctx, id, archived)
}

// =============================================================================
// NETWORK
// =============================================================================

// Upline returns the chain the current settings would pay for accountID.
func (e *Engine) Upline(ctx context.Context, accountID AccountID) ([]UplineMember, error) {
	s, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.Resolver.ResolveUpline(ctx, e.store, accountID, s.CommissionLevels)
}

// Downline returns the tree below accountID up to maxDepth levels.
func (e *Engine) Downline(ctx context.Context, accountID AccountID, maxDepth int) ([]DownlineMember, error) {
	return e.Resolver.Downline(ctx, e.store, accountID, maxDepth)
}

/*
Package settlement provides the commission and wallet settlement engine.

PURPOSE:
  Turns paid purchases into tiered referral commissions and lets members
  convert the points they earned into currency through a manual-approval
  withdrawal workflow. Everything that moves a balance goes through this
  package; the HTTP layer only translates requests.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: internal unit of earned value (decimal, scale 4)
  - Account: participant in the referral tree with a point balance
  - Transaction: a purchase that becomes eligible for commissions once PAID
  - CommissionLogEntry / WalletLogEntry: append-only audit rows
  - WithdrawalRequest: the withdrawal state machine entity

INVARIANTS:
  1. Conservation: every balance change has exactly one matching log row,
     written in the same atomic unit
  2. No negative balances: debits fail before touching the balance
  3. At-most-once commissions: the CommissionsDistributed latch is
     compare-and-set inside the distribution unit
  4. Refunds restore the points debited at request time, never a
     recomputation at the current rate

EXAMPLE:
  engine := settlement.NewEngine(store, provider, settlement.Options{})
  entries, err := engine.OnTransactionPaid(ctx, "tx-1001")
  req, err := engine.RequestWithdrawal(ctx, "member-7", decimal.NewFromInt(30000), "BCA 123456")

SEE ALSO:
  - ledger.go: the only code allowed to mutate balances
  - distributor.go: commission distribution
  - withdrawal.go: withdrawal state machine
  - engine.go: library entry points
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS
// =============================================================================

// Points is the internal unit of earned value.
type Points = decimal.Decimal

// PointScale is the number of decimal places points are stored with.
const PointScale int32 = 4

// CurrencyScale is the number of decimal places currency amounts are shown with.
const CurrencyScale int32 = 2

var hundred = decimal.NewFromInt(100)

// RoundPoints rounds a point quantity to PointScale.
func RoundPoints(d decimal.Decimal) decimal.Decimal { return d.Round(PointScale) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type WithdrawalID string
type EntryID string

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a participant in the referral tree.
type Account struct {
	ID       AccountID
	UplineID *AccountID
	Name     string

	// Balance is the spendable point balance. Never negative.
	Balance decimal.Decimal

	// LifetimeEarnings only grows, and only through commission credits.
	LifetimeEarnings decimal.Decimal

	CreatedAt time.Time
}

// Upline returns the direct referrer, treating an empty reference as none.
func (a Account) Upline() (AccountID, bool) {
	if a.UplineID == nil || *a.UplineID == "" {
		return "", false
	}
	return *a.UplineID, true
}

// =============================================================================
// TRANSACTION - A purchase
// =============================================================================

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "PENDING"
	TransactionPaid    TransactionStatus = "PAID"
)

// LineItem captures the product price at the time of purchase.
type LineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal returns UnitPrice * Quantity.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Transaction is a purchase by a registered buyer or by a guest who arrived
// through a member's referral link.
type Transaction struct {
	ID TransactionID

	// Exactly one of BuyerID and GuestReferrerID is normally set. A guest
	// purchase without a referrer earns no commissions.
	BuyerID         *AccountID
	GuestReferrerID *AccountID
	GuestName       string

	Items       []LineItem
	TotalAmount decimal.Decimal
	Status      TransactionStatus

	CommissionsDistributed bool

	PaidAt    *time.Time
	CreatedAt time.Time
}

// SourceAccount is the account recorded as the origin of commissions: the
// buyer for member purchases, the referrer for guest purchases.
func (t Transaction) SourceAccount() AccountID {
	switch {
	case t.BuyerID != nil:
		return *t.BuyerID
	case t.GuestReferrerID != nil:
		return *t.GuestReferrerID
	}
	return ""
}

// =============================================================================
// LEDGER ENTRIES - Append-only audit rows
// =============================================================================

// CommissionLogEntry records one level of one transaction's commission.
type CommissionLogEntry struct {
	ID              EntryID
	TransactionID   TransactionID
	BeneficiaryID   AccountID
	SourceAccountID AccountID
	Level           int
	Percentage      int
	Amount          decimal.Decimal
	CreatedAt       time.Time

	// Archived hides the entry from member history. It never affects balances.
	Archived bool
}

type WalletLogType string

const (
	WalletWithdrawal       WalletLogType = "WITHDRAWAL"
	WalletRefund           WalletLogType = "REFUND"
	WalletWithdrawalRefund WalletLogType = "WITHDRAWAL_REFUND"
	WalletAdminTransferIn  WalletLogType = "ADMIN_TRANSFER_IN"
	WalletAdminTransferOut WalletLogType = "ADMIN_TRANSFER_OUT"
)

// WalletLogEntry records any non-commission balance change. Amount is signed.
type WalletLogEntry struct {
	ID             EntryID
	AccountID      AccountID
	Type           WalletLogType
	Amount         decimal.Decimal
	Description    string
	WithdrawalID   *WithdrawalID
	CounterpartyID *AccountID
	CreatedAt      time.Time
}

// =============================================================================
// WITHDRAWAL REQUEST
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalApproved  WithdrawalStatus = "APPROVED"
	WithdrawalRejected  WithdrawalStatus = "REJECTED"
	WithdrawalCancelled WithdrawalStatus = "CANCELLED"
)

// WithdrawalRequest converts points into currency. Points are debited when
// the request is created; Points and PointRate are the values used at that
// moment and drive any later refund.
type WithdrawalRequest struct {
	ID        WithdrawalID
	AccountID AccountID

	Amount    decimal.Decimal // currency requested
	Points    decimal.Decimal // points debited
	PointRate decimal.Decimal

	Destination string
	Status      WithdrawalStatus

	RequestedAt time.Time
	ProcessedAt *time.Time
	ProcessedBy string

	ProofImage      string
	ProofLink       string
	RejectionReason string

	Archived bool
}

// Proof is the optional payment evidence an administrator attaches.
type Proof struct {
	Image string
	Link  string
}

// WithdrawalFilter selects withdrawal requests. A nil AccountID lists all.
type WithdrawalFilter struct {
	AccountID       *AccountID
	Status          *WithdrawalStatus
	IncludeArchived bool
}

// =============================================================================
// READ MODELS
// =============================================================================

// BalanceView is the member-facing balance summary.
type BalanceView struct {
	AccountID          AccountID
	Points             decimal.Decimal
	CurrencyEquivalent decimal.Decimal
	LifetimeEarnings   decimal.Decimal
	PointRate          decimal.Decimal
}

type HistoryKind string

const (
	HistoryCommission HistoryKind = "commission"
	HistoryWallet     HistoryKind = "wallet"
)

// HistoryEntry is one row of the unified commission/wallet history.
type HistoryEntry struct {
	Kind        HistoryKind
	ID          EntryID
	Type        string
	Amount      decimal.Decimal
	Description string
	CreatedAt   time.Time

	// Commission rows
	TransactionID   TransactionID
	SourceAccountID AccountID
	Level           int
	Archived        bool

	// Wallet rows
	WithdrawalID *WithdrawalID
}

/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the boundary between the settlement logic and the database.
  Reads happen through Store; every write that touches a balance or a
  ledger row happens through a Tx handed out by TxStore.WithTx, so the
  balance change and its audit row commit or roll back together.

KEY INTERFACES:
  AccountReader:  Account lookups (the upline walk only needs this)
  Store:          Reads plus creation of accounts and transactions
  Tx:             The view of the store inside one atomic unit
  TxStore:        Store + WithTx
  SettingsStore:  Persisted settings row

LOCKING CONTRACT:
  - LockAccount / LockWithdrawal hold the row until the unit ends
  - Units touching several accounts lock them in ascending ID order
  - LatchCommissions is a compare-and-set; it returns false when another
    unit already latched the transaction

IMPLEMENTATIONS:
  - settlement/store/memory.go: In-memory, store-wide mutex per unit
  - store/sqlite/sqlite.go: SQLite, single writer connection
  - store/postgres/postgres.go: PostgreSQL, SELECT ... FOR UPDATE

SEE ALSO:
  - ledger.go: the only caller of Tx.AdjustBalance
*/
package settlement

import (
	"context"
	"time"
)

// =============================================================================
// READ INTERFACES
// =============================================================================

// AccountReader resolves accounts by ID. Returns ErrNotFound for unknown IDs.
type AccountReader interface {
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
}

// DownlineReader adds the reverse edge of the referral tree.
type DownlineReader interface {
	AccountReader

	// ListReferrals returns accounts whose upline is uplineID, ordered by ID.
	ListReferrals(ctx context.Context, uplineID AccountID) ([]Account, error)
}

// Store handles persistence of accounts, transactions and the ledger.
type Store interface {
	DownlineReader

	CreateAccount(ctx context.Context, account Account) error
	CreateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// ListUndistributed returns PAID transactions whose latch is unset,
	// oldest payment first.
	ListUndistributed(ctx context.Context, limit int) ([]Transaction, error)

	GetWithdrawal(ctx context.Context, id WithdrawalID) (*WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]WithdrawalRequest, error)

	// CommissionsFor returns entries credited to the beneficiary.
	CommissionsFor(ctx context.Context, beneficiaryID AccountID) ([]CommissionLogEntry, error)

	// CommissionsForTransaction returns the entries a transaction produced, by level.
	CommissionsForTransaction(ctx context.Context, txID TransactionID) ([]CommissionLogEntry, error)

	WalletLogs(ctx context.Context, accountID AccountID) ([]WalletLogEntry, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx is the store as seen from inside one atomic unit. Nothing inside a unit
// may read through the outer Store.
type Tx interface {
	AccountReader

	// LockAccount reads the account and holds it until the unit ends.
	LockAccount(ctx context.Context, id AccountID) (*Account, error)

	// AdjustBalance adds delta to the balance and earned to lifetime
	// earnings. Only the Ledger calls this.
	AdjustBalance(ctx context.Context, id AccountID, delta, earned Points) error

	AppendCommission(ctx context.Context, entry CommissionLogEntry) error
	AppendWallet(ctx context.Context, entry WalletLogEntry) error
	SetCommissionArchived(ctx context.Context, id EntryID, archived bool) error

	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// MarkPaid moves a PENDING transaction to PAID. False if it was not PENDING.
	MarkPaid(ctx context.Context, id TransactionID, at time.Time) (bool, error)

	// LatchCommissions sets CommissionsDistributed on a PAID transaction
	// whose latch is unset. False if nothing was latched.
	LatchCommissions(ctx context.Context, id TransactionID) (bool, error)

	InsertWithdrawal(ctx context.Context, req WithdrawalRequest) error
	LockWithdrawal(ctx context.Context, id WithdrawalID) (*WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, req WithdrawalRequest) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// SettingsStore persists the admin-editable settings row.
// Settings returns ErrNotFound when nothing was saved yet.
type SettingsStore interface {
	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// Package store provides the in-memory settlement store used by tests and
// the development server.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements settlement.TxStore and settlement.SettingsStore.
// A unit holds the store-wide write lock from start to commit, which
// serializes every balance mutation.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	accounts     map[settlement.AccountID]settlement.Account
	transactions map[settlement.TransactionID]settlement.Transaction
	withdrawals  map[settlement.WithdrawalID]settlement.WithdrawalRequest
	commissions  []settlement.CommissionLogEntry
	wallet       []settlement.WalletLogEntry
	levels       map[levelKey]bool
	settings     *settlement.Settings
}

type levelKey struct {
	TransactionID settlement.TransactionID
	Level         int
}

var (
	_ settlement.TxStore       = (*Memory)(nil)
	_ settlement.SettingsStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{state: state{
		accounts:     make(map[settlement.AccountID]settlement.Account),
		transactions: make(map[settlement.TransactionID]settlement.Transaction),
		withdrawals:  make(map[settlement.WithdrawalID]settlement.WithdrawalRequest),
		levels:       make(map[levelKey]bool),
	}}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id settlement.AccountID) (*settlement.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account(id)
}

func (m *Memory) ListReferrals(_ context.Context, uplineID settlement.AccountID) ([]settlement.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []settlement.Account
	for _, a := range m.accounts {
		if up, ok := a.Upline(); ok && up == uplineID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetTransaction(_ context.Context, id settlement.TransactionID) (*settlement.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transaction(id)
}

func (m *Memory) ListUndistributed(_ context.Context, limit int) ([]settlement.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []settlement.Transaction
	for _, t := range m.transactions {
		if t.Status == settlement.TransactionPaid && !t.CommissionsDistributed {
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return paidAt(out[i]).Before(paidAt(out[j])) ||
			(paidAt(out[i]).Equal(paidAt(out[j])) && out[i].ID < out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func paidAt(t settlement.Transaction) time.Time {
	if t.PaidAt == nil {
		return time.Time{}
	}
	return *t.PaidAt
}

func (m *Memory) GetWithdrawal(_ context.Context, id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.withdrawal(id)
}

func (m *Memory) ListWithdrawals(_ context.Context, f settlement.WithdrawalFilter) ([]settlement.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []settlement.WithdrawalRequest
	for _, w := range m.withdrawals {
		if f.AccountID != nil && w.AccountID != *f.AccountID {
			continue
		}
		if f.Status != nil && w.Status != *f.Status {
			continue
		}
		if w.Archived && !f.IncludeArchived {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

func (m *Memory) CommissionsFor(_ context.Context, beneficiaryID settlement.AccountID) ([]settlement.CommissionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []settlement.CommissionLogEntry
	for _, c := range m.commissions {
		if c.BeneficiaryID == beneficiaryID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) CommissionsForTransaction(_ context.Context, txID settlement.TransactionID) ([]settlement.CommissionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []settlement.CommissionLogEntry
	for _, c := range m.commissions {
		if c.TransactionID == txID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *Memory) WalletLogs(_ context.Context, accountID settlement.AccountID) ([]settlement.WalletLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []settlement.WalletLogEntry
	for _, w := range m.wallet {
		if w.AccountID == accountID {
			out = append(out, w)
		}
	}
	return out, nil
}

// =============================================================================
// CREATION
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a settlement.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[a.ID]; exists {
		return settlement.ErrDuplicate
	}
	if up, ok := a.Upline(); ok {
		if _, exists := m.accounts[up]; !exists {
			return settlement.ErrNotFound
		}
	}
	a.Balance = decimal.Zero
	a.LifetimeEarnings = decimal.Zero
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) CreateTransaction(_ context.Context, t settlement.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transactions[t.ID]; exists {
		return settlement.ErrDuplicate
	}
	m.transactions[t.ID] = copyTransaction(t)
	return nil
}

// PutAccount stores an account as-is, bypassing upline checks. Tests use it
// to build malformed graphs.
func (m *Memory) PutAccount(a settlement.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
}

// =============================================================================
// SETTINGS
// =============================================================================

func (m *Memory) Settings(_ context.Context) (settlement.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.settings == nil {
		return settlement.Settings{}, settlement.ErrNotFound
	}
	return m.settings.Clone(), nil
}

func (m *Memory) SaveSettings(_ context.Context, s settlement.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.Clone()
	m.settings = &c
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn under the write lock. Writes go straight to the maps;
// an error restores the snapshot taken at the start.
func (m *Memory) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) snapshot() state {
	s := state{
		accounts:     make(map[settlement.AccountID]settlement.Account, len(m.accounts)),
		transactions: make(map[settlement.TransactionID]settlement.Transaction, len(m.transactions)),
		withdrawals:  make(map[settlement.WithdrawalID]settlement.WithdrawalRequest, len(m.withdrawals)),
		commissions:  append([]settlement.CommissionLogEntry(nil), m.commissions...),
		wallet:       append([]settlement.WalletLogEntry(nil), m.wallet...),
		levels:       make(map[levelKey]bool, len(m.levels)),
		settings:     m.settings,
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.withdrawals {
		s.withdrawals[k] = v
	}
	for k, v := range m.levels {
		s.levels[k] = v
	}
	return s
}

// lock-free helpers; callers hold m.mu

func (m *Memory) account(id settlement.AccountID) (*settlement.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return &a, nil
}

func (m *Memory) transaction(id settlement.TransactionID) (*settlement.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	c := copyTransaction(t)
	return &c, nil
}

func (m *Memory) withdrawal(id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	return &w, nil
}

func copyTransaction(t settlement.Transaction) settlement.Transaction {
	t.Items = append([]settlement.LineItem(nil), t.Items...)
	return t
}

// =============================================================================
// TX VIEW
// =============================================================================

type txView struct {
	m *Memory
}

func (tv *txView) GetAccount(_ context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return tv.m.account(id)
}

func (tv *txView) LockAccount(_ context.Context, id settlement.AccountID) (*settlement.Account, error) {
	return tv.m.account(id)
}

func (tv *txView) AdjustBalance(_ context.Context, id settlement.AccountID, delta, earned settlement.Points) error {
	a, ok := tv.m.accounts[id]
	if !ok {
		return settlement.ErrNotFound
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return &settlement.InsufficientBalanceError{AccountID: id, Available: a.Balance, Requested: delta.Neg()}
	}
	a.Balance = next
	a.LifetimeEarnings = a.LifetimeEarnings.Add(earned)
	tv.m.accounts[id] = a
	return nil
}

func (tv *txView) AppendCommission(_ context.Context, e settlement.CommissionLogEntry) error {
	k := levelKey{TransactionID: e.TransactionID, Level: e.Level}
	if tv.m.levels[k] {
		return settlement.ErrDuplicate
	}
	tv.m.levels[k] = true
	tv.m.commissions = append(tv.m.commissions, e)
	return nil
}

func (tv *txView) AppendWallet(_ context.Context, e settlement.WalletLogEntry) error {
	tv.m.wallet = append(tv.m.wallet, e)
	return nil
}

func (tv *txView) SetCommissionArchived(_ context.Context, id settlement.EntryID, archived bool) error {
	for i := range tv.m.commissions {
		if tv.m.commissions[i].ID == id {
			tv.m.commissions[i].Archived = archived
			return nil
		}
	}
	return settlement.ErrNotFound
}

func (tv *txView) GetTransaction(_ context.Context, id settlement.TransactionID) (*settlement.Transaction, error) {
	return tv.m.transaction(id)
}

func (tv *txView) MarkPaid(_ context.Context, id settlement.TransactionID, at time.Time) (bool, error) {
	t, ok := tv.m.transactions[id]
	if !ok || t.Status != settlement.TransactionPending {
		return false, nil
	}
	t.Status = settlement.TransactionPaid
	t.PaidAt = &at
	tv.m.transactions[id] = t
	return true, nil
}

func (tv *txView) LatchCommissions(_ context.Context, id settlement.TransactionID) (bool, error) {
	t, ok := tv.m.transactions[id]
	if !ok || t.Status != settlement.TransactionPaid || t.CommissionsDistributed {
		return false, nil
	}
	t.CommissionsDistributed = true
	tv.m.transactions[id] = t
	return true, nil
}

func (tv *txView) InsertWithdrawal(_ context.Context, w settlement.WithdrawalRequest) error {
	if _, exists := tv.m.withdrawals[w.ID]; exists {
		return settlement.ErrDuplicate
	}
	tv.m.withdrawals[w.ID] = w
	return nil
}

func (tv *txView) LockWithdrawal(_ context.Context, id settlement.WithdrawalID) (*settlement.WithdrawalRequest, error) {
	return tv.m.withdrawal(id)
}

func (tv *txView) UpdateWithdrawal(_ context.Context, w settlement.WithdrawalRequest) error {
	if _, exists := tv.m.withdrawals[w.ID]; !exists {
		return settlement.ErrNotFound
	}
	tv.m.withdrawals[w.ID] = w
	return nil
}

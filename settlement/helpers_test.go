package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// stepClock returns a clock that advances one second per call, so history
// ordering never depends on ties.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func plan(levels int, rate int64, percentages ...int) settlement.Settings {
	return settlement.Settings{
		CommissionLevels: levels,
		LevelPercentages: percentages,
		PointRate:        decimal.NewFromInt(rate),
	}
}

func static(s settlement.Settings) settlement.SettingsProvider {
	return settlement.SettingsFunc(func(context.Context) (settlement.Settings, error) { return s, nil })
}

func newTestEngine(t *testing.T, s settlement.Settings) (*settlement.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return settlement.NewEngine(mem, static(s), settlement.Options{Clock: stepClock()}), mem
}

func pts(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func idPtr(id settlement.AccountID) *settlement.AccountID { return &id }

// chain creates accounts where each one refers the next: chain("B","U1","U2")
// makes U2 the root, U1 under U2, B under U1.
func chain(t *testing.T, e *settlement.Engine, ids ...settlement.AccountID) {
	t.Helper()
	ctx := context.Background()
	var upline *settlement.AccountID
	for i := len(ids) - 1; i >= 0; i-- {
		_, err := e.CreateAccount(ctx, ids[i], upline, string(ids[i]))
		require.NoError(t, err)
		upline = idPtr(ids[i])
	}
}

// paidPurchase records a purchase by buyer and confirms it without
// distributing, the way a payment webhook leaves it.
func paidPurchase(t *testing.T, e *settlement.Engine, mem *store.Memory, id settlement.TransactionID, buyer settlement.AccountID, total string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.RecordTransaction(ctx, settlement.Transaction{
		ID:          id,
		BuyerID:     idPtr(buyer),
		TotalAmount: pts(total),
	})
	require.NoError(t, err)
	markPaid(t, mem, id)
}

func markPaid(t *testing.T, mem *store.Memory, id settlement.TransactionID) {
	t.Helper()
	err := mem.WithTx(context.Background(), func(tx settlement.Tx) error {
		_, err := tx.MarkPaid(context.Background(), id, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
}

func fund(t *testing.T, e *settlement.Engine, id settlement.AccountID, points string) {
	t.Helper()
	_, err := e.AdminCredit(context.Background(), id, pts(points), "opening balance")
	require.NoError(t, err)
}

func balanceOf(t *testing.T, e *settlement.Engine, id settlement.AccountID) decimal.Decimal {
	t.Helper()
	acct, err := e.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

// replay sums every ledger row of an account.
func replay(t *testing.T, mem *store.Memory, id settlement.AccountID) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	sum := decimal.Zero
	commissions, err := mem.CommissionsFor(ctx, id)
	require.NoError(t, err)
	for _, c := range commissions {
		sum = sum.Add(c.Amount)
	}
	wallet, err := mem.WalletLogs(ctx, id)
	require.NoError(t, err)
	for _, w := range wallet {
		sum = sum.Add(w.Amount)
	}
	return sum
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, pts(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

func TestCommissionHistory_UnifiedNewestFirst(t *testing.T) {
	// GIVEN: U1 earned a commission, then requested and cancelled a withdrawal
	// WHEN: Reading U1's history
	// THEN: Cancel refund, withdrawal, commission, newest first

	e, mem := newTestEngine(t, plan(2, 1000, 20, 5))
	ctx := context.Background()
	chain(t, e, "B", "U1")
	paidPurchase(t, e, mem, "tx-1", "B", "100000")
	_, err := e.OnTransactionPaid(ctx, "tx-1")
	require.NoError(t, err)

	req, err := e.RequestWithdrawal(ctx, "U1", pts("5000"), "BCA")
	require.NoError(t, err)
	_, err = e.CancelWithdrawal(ctx, req.ID, "U1")
	require.NoError(t, err)

	history, err := e.GetCommissionHistory(ctx, "U1", false)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, string(settlement.WalletRefund), history[0].Type)
	assert.Equal(t, string(settlement.WalletWithdrawal), history[1].Type)
	assert.Equal(t, settlement.HistoryCommission, history[2].Kind)
	assert.Equal(t, settlement.TransactionID("tx-1"), history[2].TransactionID)
	assert.Equal(t, 1, history[2].Level)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.After(history[i-1].CreatedAt))
	}
}

func TestCommissionHistory_ArchivedHiddenByDefault(t *testing.T) {
	e, mem := newTestEngine(t, plan(1, 1000, 10))
	ctx := context.Background()
	chain(t, e, "B", "U1")
	paidPurchase(t, e, mem, "tx-1", "B", "1000")
	entries, err := e.OnTransactionPaid(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, e.ArchiveCommission(ctx, entries[0].ID, true))

	visible, err := e.GetCommissionHistory(ctx, "U1", false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := e.GetCommissionHistory(ctx, "U1", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Archived)

	assertDecimal(t, "100", balanceOf(t, e, "U1"), "archiving never touches balances")
}

func TestArchiveCommission_Unknown(t *testing.T) {
	e, _ := newTestEngine(t, plan(1, 1000, 10))

	err := e.ArchiveCommission(context.Background(), "nope", true)
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestCommissionHistory_UnknownAccount(t *testing.T) {
	e, _ := newTestEngine(t, plan(1, 1000, 10))

	_, err := e.GetCommissionHistory(context.Background(), "ghost", false)
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

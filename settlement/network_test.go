package settlement_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

func account(id string, upline string) settlement.Account {
	a := settlement.Account{ID: settlement.AccountID(id), Name: id}
	if upline != "" {
		a.UplineID = idPtr(settlement.AccountID(upline))
	}
	return a
}

func ids(members []settlement.UplineMember) []settlement.AccountID {
	var out []settlement.AccountID
	for _, m := range members {
		out = append(out, m.Account.ID)
	}
	return out
}

// =============================================================================
// UPLINE
// =============================================================================

func TestUpline_BoundedByMaxLevels(t *testing.T) {
	mem := store.NewMemory()
	for _, a := range []settlement.Account{
		account("A", "B"), account("B", "C"), account("C", "D"), account("D", "E"), account("E", ""),
	} {
		mem.PutAccount(a)
	}
	r := &settlement.NetworkResolver{}
	ctx := context.Background()

	tests := []struct {
		name   string
		levels int
		want   []settlement.AccountID
	}{
		{"zero levels", 0, nil},
		{"negative levels", -3, nil},
		{"one level", 1, []settlement.AccountID{"B"}},
		{"three levels", 3, []settlement.AccountID{"B", "C", "D"}},
		{"past the root", 10, []settlement.AccountID{"B", "C", "D", "E"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveUpline(ctx, mem, "A", tt.levels)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
			for i, m := range got {
				assert.Equal(t, i+1, m.Level)
			}
		})
	}
}

type countingReader struct {
	settlement.AccountReader
	lookups int
}

func (c *countingReader) GetAccount(ctx context.Context, id settlement.AccountID) (*settlement.Account, error) {
	c.lookups++
	return c.AccountReader.GetAccount(ctx, id)
}

func TestUpline_MaxHopsCapsLookups(t *testing.T) {
	// GIVEN: A seven-deep chain A -> B -> ... -> G
	// WHEN: Walking three levels with MaxHops set below, at and above it
	// THEN: The walk stops once its lookups are spent, never reading more

	mem := store.NewMemory()
	for _, a := range []settlement.Account{
		account("A", "B"), account("B", "C"), account("C", "D"), account("D", "E"),
		account("E", "F"), account("F", "G"), account("G", ""),
	} {
		mem.PutAccount(a)
	}
	ctx := context.Background()

	tests := []struct {
		maxHops int
		want    []settlement.AccountID
	}{
		{1, []settlement.AccountID{"B"}},
		{2, []settlement.AccountID{"B", "C"}},
		{3, []settlement.AccountID{"B", "C", "D"}},
		{0, []settlement.AccountID{"B", "C", "D"}},
		{50, []settlement.AccountID{"B", "C", "D"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("max hops %d", tt.maxHops), func(t *testing.T) {
			reader := &countingReader{AccountReader: mem}
			r := &settlement.NetworkResolver{MaxHops: tt.maxHops}

			got, err := r.ResolveUpline(ctx, reader, "A", 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
			// one read for the start account, one per upline member
			assert.Equal(t, 1+len(tt.want), reader.lookups)
		})
	}
}

func TestUpline_CycleTerminates(t *testing.T) {
	// GIVEN: A malformed graph A -> B -> C -> A
	// WHEN: Resolving 10 levels from A
	// THEN: B and C are yielded once and the walk stops without error

	mem := store.NewMemory()
	mem.PutAccount(account("A", "B"))
	mem.PutAccount(account("B", "C"))
	mem.PutAccount(account("C", "A"))

	got, err := (&settlement.NetworkResolver{}).ResolveUpline(context.Background(), mem, "A", 10)
	require.NoError(t, err)
	assert.Equal(t, []settlement.AccountID{"B", "C"}, ids(got))
}

func TestUpline_SelfReferenceYieldsNothing(t *testing.T) {
	mem := store.NewMemory()
	mem.PutAccount(account("A", "A"))

	got, err := (&settlement.NetworkResolver{}).ResolveUpline(context.Background(), mem, "A", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpline_DanglingReferenceStops(t *testing.T) {
	mem := store.NewMemory()
	mem.PutAccount(account("A", "B"))
	mem.PutAccount(account("B", "gone"))

	got, err := (&settlement.NetworkResolver{}).ResolveUpline(context.Background(), mem, "A", 5)
	require.NoError(t, err)
	assert.Equal(t, []settlement.AccountID{"B"}, ids(got))
}

func TestUpline_UnknownStartIsError(t *testing.T) {
	mem := store.NewMemory()

	_, err := (&settlement.NetworkResolver{}).ResolveUpline(context.Background(), mem, "nobody", 2)
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestUpline_LazyAndRestartable(t *testing.T) {
	// GIVEN: A 3-deep chain
	// WHEN: The sequence is consumed partially and then again fully
	// THEN: Early break stops reading; a second range starts over

	mem := store.NewMemory()
	mem.PutAccount(account("A", "B"))
	mem.PutAccount(account("B", "C"))
	mem.PutAccount(account("C", ""))
	seq := (&settlement.NetworkResolver{}).Upline(context.Background(), mem, "A", 3)

	var first []settlement.AccountID
	for m, err := range seq {
		require.NoError(t, err)
		first = append(first, m.Account.ID)
		break
	}
	assert.Equal(t, []settlement.AccountID{"B"}, first)

	var all []settlement.AccountID
	for m, err := range seq {
		require.NoError(t, err)
		all = append(all, m.Account.ID)
	}
	assert.Equal(t, []settlement.AccountID{"B", "C"}, all)
}

func TestUpline_CancelledContext(t *testing.T) {
	mem := store.NewMemory()
	mem.PutAccount(account("A", "B"))
	mem.PutAccount(account("B", ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&settlement.NetworkResolver{}).ResolveUpline(ctx, mem, "A", 2)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// DOWNLINE
// =============================================================================

func TestDownline_BreadthFirstWithDepth(t *testing.T) {
	//        root
	//       /    \
	//      a      b
	//     / \
	//    c   d
	mem := store.NewMemory()
	for _, a := range []settlement.Account{
		account("root", ""), account("a", "root"), account("b", "root"), account("c", "a"), account("d", "a"),
	} {
		mem.PutAccount(a)
	}
	r := &settlement.NetworkResolver{}
	ctx := context.Background()

	all, err := r.Downline(ctx, mem, "root", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, settlement.AccountID("a"), all[0].Account.ID)
	assert.Equal(t, 1, all[0].Depth)
	assert.Equal(t, settlement.AccountID("b"), all[1].Account.ID)
	assert.Equal(t, settlement.AccountID("c"), all[2].Account.ID)
	assert.Equal(t, 2, all[2].Depth)

	direct, err := r.Downline(ctx, mem, "root", 1)
	require.NoError(t, err)
	assert.Len(t, direct, 2)
}

func TestDownline_UnknownAccount(t *testing.T) {
	_, err := (&settlement.NetworkResolver{}).Downline(context.Background(), store.NewMemory(), "x", 0)
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestEngine_CreateAccountValidatesUpline(t *testing.T) {
	e, _ := newTestEngine(t, plan(2, 1000, 20, 5))
	ctx := context.Background()

	_, err := e.CreateAccount(ctx, "a", idPtr("missing"), "A")
	assert.ErrorIs(t, err, settlement.ErrNotFound)

	_, err = e.CreateAccount(ctx, "a", idPtr("a"), "A")
	assert.ErrorIs(t, err, settlement.ErrInvalidInput)

	_, err = e.CreateAccount(ctx, "a", nil, "A")
	require.NoError(t, err)
	_, err = e.CreateAccount(ctx, "a", nil, "A")
	assert.ErrorIs(t, err, settlement.ErrDuplicate)
}

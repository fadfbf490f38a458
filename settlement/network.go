/*
network.go - Referral tree traversal

PURPOSE:
  Resolves the upline chain used for commission distribution and the
  downline tree shown in the network view. Read-only over the account
  graph.

UPLINE WALK:
  Upline returns a lazy, finite, restartable sequence of (account, level)
  pairs for levels 1..maxLevels. It never yields the starting account and
  never yields an account twice. Three conditions end the walk early and
  are logged as anomalies instead of failing the caller:
    - cycle:     the next account was already visited
    - hop_limit: the walk used up its account lookups (MaxHops when set,
                 2*maxLevels otherwise)
    - dangling:  an upline reference points at an unknown account
  A reader error is yielded as the sequence's error and ends the walk.

SEE ALSO:
  - distributor.go: consumes the upline walk
*/
package settlement

import (
	"context"
	"errors"
	"iter"

	"github.com/warp/settlement-engine/logger"
)

// UplineMember is one beneficiary candidate in the upline chain.
type UplineMember struct {
	Account Account
	Level   int
}

// DownlineMember is one account in the downline tree. Depth 1 is a direct referral.
type DownlineMember struct {
	Account Account
	Depth   int
}

// NetworkResolver walks the referral tree.
type NetworkResolver struct {
	// MaxHops caps the account lookups of one upline walk. Zero means
	// 2*maxLevels, which the level bound and visited set always reach
	// first; a smaller value cuts deep walks short.
	MaxHops int
}

func (r *NetworkResolver) hopLimit(maxLevels int) int {
	if r != nil && r.MaxHops > 0 {
		return r.MaxHops
	}
	return max(2*maxLevels, 1)
}

// Upline yields the upline of accountID up to maxLevels levels.
func (r *NetworkResolver) Upline(ctx context.Context, reader AccountReader, accountID AccountID, maxLevels int) iter.Seq2[UplineMember, error] {
	return func(yield func(UplineMember, error) bool) {
		if maxLevels <= 0 {
			return
		}
		origin, err := reader.GetAccount(ctx, accountID)
		if err != nil {
			yield(UplineMember{}, err)
			return
		}
		next, ok := origin.Upline()
		if !ok {
			return
		}
		r.walk(ctx, reader, origin.ID, next, maxLevels, yield)
	}
}

// uplineFrom yields a chain whose level 1 is first itself. Guest purchases
// start here with the referrer.
func (r *NetworkResolver) uplineFrom(ctx context.Context, reader AccountReader, first AccountID, maxLevels int) iter.Seq2[UplineMember, error] {
	return func(yield func(UplineMember, error) bool) {
		if maxLevels <= 0 || first == "" {
			return
		}
		r.walk(ctx, reader, "", first, maxLevels, yield)
	}
}

func (r *NetworkResolver) walk(ctx context.Context, reader AccountReader, origin, next AccountID, maxLevels int, yield func(UplineMember, error) bool) {
	visited := make(map[AccountID]struct{}, maxLevels+1)
	if origin != "" {
		visited[origin] = struct{}{}
	}
	limit := r.hopLimit(maxLevels)

	for lookups, level := 0, 1; level <= maxLevels; lookups++ {
		if lookups >= limit {
			r.anomaly(ctx, "hop_limit", origin, next)
			return
		}
		if _, seen := visited[next]; seen {
			r.anomaly(ctx, "cycle", origin, next)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(UplineMember{}, err)
			return
		}

		acct, err := reader.GetAccount(ctx, next)
		if errors.Is(err, ErrNotFound) {
			r.anomaly(ctx, "dangling", origin, next)
			return
		}
		if err != nil {
			yield(UplineMember{}, err)
			return
		}
		visited[acct.ID] = struct{}{}

		if !yield(UplineMember{Account: *acct, Level: level}, nil) {
			return
		}
		level++

		up, ok := acct.Upline()
		if !ok {
			return
		}
		next = up
	}
}

func (r *NetworkResolver) anomaly(ctx context.Context, kind string, origin, at AccountID) {
	uplineAnomalies.WithLabelValues(kind).Inc()
	logger.FromContext(ctx).Warn().
		Str("kind", kind).
		Str("origin", string(origin)).
		Str("at", string(at)).
		Msg("upline walk stopped")
}

// ResolveUpline collects the upline into a slice.
func (r *NetworkResolver) ResolveUpline(ctx context.Context, reader AccountReader, accountID AccountID, maxLevels int) ([]UplineMember, error) {
	return collect(r.Upline(ctx, reader, accountID, maxLevels))
}

func collect(seq iter.Seq2[UplineMember, error]) ([]UplineMember, error) {
	var out []UplineMember
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Downline walks the tree below accountID breadth-first, up to maxDepth
// levels. maxDepth <= 0 means unbounded.
func (r *NetworkResolver) Downline(ctx context.Context, reader DownlineReader, accountID AccountID, maxDepth int) ([]DownlineMember, error) {
	if _, err := reader.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	type node struct {
		id    AccountID
		depth int
	}
	visited := map[AccountID]struct{}{accountID: {}}
	queue := []node{{id: accountID}}
	var out []DownlineMember

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if maxDepth > 0 && cur.depth >= maxDepth {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		children, err := reader.ListReferrals(ctx, cur.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				r.anomaly(ctx, "cycle", accountID, child.ID)
				continue
			}
			visited[child.ID] = struct{}{}
			out = append(out, DownlineMember{Account: child, Depth: cur.depth + 1})
			queue = append(queue, node{id: child.ID, depth: cur.depth + 1})
		}
	}
	return out, nil
}

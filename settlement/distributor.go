/*
distributor.go - Commission distribution for paid transactions

PURPOSE:
  Consumes a "transaction paid" event at most once. Inside one atomic
  unit it latches the transaction, walks the buyer's upline, and credits
  each beneficiary through the Ledger.

FLOW (single unit):
  1. Read the transaction; not PAID or already latched -> no-op
  2. Compare-and-set the latch; lost the race -> no-op
  3. Walk the upline for settings.CommissionLevels levels
  4. amount = TotalAmount * percentage / 100, truncated to PointScale
  5. Credit every non-zero amount and append its commission row

  Any failure rolls back the whole unit, the latch included, so a later
  retry (or the sweeper) starts from a clean state.

GUEST PURCHASES:
  The referrer whose link the guest used is level 1. A guest purchase
  without a referrer latches with no commissions.
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/logger"
)

// Distributor turns a paid transaction into commission credits.
type Distributor struct {
	store    TxStore
	ledger   *Ledger
	resolver *NetworkResolver
	now      func() time.Time
}

func NewDistributor(store TxStore, ledger *Ledger, resolver *NetworkResolver, now func() time.Time) *Distributor {
	if now == nil {
		now = defaultClock
	}
	if resolver == nil {
		resolver = &NetworkResolver{}
	}
	return &Distributor{store: store, ledger: ledger, resolver: resolver, now: now}
}

// Distribute credits the commissions of a paid transaction. It returns the
// entries written, or an empty slice when the transaction is not eligible.
func (d *Distributor) Distribute(ctx context.Context, txID TransactionID, settings Settings) ([]CommissionLogEntry, error) {
	var written []CommissionLogEntry
	err := d.store.WithTx(ctx, func(tx Tx) error {
		written = nil
		var err error
		written, err = d.distributeIn(ctx, tx, txID, settings)
		return err
	})
	if err != nil {
		return nil, err
	}
	if written == nil {
		written = []CommissionLogEntry{}
	}
	return written, nil
}

// distributeIn runs the distribution inside an existing unit.
func (d *Distributor) distributeIn(ctx context.Context, tx Tx, txID TransactionID, settings Settings) ([]CommissionLogEntry, error) {
	t, err := tx.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", txID, err)
	}
	if t.Status != TransactionPaid || t.CommissionsDistributed {
		return nil, nil
	}

	latched, err := tx.LatchCommissions(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("latch %s: %w", txID, err)
	}
	if !latched {
		return nil, nil
	}

	chain, err := collect(d.chainFor(ctx, tx, t, settings.CommissionLevels))
	if err != nil {
		return nil, upstream(fmt.Sprintf("resolve upline of %s", txID), err)
	}

	now := d.now()
	source := t.SourceAccount()
	var pending []CommissionLogEntry
	for _, m := range chain {
		pct := settings.PercentageFor(m.Level)
		amount := commissionAmount(t.TotalAmount, pct)
		if !amount.IsPositive() {
			continue
		}
		pending = append(pending, CommissionLogEntry{
			TransactionID:   t.ID,
			BeneficiaryID:   m.Account.ID,
			SourceAccountID: source,
			Level:           m.Level,
			Percentage:      pct,
			Amount:          amount,
			CreatedAt:       now,
		})
	}

	// Same lock order as every other multi-account unit.
	beneficiaries := make([]AccountID, 0, len(pending))
	for _, p := range pending {
		beneficiaries = append(beneficiaries, p.BeneficiaryID)
	}
	if err := lockInOrder(ctx, tx, beneficiaries...); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, upstream(fmt.Sprintf("lock beneficiaries of %s", txID), err)
		}
		return nil, err
	}

	written := make([]CommissionLogEntry, 0, len(pending))
	for _, p := range pending {
		entry, err := d.ledger.creditCommission(ctx, tx, p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, upstream(fmt.Sprintf("credit level %d of %s", p.Level, txID), err)
			}
			return nil, err
		}
		written = append(written, entry)
	}

	logger.FromContext(ctx).Info().
		Str("transaction_id", string(t.ID)).
		Str("source", string(source)).
		Int("levels", settings.CommissionLevels).
		Int("credited", len(written)).
		Msg("commissions distributed")
	return written, nil
}

func (d *Distributor) chainFor(ctx context.Context, reader AccountReader, t *Transaction, levels int) iter.Seq2[UplineMember, error] {
	switch {
	case t.BuyerID != nil:
		return d.resolver.Upline(ctx, reader, *t.BuyerID, levels)
	case t.GuestReferrerID != nil:
		return d.resolver.uplineFrom(ctx, reader, *t.GuestReferrerID, levels)
	}
	return func(func(UplineMember, error) bool) {}
}

// commissionAmount returns base * pct / 100 truncated to PointScale, so the
// levels of one transaction never add up to more than its total.
func commissionAmount(base decimal.Decimal, pct int) Points {
	if pct <= 0 {
		return decimal.Zero
	}
	return base.Mul(decimal.NewFromInt(int64(pct))).Div(hundred).Truncate(PointScale)
}

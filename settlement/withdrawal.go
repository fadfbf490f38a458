/*
withdrawal.go - Withdrawal request state machine

STATES:
  PENDING --approve--> APPROVED (proof may be edited again while APPROVED)
  PENDING --reject---> REJECTED  (refund, WITHDRAWAL_REFUND)
  PENDING --cancel---> CANCELLED (owner only, refund, REFUND)

LOCKING:
  Points are debited when the request is created. Approval moves no
  points; rejection and cancellation give back exactly the points stored
  on the request, whatever the current rate is.

All transitions lock the request row first, so a racing approve and
reject resolve to exactly one winner.
*/
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/settlement-engine/logger"
)

// WithdrawalService runs the withdrawal state machine.
type WithdrawalService struct {
	store  TxStore
	ledger *Ledger
	now    func() time.Time
}

func NewWithdrawalService(store TxStore, ledger *Ledger, now func() time.Time) *WithdrawalService {
	if now == nil {
		now = defaultClock
	}
	return &WithdrawalService{store: store, ledger: ledger, now: now}
}

// Request debits the points for amount at the snapshot rate and creates a
// PENDING request.
func (s *WithdrawalService) Request(ctx context.Context, accountID AccountID, amount Points, destination string, settings Settings) (*WithdrawalRequest, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(CurrencyScale)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places: %w", amount, CurrencyScale, ErrInvalidAmount)
	}
	rate := settings.PointRate
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: point rate %s", ErrInvalidSettings, rate)
	}
	// Rounded up so the points debited are always worth at least amount.
	points := amount.Div(rate).RoundCeil(PointScale)

	var created WithdrawalRequest
	err := s.store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if available := acct.Balance.Mul(rate); amount.GreaterThan(available) {
			return &InsufficientBalanceError{AccountID: accountID, Available: acct.Balance, Requested: points}
		}

		created = WithdrawalRequest{
			ID:          WithdrawalID(uuid.NewString()),
			AccountID:   accountID,
			Amount:      amount,
			Points:      points,
			PointRate:   rate,
			Destination: strings.TrimSpace(destination),
			Status:      WithdrawalPending,
			RequestedAt: s.now(),
		}
		if err := tx.InsertWithdrawal(ctx, created); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		_, err = s.ledger.post(ctx, tx, WalletLogEntry{
			AccountID:    accountID,
			Type:         WalletWithdrawal,
			Amount:       points.Neg(),
			Description:  fmt.Sprintf("Withdrawal of %s to %s", amount.StringFixed(CurrencyScale), created.Destination),
			WithdrawalID: &created.ID,
			CreatedAt:    created.RequestedAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	withdrawalTransitions.WithLabelValues(string(WithdrawalPending)).Inc()
	logger.FromContext(ctx).Info().
		Str("withdrawal_id", string(created.ID)).
		Str("account_id", string(accountID)).
		Str("amount", created.Amount.String()).
		Str("points", created.Points.String()).
		Msg("withdrawal requested")
	return &created, nil
}

// Approve marks the request APPROVED and records proof. An APPROVED request
// can be approved again to edit its proof; ProcessedAt keeps the first time.
func (s *WithdrawalService) Approve(ctx context.Context, id WithdrawalID, actor string, proof Proof) (*WithdrawalRequest, error) {
	var updated WithdrawalRequest
	first := false
	err := s.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != WithdrawalPending && req.Status != WithdrawalApproved {
			return &InvalidStateError{RequestID: id, Status: req.Status, Operation: "approve"}
		}
		first = req.Status == WithdrawalPending
		if first {
			now := s.now()
			req.ProcessedAt = &now
		}
		req.Status = WithdrawalApproved
		req.ProcessedBy = actor
		applyProof(req, proof)
		if err := tx.UpdateWithdrawal(ctx, *req); err != nil {
			return err
		}
		updated = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	if first {
		withdrawalTransitions.WithLabelValues(string(WithdrawalApproved)).Inc()
	}
	logger.FromContext(ctx).Info().
		Str("withdrawal_id", string(id)).
		Str("actor", actor).
		Bool("first_approval", first).
		Msg("withdrawal approved")
	return &updated, nil
}

// Reject refunds the stored points and marks the request REJECTED.
func (s *WithdrawalService) Reject(ctx context.Context, id WithdrawalID, actor, reason string, proof Proof) (*WithdrawalRequest, error) {
	updated, err := s.refund(ctx, id, "reject", func(req *WithdrawalRequest) (WalletLogEntry, error) {
		now := s.now()
		req.Status = WithdrawalRejected
		req.ProcessedAt = &now
		req.ProcessedBy = actor
		req.RejectionReason = reason
		applyProof(req, proof)
		return WalletLogEntry{
			Type:        WalletWithdrawalRefund,
			Description: fmt.Sprintf("Refund for rejected withdrawal: %s", reason),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info().
		Str("withdrawal_id", string(id)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("withdrawal rejected")
	return updated, nil
}

// Cancel lets the owner withdraw a PENDING request and get the points back.
func (s *WithdrawalService) Cancel(ctx context.Context, id WithdrawalID, requester AccountID) (*WithdrawalRequest, error) {
	updated, err := s.refund(ctx, id, "cancel", func(req *WithdrawalRequest) (WalletLogEntry, error) {
		if req.AccountID != requester {
			return WalletLogEntry{}, fmt.Errorf("withdrawal %s belongs to another account: %w", id, ErrForbidden)
		}
		now := s.now()
		req.Status = WithdrawalCancelled
		req.ProcessedAt = &now
		return WalletLogEntry{
			Type:        WalletRefund,
			Description: "Refund for cancelled withdrawal",
		}, nil
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info().
		Str("withdrawal_id", string(id)).
		Str("account_id", string(requester)).
		Msg("withdrawal cancelled")
	return updated, nil
}

// refund runs a PENDING -> terminal transition that gives back the stored
// points. mutate sets the new state and describes the refund row.
func (s *WithdrawalService) refund(ctx context.Context, id WithdrawalID, op string, mutate func(*WithdrawalRequest) (WalletLogEntry, error)) (*WithdrawalRequest, error) {
	var updated WithdrawalRequest
	err := s.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		status := req.Status
		entry, err := mutate(req)
		if err != nil {
			return err
		}
		if status != WithdrawalPending {
			return &InvalidStateError{RequestID: id, Status: status, Operation: op}
		}
		if err := tx.UpdateWithdrawal(ctx, *req); err != nil {
			return err
		}
		entry.AccountID = req.AccountID
		entry.Amount = req.Points
		entry.WithdrawalID = &req.ID
		if _, err := s.ledger.post(ctx, tx, entry); err != nil {
			return err
		}
		updated = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	withdrawalTransitions.WithLabelValues(string(updated.Status)).Inc()
	return &updated, nil
}

// Archive hides or shows a request in default listings. Any status.
func (s *WithdrawalService) Archive(ctx context.Context, id WithdrawalID, archived bool) (*WithdrawalRequest, error) {
	var updated WithdrawalRequest
	err := s.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		req.Archived = archived
		if err := tx.UpdateWithdrawal(ctx, *req); err != nil {
			return err
		}
		updated = *req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// List returns requests matching the filter, newest first.
func (s *WithdrawalService) List(ctx context.Context, filter WithdrawalFilter) ([]WithdrawalRequest, error) {
	return s.store.ListWithdrawals(ctx, filter)
}

func applyProof(req *WithdrawalRequest, proof Proof) {
	if proof.Image != "" {
		req.ProofImage = proof.Image
	}
	if proof.Link != "" {
		req.ProofLink = proof.Link
	}
}

/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes settlement.Engine via REST. Handles HTTP request/response, JSON
  serialization and access checks, and delegates everything else to the
  engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Create account (admin)
    GET    /api/accounts/{id}                  Account details
    GET    /api/accounts/{id}/balance          Points, currency value, lifetime
    GET    /api/accounts/{id}/history          Commission + wallet history
    GET    /api/accounts/{id}/upline           Paid upline under current plan
    GET    /api/accounts/{id}/downline         Referral tree (?depth=N)
    POST   /api/accounts/{id}/withdrawals      Request withdrawal (owner)
    GET    /api/accounts/{id}/withdrawals      Account withdrawals

  Transactions:
    POST   /api/transactions                   Record pending order (admin)
    POST   /api/transactions/{id}/paid         Confirm payment + distribute (admin)
    GET    /api/transactions/{id}/commissions  What an order paid out (admin)

  Withdrawals:
    POST   /api/withdrawals/{id}/cancel        Cancel own pending request

  Admin:
    GET    /api/admin/withdrawals              Filter by status/account
    POST   /api/admin/withdrawals/{id}/approve
    POST   /api/admin/withdrawals/{id}/reject
    POST   /api/admin/withdrawals/{id}/archive
    POST   /api/admin/transfers                Move points between accounts
    POST   /api/admin/adjustments              Credit or debit points
    POST   /api/admin/commissions/{id}/archive
    GET    /api/admin/settings
    PUT    /api/admin/settings
    POST   /api/admin/sweep                    Run the distribution sweeper now

ERROR HANDLING:
  Engine errors map to HTTP status in writeEngineError:
  - 400: invalid amount, invalid input, invalid settings, bad body
  - 403: forbidden
  - 404: not found
  - 409: invalid state, insufficient balance, duplicate
  - 503: upstream unavailable (retry later)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Actor resolution
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears a store for demo scenarios.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *settlement.Engine
	Settings settlement.SettingsStore
	Sweeper  *Sweeper
	Auth     *Authenticator

	// Reset is only set in development; scenarios need it.
	Reset Resetter

	currentScenario string
}

// NewHandler creates a handler. settings must be the same provider the
// engine reads so admin edits take effect on the next operation.
func NewHandler(engine *settlement.Engine, settings settlement.SettingsStore, auth *Authenticator) *Handler {
	return &Handler{
		Engine:   engine,
		Settings: settings,
		Sweeper:  NewSweeper(engine),
		Auth:     auth,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// accountParam returns the {id} account when the actor may access it.
func accountParam(w http.ResponseWriter, r *http.Request) (settlement.AccountID, bool) {
	id := settlement.AccountID(chi.URLParam(r, "id"))
	actor, _ := ActorFrom(r.Context())
	if !actor.CanAccess(id) {
		writeError(w, http.StatusForbidden, "Not allowed to access this account", nil)
		return "", false
	}
	return id, true
}

// CreateAccount registers an account under an optional upline.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	var upline *settlement.AccountID
	if req.UplineID != nil {
		id := settlement.AccountID(*req.UplineID)
		upline = &id
	}
	acct, err := h.Engine.CreateAccount(r.Context(), settlement.AccountID(req.ID), upline, req.Name)
	if err != nil {
		writeEngineError(w, r, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(*acct))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	acct, err := h.Engine.GetAccount(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	b, err := h.Engine.GetBalance(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID:          string(b.AccountID),
		Points:             b.Points,
		CurrencyEquivalent: b.CurrencyEquivalent,
		LifetimeEarnings:   b.LifetimeEarnings,
		PointRate:          b.PointRate,
	})
}

// GetHistory returns commission and wallet rows, newest first.
// ?include_archived=true adds archived commission rows.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	entries, err := h.Engine.GetCommissionHistory(r.Context(), id, includeArchived)
	if err != nil {
		writeEngineError(w, r, "Failed to get history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

func (h *Handler) GetUpline(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	members, err := h.Engine.Upline(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, "Failed to resolve upline", err)
		return
	}
	out := make([]UplineMemberDTO, 0, len(members))
	for _, m := range members {
		out = append(out, UplineMemberDTO{Level: m.Level, Account: toAccountDTO(m.Account)})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDownline returns the referral tree. ?depth=N limits it; 0 or missing
// means the whole tree.
func (h *Handler) GetDownline(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	depth := 0
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "depth must be a non-negative integer", err)
			return
		}
		depth = n
	}
	members, err := h.Engine.Downline(r.Context(), id, depth)
	if err != nil {
		writeEngineError(w, r, "Failed to resolve downline", err)
		return
	}
	out := make([]DownlineMemberDTO, 0, len(members))
	for _, m := range members {
		out = append(out, DownlineMemberDTO{Depth: m.Depth, Account: toAccountDTO(m.Account)})
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req RecordTransactionRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	t := settlement.Transaction{
		ID:          settlement.TransactionID(req.ID),
		GuestName:   req.GuestName,
		TotalAmount: req.TotalAmount,
	}
	if req.BuyerID != nil {
		id := settlement.AccountID(*req.BuyerID)
		t.BuyerID = &id
	}
	if req.GuestReferrerID != nil {
		id := settlement.AccountID(*req.GuestReferrerID)
		t.GuestReferrerID = &id
	}
	for _, it := range req.Items {
		t.Items = append(t.Items, settlement.LineItem{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	recorded, err := h.Engine.RecordTransaction(r.Context(), t)
	if err != nil {
		writeEngineError(w, r, "Failed to record transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*recorded))
}

// ConfirmPayment is the payment webhook target. It is safe to deliver more
// than once.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := settlement.TransactionID(chi.URLParam(r, "id"))

	entries, err := h.Engine.ConfirmPayment(ctx, txID)
	if err != nil {
		writeEngineError(w, r, "Failed to confirm payment", err)
		return
	}
	tx, err := h.Engine.Store().GetTransaction(ctx, txID)
	if err != nil {
		writeEngineError(w, r, "Failed to load transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmPaymentResponse{
		Transaction: toTransactionDTO(*tx),
		Credited:    toCommissionDTOs(entries),
	})
}

func (h *Handler) GetTransactionCommissions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.CommissionsForTransaction(r.Context(), settlement.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, r, "Failed to list commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTOs(entries))
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// RequestWithdrawal lets a member withdraw from their own account.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := settlement.AccountID(chi.URLParam(r, "id"))
	actor, _ := ActorFrom(r.Context())
	if actor.AccountID != id {
		writeError(w, http.StatusForbidden, "Withdrawals can only be requested by the account owner", nil)
		return
	}
	var req WithdrawalRequestBody
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	created, err := h.Engine.RequestWithdrawal(r.Context(), id, req.Amount, req.Destination)
	if err != nil {
		writeEngineError(w, r, "Failed to request withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*created))
}

func (h *Handler) ListAccountWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	list, err := h.Engine.ListWithdrawals(r.Context(), settlement.WithdrawalFilter{AccountID: &id, IncludeArchived: includeArchived})
	if err != nil {
		writeEngineError(w, r, "Failed to list withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(list))
}

func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	updated, err := h.Engine.CancelWithdrawal(r.Context(), settlement.WithdrawalID(chi.URLParam(r, "id")), actor.AccountID)
	if err != nil {
		writeEngineError(w, r, "Failed to cancel withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*updated))
}

// ListWithdrawals is the admin queue. Filters: ?status=, ?account_id=,
// ?include_archived=true.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter settlement.WithdrawalFilter
	if v := q.Get("status"); v != "" {
		status := settlement.WithdrawalStatus(v)
		switch status {
		case settlement.WithdrawalPending, settlement.WithdrawalApproved, settlement.WithdrawalRejected, settlement.WithdrawalCancelled:
		default:
			writeError(w, http.StatusBadRequest, "Unknown status", nil)
			return
		}
		filter.Status = &status
	}
	if v := q.Get("account_id"); v != "" {
		id := settlement.AccountID(v)
		filter.AccountID = &id
	}
	filter.IncludeArchived, _ = strconv.ParseBool(q.Get("include_archived"))

	list, err := h.Engine.ListWithdrawals(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, "Failed to list withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(list))
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ApproveWithdrawalRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	updated, err := h.Engine.ApproveWithdrawal(r.Context(), settlement.WithdrawalID(chi.URLParam(r, "id")),
		string(actor.AccountID), settlement.Proof{Image: req.ProofImage, Link: req.ProofLink})
	if err != nil {
		writeEngineError(w, r, "Failed to approve withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*updated))
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req RejectWithdrawalRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	updated, err := h.Engine.RejectWithdrawal(r.Context(), settlement.WithdrawalID(chi.URLParam(r, "id")),
		string(actor.AccountID), req.Reason, settlement.Proof{Image: req.ProofImage, Link: req.ProofLink})
	if err != nil {
		writeEngineError(w, r, "Failed to reject withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*updated))
}

func (h *Handler) ArchiveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	updated, err := h.Engine.ArchiveWithdrawal(r.Context(), settlement.WithdrawalID(chi.URLParam(r, "id")), req.Archived)
	if err != nil {
		writeEngineError(w, r, "Failed to archive withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*updated))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	out, in, err := h.Engine.AdminTransfer(r.Context(),
		settlement.AccountID(req.FromAccountID), settlement.AccountID(req.ToAccountID), req.Amount, req.Description)
	if err != nil {
		writeEngineError(w, r, "Failed to transfer points", err)
		return
	}
	writeJSON(w, http.StatusCreated, []WalletEntryDTO{toWalletDTO(out), toWalletDTO(in)})
}

// Adjust credits positive amounts and debits negative ones.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	var (
		entry settlement.WalletLogEntry
		err   error
	)
	id := settlement.AccountID(req.AccountID)
	switch {
	case req.Amount.IsPositive():
		entry, err = h.Engine.AdminCredit(r.Context(), id, req.Amount, req.Reason)
	case req.Amount.IsNegative():
		entry, err = h.Engine.AdminDebit(r.Context(), id, req.Amount.Neg(), req.Reason)
	default:
		err = settlement.ErrInvalidAmount
	}
	if err != nil {
		writeEngineError(w, r, "Failed to adjust balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(entry))
}

func (h *Handler) ArchiveCommission(w http.ResponseWriter, r *http.Request) {
	var req ArchiveRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := h.Engine.ArchiveCommission(r.Context(), settlement.EntryID(chi.URLParam(r, "id")), req.Archived); err != nil {
		writeEngineError(w, r, "Failed to archive commission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Snapshot(r.Context())
	if err != nil {
		writeEngineError(w, r, "Failed to read settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(s))
}

// UpdateSettings replaces the commission plan. Distributions already in
// flight keep the snapshot they started with.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsDTO
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	s := settlement.Settings{
		CommissionLevels: req.CommissionLevels,
		LevelPercentages: req.LevelPercentages,
		PointRate:        req.PointRate,
	}
	if err := s.Validate(); err != nil {
		writeEngineError(w, r, "Invalid settings", err)
		return
	}
	if err := h.Settings.SaveSettings(r.Context(), s); err != nil {
		writeEngineError(w, r, "Failed to save settings", err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	logger.FromContext(r.Context()).Info().
		Str("actor", string(actor.AccountID)).
		Int("commission_levels", s.CommissionLevels).
		Ints("level_percentages", s.LevelPercentages).
		Str("point_rate", s.PointRate.String()).
		Msg("settings updated")
	writeJSON(w, http.StatusOK, toSettingsDTO(s))
}

// RunSweep triggers one sweeper pass synchronously.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sweeper.RunNow(r.Context()))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	var fe fieldErrors
	if errors.As(err, &fe) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fe})
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrInvalidInput),
		errors.Is(err, settlement.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInvalidState),
		errors.Is(err, settlement.ErrInsufficientBalance),
		errors.Is(err, settlement.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg(message)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeError(w, status, message, err)
}

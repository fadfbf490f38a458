/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Points and currency amounts travel as decimal strings ("20000.0000").
  Request bodies accept strings or numbers.

VALIDATION:
  Struct tags are checked by go-playground/validator in decode (validate.go).
  Amount signs and settings rules are checked by the engine itself.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type CreateAccountRequest struct {
	ID       string  `json:"id" validate:"required,max=64"`
	UplineID *string `json:"upline_id,omitempty" validate:"omitempty,max=64"`
	Name     string  `json:"name" validate:"max=200"`
}

type AccountDTO struct {
	ID               string          `json:"id"`
	UplineID         *string         `json:"upline_id,omitempty"`
	Name             string          `json:"name"`
	Balance          decimal.Decimal `json:"balance"`
	LifetimeEarnings decimal.Decimal `json:"lifetime_earnings"`
	CreatedAt        string          `json:"created_at"`
}

func toAccountDTO(a settlement.Account) AccountDTO {
	dto := AccountDTO{
		ID:               string(a.ID),
		Name:             a.Name,
		Balance:          a.Balance,
		LifetimeEarnings: a.LifetimeEarnings,
		CreatedAt:        a.CreatedAt.Format(time.RFC3339),
	}
	if up, ok := a.Upline(); ok {
		s := string(up)
		dto.UplineID = &s
	}
	return dto
}

type BalanceDTO struct {
	AccountID          string          `json:"account_id"`
	Points             decimal.Decimal `json:"points"`
	CurrencyEquivalent decimal.Decimal `json:"currency_equivalent"`
	LifetimeEarnings   decimal.Decimal `json:"lifetime_earnings"`
	PointRate          decimal.Decimal `json:"point_rate"`
}

type UplineMemberDTO struct {
	Level   int        `json:"level"`
	Account AccountDTO `json:"account"`
}

type DownlineMemberDTO struct {
	Depth   int        `json:"depth"`
	Account AccountDTO `json:"account"`
}

// =============================================================================
// TRANSACTIONS & COMMISSIONS
// =============================================================================

type LineItemDTO struct {
	ProductID string          `json:"product_id" validate:"required"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity" validate:"gte=1"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type RecordTransactionRequest struct {
	ID              string          `json:"id" validate:"required,max=64"`
	BuyerID         *string         `json:"buyer_id,omitempty"`
	GuestReferrerID *string         `json:"guest_referrer_id,omitempty"`
	GuestName       string          `json:"guest_name,omitempty" validate:"max=200"`
	Items           []LineItemDTO   `json:"items,omitempty" validate:"dive"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

type TransactionDTO struct {
	ID                     string          `json:"id"`
	BuyerID                *string         `json:"buyer_id,omitempty"`
	GuestReferrerID        *string         `json:"guest_referrer_id,omitempty"`
	GuestName              string          `json:"guest_name,omitempty"`
	Items                  []LineItemDTO   `json:"items,omitempty"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
	Status                 string          `json:"status"`
	CommissionsDistributed bool            `json:"commissions_distributed"`
	PaidAt                 *string         `json:"paid_at,omitempty"`
	CreatedAt              string          `json:"created_at"`
}

func toTransactionDTO(t settlement.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:                     string(t.ID),
		BuyerID:                optionalID(t.BuyerID),
		GuestReferrerID:        optionalID(t.GuestReferrerID),
		GuestName:              t.GuestName,
		TotalAmount:            t.TotalAmount,
		Status:                 string(t.Status),
		CommissionsDistributed: t.CommissionsDistributed,
		PaidAt:                 optionalTime(t.PaidAt),
		CreatedAt:              t.CreatedAt.Format(time.RFC3339),
	}
	for _, it := range t.Items {
		dto.Items = append(dto.Items, LineItemDTO{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return dto
}

type CommissionDTO struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transaction_id"`
	BeneficiaryID   string          `json:"beneficiary_id"`
	SourceAccountID string          `json:"source_account_id"`
	Level           int             `json:"level"`
	Percentage      int             `json:"percentage"`
	Amount          decimal.Decimal `json:"amount"`
	Archived        bool            `json:"archived"`
	CreatedAt       string          `json:"created_at"`
}

func toCommissionDTOs(entries []settlement.CommissionLogEntry) []CommissionDTO {
	out := make([]CommissionDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, CommissionDTO{
			ID:              string(e.ID),
			TransactionID:   string(e.TransactionID),
			BeneficiaryID:   string(e.BeneficiaryID),
			SourceAccountID: string(e.SourceAccountID),
			Level:           e.Level,
			Percentage:      e.Percentage,
			Amount:          e.Amount,
			Archived:        e.Archived,
			CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

// ConfirmPaymentResponse reports the transaction after confirmation and
// what this call credited (empty when it was already distributed).
type ConfirmPaymentResponse struct {
	Transaction TransactionDTO  `json:"transaction"`
	Credited    []CommissionDTO `json:"credited"`
}

type HistoryEntryDTO struct {
	Kind          string          `json:"kind"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	CreatedAt     string          `json:"created_at"`
	TransactionID string          `json:"transaction_id,omitempty"`
	SourceAccount string          `json:"source_account_id,omitempty"`
	Level         int             `json:"level,omitempty"`
	Archived      bool            `json:"archived,omitempty"`
	WithdrawalID  *string         `json:"withdrawal_id,omitempty"`
}

func toHistoryDTOs(entries []settlement.HistoryEntry) []HistoryEntryDTO {
	out := make([]HistoryEntryDTO, 0, len(entries))
	for _, e := range entries {
		dto := HistoryEntryDTO{
			Kind:          string(e.Kind),
			ID:            string(e.ID),
			Type:          e.Type,
			Amount:        e.Amount,
			Description:   e.Description,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339),
			TransactionID: string(e.TransactionID),
			SourceAccount: string(e.SourceAccountID),
			Level:         e.Level,
			Archived:      e.Archived,
		}
		if e.WithdrawalID != nil {
			s := string(*e.WithdrawalID)
			dto.WithdrawalID = &s
		}
		out = append(out, dto)
	}
	return out
}

type ArchiveRequest struct {
	Archived bool `json:"archived"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalRequestBody struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination" validate:"required,max=200"`
}

type ApproveWithdrawalRequest struct {
	ProofImage string `json:"proof_image,omitempty" validate:"max=2048"`
	ProofLink  string `json:"proof_link,omitempty" validate:"omitempty,url,max=2048"`
}

type RejectWithdrawalRequest struct {
	Reason     string `json:"reason" validate:"required,max=500"`
	ProofImage string `json:"proof_image,omitempty" validate:"max=2048"`
	ProofLink  string `json:"proof_link,omitempty" validate:"omitempty,url,max=2048"`
}

type WithdrawalDTO struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Points          decimal.Decimal `json:"points"`
	PointRate       decimal.Decimal `json:"point_rate"`
	Destination     string          `json:"destination"`
	Status          string          `json:"status"`
	RequestedAt     string          `json:"requested_at"`
	ProcessedAt     *string         `json:"processed_at,omitempty"`
	ProcessedBy     string          `json:"processed_by,omitempty"`
	ProofImage      string          `json:"proof_image,omitempty"`
	ProofLink       string          `json:"proof_link,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Archived        bool            `json:"archived"`
}

func toWithdrawalDTO(w settlement.WithdrawalRequest) WithdrawalDTO {
	return WithdrawalDTO{
		ID:              string(w.ID),
		AccountID:       string(w.AccountID),
		Amount:          w.Amount,
		Points:          w.Points,
		PointRate:       w.PointRate,
		Destination:     w.Destination,
		Status:          string(w.Status),
		RequestedAt:     w.RequestedAt.Format(time.RFC3339),
		ProcessedAt:     optionalTime(w.ProcessedAt),
		ProcessedBy:     w.ProcessedBy,
		ProofImage:      w.ProofImage,
		ProofLink:       w.ProofLink,
		RejectionReason: w.RejectionReason,
		Archived:        w.Archived,
	}
}

func toWithdrawalDTOs(ws []settlement.WithdrawalRequest) []WithdrawalDTO {
	out := make([]WithdrawalDTO, 0, len(ws))
	for _, w := range ws {
		out = append(out, toWithdrawalDTO(w))
	}
	return out
}

// =============================================================================
// ADMIN
// =============================================================================

type TransferRequest struct {
	FromAccountID string          `json:"from_account_id" validate:"required"`
	ToAccountID   string          `json:"to_account_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description" validate:"max=500"`
}

// AdjustmentRequest credits a positive amount and debits a negative one.
type AdjustmentRequest struct {
	AccountID string          `json:"account_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason" validate:"required,max=500"`
}

type WalletEntryDTO struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	CounterpartyID *string         `json:"counterparty_id,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

func toWalletDTO(e settlement.WalletLogEntry) WalletEntryDTO {
	return WalletEntryDTO{
		ID:             string(e.ID),
		AccountID:      string(e.AccountID),
		Type:           string(e.Type),
		Amount:         e.Amount,
		Description:    e.Description,
		CounterpartyID: optionalID(e.CounterpartyID),
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

// SettingsDTO is the admin view of the commission plan.
type SettingsDTO struct {
	CommissionLevels int             `json:"commission_levels" validate:"gte=0,lte=20"`
	LevelPercentages []int           `json:"level_percentages" validate:"dive,gte=0,lte=100"`
	PointRate        decimal.Decimal `json:"point_rate"`
}

func toSettingsDTO(s settlement.Settings) SettingsDTO {
	pcts := s.LevelPercentages
	if pcts == nil {
		pcts = []int{}
	}
	return SettingsDTO{CommissionLevels: s.CommissionLevels, LevelPercentages: pcts, PointRate: s.PointRate}
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

func optionalID(id *settlement.AccountID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

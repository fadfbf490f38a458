package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

// timeLayout is fixed-width so TEXT ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString[T ~string](v *T) sql.NullString {
	if v == nil || *v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}

func ptr[T ~string](ns sql.NullString) *T {
	if !ns.Valid {
		return nil
	}
	v := T(ns.String)
	return &v
}

// =============================================================================
// ROW TYPES
// =============================================================================

type accountRow struct {
	ID               string          `db:"id"`
	UplineID         sql.NullString  `db:"upline_id"`
	Name             string          `db:"name"`
	Balance          decimal.Decimal `db:"balance"`
	LifetimeEarnings decimal.Decimal `db:"lifetime_earnings"`
	CreatedAt        string          `db:"created_at"`
}

func (r accountRow) toAccount() (*settlement.Account, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &settlement.Account{
		ID:               settlement.AccountID(r.ID),
		UplineID:         ptr[settlement.AccountID](r.UplineID),
		Name:             r.Name,
		Balance:          r.Balance,
		LifetimeEarnings: r.LifetimeEarnings,
		CreatedAt:        created,
	}, nil
}

type transactionRow struct {
	ID                     string          `db:"id"`
	BuyerID                sql.NullString  `db:"buyer_id"`
	GuestReferrerID        sql.NullString  `db:"guest_referrer_id"`
	GuestName              string          `db:"guest_name"`
	ItemsJSON              string          `db:"items_json"`
	TotalAmount            decimal.Decimal `db:"total_amount"`
	Status                 string          `db:"status"`
	CommissionsDistributed bool            `db:"commissions_distributed"`
	PaidAt                 sql.NullString  `db:"paid_at"`
	CreatedAt              string          `db:"created_at"`
}

type itemJSON struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func encodeItems(items []settlement.LineItem) (string, error) {
	out := make([]itemJSON, 0, len(items))
	for _, it := range items {
		out = append(out, itemJSON{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r transactionRow) toTransaction() (*settlement.Transaction, error) {
	var items []itemJSON
	if r.ItemsJSON != "" {
		if err := json.Unmarshal([]byte(r.ItemsJSON), &items); err != nil {
			return nil, fmt.Errorf("decode items of %s: %w", r.ID, err)
		}
	}
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	paid, err := parseNullTime(r.PaidAt)
	if err != nil {
		return nil, err
	}
	t := &settlement.Transaction{
		ID:                     settlement.TransactionID(r.ID),
		BuyerID:                ptr[settlement.AccountID](r.BuyerID),
		GuestReferrerID:        ptr[settlement.AccountID](r.GuestReferrerID),
		GuestName:              r.GuestName,
		TotalAmount:            r.TotalAmount,
		Status:                 settlement.TransactionStatus(r.Status),
		CommissionsDistributed: r.CommissionsDistributed,
		PaidAt:                 paid,
		CreatedAt:              created,
	}
	for _, it := range items {
		t.Items = append(t.Items, settlement.LineItem{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return t, nil
}

type commissionRow struct {
	ID              string          `db:"id"`
	TransactionID   string          `db:"transaction_id"`
	BeneficiaryID   string          `db:"beneficiary_id"`
	SourceAccountID string          `db:"source_account_id"`
	Level           int             `db:"level"`
	Percentage      int             `db:"percentage"`
	Amount          decimal.Decimal `db:"amount"`
	Archived        bool            `db:"archived"`
	CreatedAt       string          `db:"created_at"`
}

func (r commissionRow) toEntry() (settlement.CommissionLogEntry, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return settlement.CommissionLogEntry{}, err
	}
	return settlement.CommissionLogEntry{
		ID:              settlement.EntryID(r.ID),
		TransactionID:   settlement.TransactionID(r.TransactionID),
		BeneficiaryID:   settlement.AccountID(r.BeneficiaryID),
		SourceAccountID: settlement.AccountID(r.SourceAccountID),
		Level:           r.Level,
		Percentage:      r.Percentage,
		Amount:          r.Amount,
		Archived:        r.Archived,
		CreatedAt:       created,
	}, nil
}

type walletRow struct {
	ID             string          `db:"id"`
	AccountID      string          `db:"account_id"`
	Type           string          `db:"type"`
	Amount         decimal.Decimal `db:"amount"`
	Description    string          `db:"description"`
	WithdrawalID   sql.NullString  `db:"withdrawal_id"`
	CounterpartyID sql.NullString  `db:"counterparty_id"`
	CreatedAt      string          `db:"created_at"`
}

func (r walletRow) toEntry() (settlement.WalletLogEntry, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return settlement.WalletLogEntry{}, err
	}
	return settlement.WalletLogEntry{
		ID:             settlement.EntryID(r.ID),
		AccountID:      settlement.AccountID(r.AccountID),
		Type:           settlement.WalletLogType(r.Type),
		Amount:         r.Amount,
		Description:    r.Description,
		WithdrawalID:   ptr[settlement.WithdrawalID](r.WithdrawalID),
		CounterpartyID: ptr[settlement.AccountID](r.CounterpartyID),
		CreatedAt:      created,
	}, nil
}

type withdrawalRow struct {
	ID              string          `db:"id"`
	AccountID       string          `db:"account_id"`
	Amount          decimal.Decimal `db:"amount"`
	Points          decimal.Decimal `db:"points"`
	PointRate       decimal.Decimal `db:"point_rate"`
	Destination     string          `db:"destination"`
	Status          string          `db:"status"`
	RequestedAt     string          `db:"requested_at"`
	ProcessedAt     sql.NullString  `db:"processed_at"`
	ProcessedBy     string          `db:"processed_by"`
	ProofImage      string          `db:"proof_image"`
	ProofLink       string          `db:"proof_link"`
	RejectionReason string          `db:"rejection_reason"`
	Archived        bool            `db:"archived"`
}

func (r withdrawalRow) toRequest() (*settlement.WithdrawalRequest, error) {
	requested, err := parseTime(r.RequestedAt)
	if err != nil {
		return nil, err
	}
	processed, err := parseNullTime(r.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &settlement.WithdrawalRequest{
		ID:              settlement.WithdrawalID(r.ID),
		AccountID:       settlement.AccountID(r.AccountID),
		Amount:          r.Amount,
		Points:          r.Points,
		PointRate:       r.PointRate,
		Destination:     r.Destination,
		Status:          settlement.WithdrawalStatus(r.Status),
		RequestedAt:     requested,
		ProcessedAt:     processed,
		ProcessedBy:     r.ProcessedBy,
		ProofImage:      r.ProofImage,
		ProofLink:       r.ProofLink,
		RejectionReason: r.RejectionReason,
		Archived:        r.Archived,
	}, nil
}

func withdrawalArgs(w settlement.WithdrawalRequest) map[string]any {
	return map[string]any{
		"id":               string(w.ID),
		"account_id":       string(w.AccountID),
		"amount":           w.Amount.String(),
		"points":           w.Points.String(),
		"point_rate":       w.PointRate.String(),
		"destination":      w.Destination,
		"status":           string(w.Status),
		"requested_at":     formatTime(w.RequestedAt),
		"processed_at":     nullTime(w.ProcessedAt),
		"processed_by":     w.ProcessedBy,
		"proof_image":      w.ProofImage,
		"proof_link":       w.ProofLink,
		"rejection_reason": w.RejectionReason,
		"archived":         w.Archived,
	}
}

type settingsRow struct {
	CommissionLevels int             `db:"commission_levels"`
	LevelPercentages string          `db:"level_percentages"`
	PointRate        decimal.Decimal `db:"point_rate"`
}

package settlement

import (
	"context"
	"fmt"
	"sort"
)

// GetCommissionHistory merges commission credits and wallet movements of an
// account, newest first. Archived commission rows are left out unless
// includeArchived is set.
func (e *Engine) GetCommissionHistory(ctx context.Context, accountID AccountID, includeArchived bool) ([]HistoryEntry, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	commissions, err := e.store.CommissionsFor(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load commissions: %w", err)
	}
	wallet, err := e.store.WalletLogs(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load wallet logs: %w", err)
	}

	out := make([]HistoryEntry, 0, len(commissions)+len(wallet))
	for _, c := range commissions {
		if c.Archived && !includeArchived {
			continue
		}
		out = append(out, HistoryEntry{
			Kind:            HistoryCommission,
			ID:              c.ID,
			Type:            "COMMISSION",
			Amount:          c.Amount,
			Description:     fmt.Sprintf("Level %d commission (%d%%)", c.Level, c.Percentage),
			CreatedAt:       c.CreatedAt,
			TransactionID:   c.TransactionID,
			SourceAccountID: c.SourceAccountID,
			Level:           c.Level,
			Archived:        c.Archived,
		})
	}
	for _, w := range wallet {
		out = append(out, HistoryEntry{
			Kind:         HistoryWallet,
			ID:           w.ID,
			Type:         string(w.Type),
			Amount:       w.Amount,
			Description:  w.Description,
			CreatedAt:    w.CreatedAt,
			WithdrawalID: w.WithdrawalID,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:
  Populates the store with small referral networks that show specific
  settlement behavior, and hands back bearer tokens for every account so
  the API can be explored right away.

AVAILABLE SCENARIOS:
  two-level:       B -> U1 -> U2 -> U3 at 20% / 5%; one paid order
  withdrawals:     Member with 50 points; rejected, cancelled and pending requests
  guest-referral:  Guest order credited to the referrer's chain
  deep-network:    Seven-account chain on a five-level plan

HOW SCENARIOS WORK:
  1. Reset the store (settings survive)
  2. Save the scenario's commission plan
  3. Create accounts, orders, payments and withdrawals through the engine
  4. Sign a token per account plus one admin token

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "two-level"}

NOTE:
  Scenarios reset the database. The routes are only mounted outside
  production.

SEE ALSO:
  - server.go: RouterOptions.EnableScenarios
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

const scenarioTokenTTL = 24 * time.Hour

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	plan settlement.Settings
	load func(ctx context.Context, e *settlement.Engine) ([]settlement.AccountID, error)
}

func rate(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "two-level",
			Name:        "Two-Level Commission",
			Description: "B buys for 100,000 under U1 -> U2 -> U3; U1 earns 20,000, U2 earns 5,000, U3 nothing",
		},
		plan: settlement.Settings{CommissionLevels: 2, LevelPercentages: []int{20, 5}, PointRate: rate(1000)},
		load: loadTwoLevel,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "withdrawals",
			Name:        "Withdrawal Lifecycle",
			Description: "Member with 50 points: one rejected request, one cancelled, one pending",
		},
		plan: settlement.Settings{CommissionLevels: 2, LevelPercentages: []int{20, 5}, PointRate: rate(1000)},
		load: loadWithdrawals,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "guest-referral",
			Name:        "Guest Referral",
			Description: "A guest checks out through R's link; R is level 1, R's upline level 2",
		},
		plan: settlement.Settings{CommissionLevels: 2, LevelPercentages: []int{10, 5}, PointRate: rate(1000)},
		load: loadGuestReferral,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "deep-network",
			Name:        "Deep Network",
			Description: "N1 buys under a six-account upline on a 10/5/3/2/1 plan; N7 sits above the paid levels",
		},
		plan: settlement.Settings{CommissionLevels: 5, LevelPercentages: []int{10, 5, 3, 2, 1}, PointRate: rate(500)},
		load: loadDeepNetwork,
	},
}

// ScenarioLoadResponse is returned after loading a scenario.
type ScenarioLoadResponse struct {
	Scenario   ScenarioDTO       `json:"scenario"`
	AdminToken string            `json:"admin_token"`
	Tokens     map[string]string `json:"tokens"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s.ScenarioDTO)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	var chosen *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			chosen = &scenarios[i]
		}
	}
	if chosen == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}

	resp, err := h.loadScenario(r.Context(), *chosen)
	if err != nil {
		writeEngineError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) (*ScenarioLoadResponse, error) {
	if err := h.Reset.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	if err := h.Settings.SaveSettings(ctx, s.plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	accounts, err := s.load(ctx, h.Engine)
	if err != nil {
		return nil, err
	}
	h.currentScenario = s.ID

	resp := &ScenarioLoadResponse{Scenario: s.ScenarioDTO, Tokens: make(map[string]string, len(accounts))}
	if resp.AdminToken, err = h.Auth.Sign("admin", RoleAdmin, scenarioTokenTTL); err != nil {
		return nil, err
	}
	for _, id := range accounts {
		tok, err := h.Auth.Sign(id, RoleMember, scenarioTokenTTL)
		if err != nil {
			return nil, err
		}
		resp.Tokens[string(id)] = tok
	}
	return resp, nil
}

// =============================================================================
// LOADERS
// =============================================================================

// createChain creates ids top-down: ids[0] is the root, each next id is
// referred by the previous one.
func createChain(ctx context.Context, e *settlement.Engine, ids ...settlement.AccountID) error {
	var upline *settlement.AccountID
	for _, id := range ids {
		if _, err := e.CreateAccount(ctx, id, upline, string(id)); err != nil {
			return fmt.Errorf("create %s: %w", id, err)
		}
		id := id
		upline = &id
	}
	return nil
}

func purchase(ctx context.Context, e *settlement.Engine, t settlement.Transaction) error {
	if _, err := e.RecordTransaction(ctx, t); err != nil {
		return fmt.Errorf("record %s: %w", t.ID, err)
	}
	if _, err := e.ConfirmPayment(ctx, t.ID); err != nil {
		return fmt.Errorf("confirm %s: %w", t.ID, err)
	}
	return nil
}

func buyer(id settlement.AccountID) *settlement.AccountID { return &id }

func loadTwoLevel(ctx context.Context, e *settlement.Engine) ([]settlement.AccountID, error) {
	ids := []settlement.AccountID{"U3", "U2", "U1", "B"}
	if err := createChain(ctx, e, ids...); err != nil {
		return nil, err
	}
	err := purchase(ctx, e, settlement.Transaction{
		ID:      "order-1001",
		BuyerID: buyer("B"),
		Items: []settlement.LineItem{
			{ProductID: "serum-30ml", Name: "Vitamin C Serum", Quantity: 2, UnitPrice: decimal.NewFromInt(35000)},
			{ProductID: "toner-100ml", Name: "Hydrating Toner", Quantity: 1, UnitPrice: decimal.NewFromInt(30000)},
		},
	})
	return ids, err
}

func loadWithdrawals(ctx context.Context, e *settlement.Engine) ([]settlement.AccountID, error) {
	ids := []settlement.AccountID{"M"}
	if err := createChain(ctx, e, ids...); err != nil {
		return nil, err
	}
	if _, err := e.AdminCredit(ctx, "M", decimal.NewFromInt(50), "opening balance"); err != nil {
		return nil, err
	}

	rejected, err := e.RequestWithdrawal(ctx, "M", decimal.NewFromInt(30000), "BCA 0123456789")
	if err != nil {
		return nil, err
	}
	if _, err := e.RejectWithdrawal(ctx, rejected.ID, "admin", "bad details", settlement.Proof{}); err != nil {
		return nil, err
	}

	cancelled, err := e.RequestWithdrawal(ctx, "M", decimal.NewFromInt(10000), "BCA 0123456789")
	if err != nil {
		return nil, err
	}
	if _, err := e.CancelWithdrawal(ctx, cancelled.ID, "M"); err != nil {
		return nil, err
	}

	// Over the limit on purpose: must fail and leave the balance alone.
	if _, err := e.RequestWithdrawal(ctx, "M", decimal.NewFromInt(60000), "BCA 0123456789"); !errors.Is(err, settlement.ErrInsufficientBalance) {
		return nil, fmt.Errorf("expected insufficient balance, got %v", err)
	}

	if _, err := e.RequestWithdrawal(ctx, "M", decimal.NewFromInt(20000), "Mandiri 9876543210"); err != nil {
		return nil, err
	}
	return ids, nil
}

func loadGuestReferral(ctx context.Context, e *settlement.Engine) ([]settlement.AccountID, error) {
	ids := []settlement.AccountID{"R2", "R"}
	if err := createChain(ctx, e, ids...); err != nil {
		return nil, err
	}
	err := purchase(ctx, e, settlement.Transaction{
		ID:              "order-guest-1",
		GuestReferrerID: buyer("R"),
		GuestName:       "Walk-in customer",
		TotalAmount:     decimal.NewFromInt(250000),
	})
	return ids, err
}

func loadDeepNetwork(ctx context.Context, e *settlement.Engine) ([]settlement.AccountID, error) {
	ids := []settlement.AccountID{"N7", "N6", "N5", "N4", "N3", "N2", "N1"}
	if err := createChain(ctx, e, ids...); err != nil {
		return nil, err
	}
	for i, total := range []int64{80000, 120000} {
		err := purchase(ctx, e, settlement.Transaction{
			ID:          settlement.TransactionID(fmt.Sprintf("order-deep-%d", i+1)),
			BuyerID:     buyer("N1"),
			TotalAmount: decimal.NewFromInt(total),
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

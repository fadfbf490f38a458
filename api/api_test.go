/*
api_test.go - HTTP tests for the settlement API

Tests for:
- Bearer token checks (401 / 403)
- Account access: self or admin
- Order intake, payment confirmation and the commission latch
- Withdrawal request, cancel and reject over HTTP
- Settings read / update
- Sweeper pass over paid but undistributed orders
- Error to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

const testSecret = "test-secret"

type testServer struct {
	t       *testing.T
	router  *chi.Mux
	handler *Handler
	store   *sqlite.Store
	auth    *Authenticator
}

func testClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveSettings(context.Background(), settlement.Settings{
		CommissionLevels: 2,
		LevelPercentages: []int{20, 5},
		PointRate:        decimal.NewFromInt(1000),
	}))

	engine := settlement.NewEngine(store, store, settlement.Options{Clock: testClock()})
	auth := NewAuthenticator(testSecret)
	h := NewHandler(engine, store, auth)
	h.Reset = store

	return &testServer{
		t:       t,
		router:  NewRouter(h, RouterOptions{EnableScenarios: true}),
		handler: h,
		store:   store,
		auth:    auth,
	}
}

func (s *testServer) token(subject settlement.AccountID, role string) string {
	s.t.Helper()
	tok, err := s.auth.Sign(subject, role, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) admin() string { return s.token("admin", RoleAdmin) }

func (s *testServer) member(id settlement.AccountID) string { return s.token(id, RoleMember) }

// do sends body as JSON (nil for none) and returns the recorder.
func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// seedChain creates U2 <- U1 <- B through the API.
func (s *testServer) seedChain() {
	s.t.Helper()
	for _, body := range []map[string]any{
		{"id": "U2", "name": "Upline Two"},
		{"id": "U1", "name": "Upline One", "upline_id": "U2"},
		{"id": "B", "name": "Buyer", "upline_id": "U1"},
	} {
		rec := s.do(http.MethodPost, "/api/accounts", s.admin(), body)
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuth_TokenChecks(t *testing.T) {
	srv := newTestServer(t)
	srv.seedChain()

	other := NewAuthenticator("another-secret")
	forged, err := other.Sign("U1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	expired, err := srv.auth.Sign("U1", RoleMember, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/accounts/U1", "", http.StatusUnauthorized},
		{"wrong secret", http.MethodGet, "/api/accounts/U1", forged, http.StatusUnauthorized},
		{"expired", http.MethodGet, "/api/accounts/U1", expired, http.StatusUnauthorized},
		{"member reads self", http.MethodGet, "/api/accounts/U1", srv.member("U1"), http.StatusOK},
		{"member reads other", http.MethodGet, "/api/accounts/U2/balance", srv.member("U1"), http.StatusForbidden},
		{"admin reads any", http.MethodGet, "/api/accounts/U2/balance", srv.admin(), http.StatusOK},
		{"member on admin route", http.MethodGet, "/api/admin/withdrawals", srv.member("U1"), http.StatusForbidden},
		{"health is public", http.MethodGet, "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAuth_ParseRejectsUnknownRole(t *testing.T) {
	a := NewAuthenticator(testSecret)
	tok, err := a.Sign("U1", "owner", time.Hour)
	require.NoError(t, err)

	_, err = a.Parse(tok)
	assert.Error(t, err)
}

// =============================================================================
// ACCOUNTS & PAYMENTS
// =============================================================================

func TestCreateAccount_Errors(t *testing.T) {
	srv := newTestServer(t)
	srv.seedChain()

	rec := srv.do(http.MethodPost, "/api/accounts", srv.admin(), map[string]any{"id": "U1"})
	assert.Equal(t, http.StatusConflict, rec.Code, "duplicate id")

	rec = srv.do(http.MethodPost, "/api/accounts", srv.admin(), map[string]any{"id": "X", "upline_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown upline")

	rec = srv.do(http.MethodPost, "/api/accounts", srv.admin(), map[string]any{"name": "no id"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Contains(t, resp.Fields, "id")

	rec = srv.do(http.MethodPost, "/api/accounts", srv.admin(), map[string]any{"id": "Y", "colour": "red"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown field")

	rec = srv.do(http.MethodPost, "/api/accounts", srv.member("U1"), map[string]any{"id": "Z"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPaymentFlow_DistributesOnce(t *testing.T) {
	// GIVEN: B -> U1 -> U2 on a 20% / 5% plan and a 100000 order from B
	// WHEN: The payment webhook fires twice
	// THEN: U1 earns 20000, U2 earns 5000, and the replay credits nothing

	srv := newTestServer(t)
	srv.seedChain()

	rec := srv.do(http.MethodPost, "/api/transactions", srv.admin(), map[string]any{
		"id":       "order-1",
		"buyer_id": "B",
		"items": []map[string]any{
			{"product_id": "serum", "quantity": 2, "unit_price": "35000"},
			{"product_id": "toner", "quantity": 1, "unit_price": "30000"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[TransactionDTO](t, rec)
	assert.True(t, created.TotalAmount.Equal(d("100000")))
	assert.Equal(t, "PENDING", created.Status)

	rec = srv.do(http.MethodPost, "/api/transactions/order-1/paid", srv.admin(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[ConfirmPaymentResponse](t, rec)
	assert.Equal(t, "PAID", first.Transaction.Status)
	assert.True(t, first.Transaction.CommissionsDistributed)
	require.Len(t, first.Credited, 2)
	assert.Equal(t, "U1", first.Credited[0].BeneficiaryID)
	assert.True(t, first.Credited[0].Amount.Equal(d("20000")))
	assert.Equal(t, "U2", first.Credited[1].BeneficiaryID)
	assert.True(t, first.Credited[1].Amount.Equal(d("5000")))

	rec = srv.do(http.MethodPost, "/api/transactions/order-1/paid", srv.admin(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody[ConfirmPaymentResponse](t, rec)
	assert.Empty(t, replay.Credited)

	rec = srv.do(http.MethodGet, "/api/accounts/U1/balance", srv.member("U1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.True(t, bal.Points.Equal(d("20000")))
	assert.True(t, bal.LifetimeEarnings.Equal(d("20000")))
	assert.True(t, bal.CurrencyEquivalent.Equal(d("20000000")))

	rec = srv.do(http.MethodGet, "/api/transactions/order-1/commissions", srv.admin(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]CommissionDTO](t, rec), 2)

	rec = srv.do(http.MethodGet, "/api/accounts/U2/history", srv.member("U2"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]HistoryEntryDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "commission", history[0].Kind)
	assert.Equal(t, "B", history[0].SourceAccount)
}

func TestConfirmPayment_UnknownTransaction(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(http.MethodPost, "/api/transactions/nope/paid", srv.admin(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNetworkViews(t *testing.T) {
	srv := newTestServer(t)
	srv.seedChain()

	rec := srv.do(http.MethodGet, "/api/accounts/B/upline", srv.member("B"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	upline := decodeBody[[]UplineMemberDTO](t, rec)
	require.Len(t, upline, 2)
	assert.Equal(t, 1, upline[0].Level)
	assert.Equal(t, "U1", upline[0].Account.ID)

	rec = srv.do(http.MethodGet, "/api/accounts/U2/downline?depth=1", srv.member("U2"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	down := decodeBody[[]DownlineMemberDTO](t, rec)
	require.Len(t, down, 1)
	assert.Equal(t, "U1", down[0].Account.ID)

	rec = srv.do(http.MethodGet, "/api/accounts/U2/downline?depth=-1", srv.member("U2"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func TestWithdrawalFlow(t *testing.T) {
	// GIVEN: M holds 50 points at 1000 per point
	// WHEN: M requests, cancels, requests again and the admin rejects
	// THEN: Each refund restores the balance and terminal requests stay put

	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.handler.Engine.CreateAccount(ctx, "M", nil, "Member")
	require.NoError(t, err)
	_, err = srv.handler.Engine.CreateAccount(ctx, "X", nil, "Someone else")
	require.NoError(t, err)
	_, err = srv.handler.Engine.AdminCredit(ctx, "M", d("50"), "opening balance")
	require.NoError(t, err)

	body := map[string]any{"amount": "30000", "destination": "BCA 0123456789"}

	rec := srv.do(http.MethodPost, "/api/accounts/M/withdrawals", srv.admin(), body)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only the owner may request")

	rec = srv.do(http.MethodPost, "/api/accounts/M/withdrawals", srv.member("M"), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "PENDING", wd.Status)
	assert.True(t, wd.Points.Equal(d("30")))

	rec = srv.do(http.MethodPost, "/api/withdrawals/"+wd.ID+"/cancel", srv.member("X"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(http.MethodPost, "/api/withdrawals/"+wd.ID+"/cancel", srv.member("M"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody[WithdrawalDTO](t, rec).Status)

	rec = srv.do(http.MethodPost, "/api/accounts/M/withdrawals", srv.member("M"), map[string]any{"amount": "60000", "destination": "BCA"})
	assert.Equal(t, http.StatusConflict, rec.Code, "over the balance")

	rec = srv.do(http.MethodPost, "/api/accounts/M/withdrawals", srv.member("M"), map[string]any{"amount": "0", "destination": "BCA"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(http.MethodPost, "/api/accounts/M/withdrawals", srv.member("M"), body)
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodeBody[WithdrawalDTO](t, rec)

	rec = srv.do(http.MethodPost, "/api/admin/withdrawals/"+second.ID+"/reject", srv.admin(), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = srv.do(http.MethodPost, "/api/admin/withdrawals/"+second.ID+"/reject", srv.admin(), map[string]any{"reason": "bad account"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "REJECTED", rejected.Status)
	assert.Equal(t, "bad account", rejected.RejectionReason)

	rec = srv.do(http.MethodPost, "/api/admin/withdrawals/"+second.ID+"/approve", srv.admin(), map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code, "terminal request")

	rec = srv.do(http.MethodGet, "/api/accounts/M/balance", srv.member("M"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[BalanceDTO](t, rec).Points.Equal(d("50")))

	rec = srv.do(http.MethodGet, "/api/admin/withdrawals?status=REJECTED", srv.admin(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]WithdrawalDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	rec = srv.do(http.MethodGet, "/api/admin/withdrawals?status=LOST", srv.admin(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveWithdrawal_RecordsProof(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	_, err := srv.handler.Engine.CreateAccount(ctx, "M", nil, "Member")
	require.NoError(t, err)
	_, err = srv.handler.Engine.AdminCredit(ctx, "M", d("10"), "opening balance")
	require.NoError(t, err)
	wd, err := srv.handler.Engine.RequestWithdrawal(ctx, "M", d("5000"), "BCA")
	require.NoError(t, err)

	rec := srv.do(http.MethodPost, "/api/admin/withdrawals/"+string(wd.ID)+"/approve", srv.admin(),
		map[string]any{"proof_link": "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(http.MethodPost, "/api/admin/withdrawals/"+string(wd.ID)+"/approve", srv.admin(),
		map[string]any{"proof_link": "https://bank.example/receipt/1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeBody[WithdrawalDTO](t, rec)
	assert.Equal(t, "APPROVED", approved.Status)
	assert.Equal(t, "admin", approved.ProcessedBy)
	assert.Equal(t, "https://bank.example/receipt/1", approved.ProofLink)
	assert.NotNil(t, approved.ProcessedAt)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdjustAndTransfer(t *testing.T) {
	srv := newTestServer(t)
	srv.seedChain()

	rec := srv.do(http.MethodPost, "/api/admin/adjustments", srv.admin(), map[string]any{"account_id": "U1", "amount": "12.5", "reason": "bonus"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "ADMIN_TRANSFER_IN", decodeBody[WalletEntryDTO](t, rec).Type)

	rec = srv.do(http.MethodPost, "/api/admin/adjustments", srv.admin(), map[string]any{"account_id": "U1", "amount": "0", "reason": "noop"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(http.MethodPost, "/api/admin/adjustments", srv.admin(), map[string]any{"account_id": "U1", "amount": "-20", "reason": "too much"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(http.MethodPost, "/api/admin/transfers", srv.admin(), map[string]any{"from_account_id": "U1", "to_account_id": "U2", "amount": "2.5"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	legs := decodeBody[[]WalletEntryDTO](t, rec)
	require.Len(t, legs, 2)
	assert.Equal(t, "ADMIN_TRANSFER_OUT", legs[0].Type)
	assert.Equal(t, "ADMIN_TRANSFER_IN", legs[1].Type)

	rec = srv.do(http.MethodGet, "/api/accounts/U1/balance", srv.admin(), nil)
	assert.True(t, decodeBody[BalanceDTO](t, rec).Points.Equal(d("10")))
}

func TestSettings_ReadAndUpdate(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(http.MethodGet, "/api/admin/settings", srv.admin(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[SettingsDTO](t, rec)
	assert.Equal(t, []int{20, 5}, got.LevelPercentages)

	rec = srv.do(http.MethodPut, "/api/admin/settings", srv.admin(), map[string]any{
		"commission_levels": 2, "level_percentages": []int{80, 30}, "point_rate": "1000",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "percentages over 100")

	rec = srv.do(http.MethodPut, "/api/admin/settings", srv.admin(), map[string]any{
		"commission_levels": 3, "level_percentages": []int{10, 5, 2}, "point_rate": "500",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = srv.do(http.MethodGet, "/api/admin/settings", srv.admin(), nil)
	got = decodeBody[SettingsDTO](t, rec)
	assert.Equal(t, 3, got.CommissionLevels)
	assert.Equal(t, []int{10, 5, 2}, got.LevelPercentages)
	assert.True(t, got.PointRate.Equal(d("500")))
}

func TestSweeper_DistributesStrandedPayments(t *testing.T) {
	// GIVEN: An order marked PAID whose distribution never ran
	// WHEN: The sweeper runs
	// THEN: Commissions are credited once and a second pass finds nothing

	srv := newTestServer(t)
	srv.seedChain()
	ctx := context.Background()

	_, err := srv.handler.Engine.RecordTransaction(ctx, settlement.Transaction{
		ID:          "stranded",
		BuyerID:     buyer("B"),
		TotalAmount: d("40000"),
	})
	require.NoError(t, err)
	require.NoError(t, srv.store.WithTx(ctx, func(tx settlement.Tx) error {
		_, err := tx.MarkPaid(ctx, "stranded", time.Now().UTC())
		return err
	}))

	rec := srv.do(http.MethodPost, "/api/admin/sweep", srv.admin(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[SweepResult](t, rec)
	assert.Equal(t, SweepResult{Scanned: 1, Distributed: 1}, result)

	assert.Equal(t, SweepResult{}, srv.handler.Sweeper.RunNow(ctx))

	bal, err := srv.handler.Engine.GetBalance(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, bal.Points.Equal(d("8000")))
}

func TestSweeper_StartStop(t *testing.T) {
	srv := newTestServer(t)
	s := srv.handler.Sweeper
	s.Interval = 10 * time.Millisecond

	s.Start()
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()

	s.Enabled = false
	s.Start()
	assert.Nil(t, s.ticker)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_LoadTwoLevel(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(http.MethodGet, "/api/scenarios/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), len(scenarios))

	rec = srv.do(http.MethodPost, "/api/scenarios/load", "", map[string]any{"scenario_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(http.MethodPost, "/api/scenarios/load", "", map[string]any{"scenario_id": "two-level"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	loaded := decodeBody[ScenarioLoadResponse](t, rec)
	require.Contains(t, loaded.Tokens, "U1")

	rec = srv.do(http.MethodGet, "/api/accounts/U1/balance", loaded.Tokens["U1"], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[BalanceDTO](t, rec).Points.Equal(d("20000")))

	rec = srv.do(http.MethodGet, "/api/scenarios/current", "", nil)
	assert.Equal(t, "two-level", decodeBody[ScenarioDTO](t, rec).ID)
}

func TestScenarios_AllLoad(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			srv := newTestServer(t)
			rec := srv.do(http.MethodPost, "/api/scenarios/load", "", map[string]any{"scenario_id": s.ID})
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{settlement.ErrInvalidAmount, http.StatusBadRequest},
		{settlement.ErrInvalidInput, http.StatusBadRequest},
		{settlement.ErrInvalidSettings, http.StatusBadRequest},
		{settlement.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("account x: %w", settlement.ErrNotFound), http.StatusNotFound},
		{settlement.ErrInvalidState, http.StatusConflict},
		{settlement.ErrInsufficientBalance, http.StatusConflict},
		{settlement.ErrDuplicate, http.StatusConflict},
		{settlement.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

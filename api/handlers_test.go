/*
handlers_test.go - HTTP tests for the loyalty API

Tests for:
- Workshop scope (header and JWT)
- Accrual and redemption status codes and error codes
- Referral lifecycle over HTTP
- Tier, config and program administration
- Expiry trigger, statistics, health
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/observability"
	"github.com/warp/loyalty-engine/store/sqlite"
)

const testWorkshop = "ws-test"

type testServer struct {
	t       *testing.T
	router  *chi.Mux
	handler *Handler
	token   string
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h, err := NewHandler(loyalty.NewEngine(s), observability.NewNopLogger())
	require.NoError(t, err)
	h.Health = s.Ping

	ts := &testServer{t: t, router: NewRouter(h, opts), handler: h}
	if opts.JWTSecret != "" {
		ts.token, err = IssueToken(opts.JWTSecret, testWorkshop, time.Hour)
		require.NoError(t, err)
	}
	return ts
}

// do sends a scoped request. body may be nil, a string or any JSON value.
func (ts *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	} else {
		req.Header.Set(WorkshopHeader, testWorkshop)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decodeBody[ErrorResponse](t, rec).Code)
}

// setup loads the standard program and registers clients.
func (ts *testServer) setup(clients ...string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/admin/program", nil)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	for _, id := range clients {
		rec := ts.do(http.MethodPost, "/api/clients/", RegisterClientRequest{ID: id, Name: "Client " + id})
		require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

// =============================================================================
// SCOPE
// =============================================================================

func TestScope_MissingWorkshop(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	req := httptest.NewRequest(http.MethodGet, "/api/tiers/", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	requireErrorCode(t, rec, http.StatusUnauthorized, loyalty.KindMissingScope)
}

func TestScope_JWT(t *testing.T) {
	ts := newTestServer(t, RouterOptions{JWTSecret: "s3cret"})
	ts.setup("c1")

	// A valid token scopes the request.
	rec := ts.do(http.MethodGet, "/api/clients/c1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The header alone is not trusted once a secret is configured.
	req := httptest.NewRequest(http.MethodGet, "/api/clients/c1/balance", nil)
	req.Header.Set(WorkshopHeader, testWorkshop)
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	requireErrorCode(t, rec, http.StatusUnauthorized, loyalty.KindMissingScope)

	// A token signed with another key is rejected.
	forged, err := IssueToken("other", testWorkshop, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/clients/c1/balance", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	requireErrorCode(t, rec, http.StatusUnauthorized, loyalty.KindMissingScope)
}

func TestScope_WorkshopIsolation(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1")

	rec := ts.do(http.MethodGet, "/api/clients/c1/loyalty", nil, WorkshopHeader, "ws-other")

	requireErrorCode(t, rec, http.StatusNotFound, loyalty.KindNotFound)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestAccrue_PurchaseWithBonus(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1")

	// WHEN: a 150 purchase (standard program: 1 point per unit, x1.2 from 100)
	rec := ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "150", "description": "Brake pads"}`)

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	receipt := decodeBody[ReceiptDTO](t, rec)
	assert.True(t, receipt.Awarded)
	require.NotNil(t, receipt.Entry)
	assert.Equal(t, int64(180), receipt.Entry.Delta)
	assert.Equal(t, "purchase", receipt.Entry.Source)
	assert.Equal(t, int64(180), receipt.Account.Balance)
	assert.Equal(t, "bronze", receipt.Account.TierID)
}

func TestAccrue_IdempotencyHeader(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1")

	first := ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "50"}`, IdempotencyHeader, "invoice-7")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "50"}`, IdempotencyHeader, "invoice-7")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	receipt := decodeBody[ReceiptDTO](t, second)
	assert.True(t, receipt.Replayed)
	assert.Equal(t, int64(50), receipt.Account.Balance)
}

func TestAccrue_BadInput(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1")

	rec := ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "50", "tip": true}`)
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)

	rec = ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "-5"}`)
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)

	rec = ts.do(http.MethodPost, "/api/clients/ghost/accruals", `{"amount": "5"}`)
	requireErrorCode(t, rec, http.StatusNotFound, loyalty.KindNotFound)

	rec = ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "NaN"}`)
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)

	rec = ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "18446744073709551516"}`)
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)
	balance, err := ts.handler.Engine.GetBalance(loyalty.WithWorkshop(context.Background(), testWorkshop), "c1")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestRedeem(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1")
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "80"}`).Code)

	// Over-use writes nothing.
	rec := ts.do(http.MethodPost, "/api/clients/c1/redemptions", RedeemRequest{Points: 100})
	requireErrorCode(t, rec, http.StatusUnprocessableEntity, loyalty.KindInsufficientBalance)

	rec = ts.do(http.MethodPost, "/api/clients/c1/redemptions", RedeemRequest{Points: 30, IdempotencyKey: "r-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(http.MethodPost, "/api/clients/c1/redemptions", RedeemRequest{Points: 30, IdempotencyKey: "r-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/clients/c1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(50), decodeBody[BalanceDTO](t, rec).Balance)

	rec = ts.do(http.MethodPost, "/api/clients/c1/redemptions", RedeemRequest{Points: 0})
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)
}

func TestClientLoyaltyView(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1")
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/clients/c1/accruals",
		`{"amount": "550", "source_type": "bonus"}`).Code)

	rec := ts.do(http.MethodGet, "/api/clients/c1/loyalty", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[ClientLoyaltyDTO](t, rec)
	assert.Equal(t, int64(550), view.Balance)
	require.NotNil(t, view.Tier)
	assert.Equal(t, "Silver", view.Tier.Name)
	require.NotNil(t, view.NextTier)
	assert.Equal(t, "Gold", view.NextTier.Name)
	assert.Equal(t, int64(450), view.PointsToNextTier)
	require.Len(t, view.History, 1)
	assert.Equal(t, "bonus", view.History[0].Source)

	rec = ts.do(http.MethodGet, "/api/clients/c1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[ReconciliationDTO](t, rec).Drifted)
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestReferralLifecycle(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("alice", "bob")

	rec := ts.do(http.MethodPost, "/api/referrals/", CreateReferralRequest{ReferrerID: "alice", ReferredID: "bob"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ref := decodeBody[ReferralDTO](t, rec)
	assert.Equal(t, "pending", ref.Status)

	rec = ts.do(http.MethodPost, "/api/referrals/", CreateReferralRequest{ReferrerID: "bob", ReferredID: "alice"})
	requireErrorCode(t, rec, http.StatusConflict, loyalty.KindConflict)

	rec = ts.do(http.MethodPost, "/api/referrals/"+ref.ID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeBody[ReferralDTO](t, rec)
	assert.Equal(t, "confirmed", confirmed.Status)
	assert.Equal(t, int64(100), confirmed.PointsAwarded)

	rec = ts.do(http.MethodPost, "/api/referrals/"+ref.ID+"/confirm", nil)
	requireErrorCode(t, rec, http.StatusConflict, loyalty.KindConflict)

	rec = ts.do(http.MethodGet, "/api/referrals/?status=confirmed&client_id=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ReferralDTO](t, rec), 1)

	rec = ts.do(http.MethodDelete, "/api/referrals/"+ref.ID+"?reverse=maybe", nil)
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)

	rec = ts.do(http.MethodDelete, "/api/referrals/"+ref.ID+"?reverse=true", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/clients/alice/balance", nil)
	assert.Equal(t, int64(0), decodeBody[BalanceDTO](t, rec).Balance)
	rec = ts.do(http.MethodGet, "/api/referrals/"+ref.ID, nil)
	requireErrorCode(t, rec, http.StatusNotFound, loyalty.KindNotFound)
}

func TestReferral_SelfReferral(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("alice")

	rec := ts.do(http.MethodPost, "/api/referrals/", CreateReferralRequest{ReferrerID: "alice", ReferredID: "alice"})

	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func TestTiers(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup()

	rec := ts.do(http.MethodPost, "/api/tiers/",
		`{"id": "platinum", "name": "Platinum", "points_required": 2000, "discount_percentage": "15"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[factory.TierJSON](t, rec)
	require.NotNil(t, created.IsActive)
	assert.True(t, *created.IsActive)

	rec = ts.do(http.MethodPost, "/api/tiers/", `{"name": "Clone", "points_required": 2000, "discount_percentage": "1"}`)
	requireErrorCode(t, rec, http.StatusUnprocessableEntity, loyalty.KindConfiguration)

	rec = ts.do(http.MethodPut, "/api/tiers/diamond", `{"name": "Diamond", "points_required": 5000, "discount_percentage": "20"}`)
	requireErrorCode(t, rec, http.StatusNotFound, loyalty.KindNotFound)

	rec = ts.do(http.MethodDelete, "/api/tiers/gold", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, *decodeBody[factory.TierJSON](t, rec).IsActive)

	rec = ts.do(http.MethodGet, "/api/tiers/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]factory.TierJSON](t, rec), 4)
}

func TestConfig(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(http.MethodPut, "/api/config", `{"points_per_unit": "2", "points_expiry_period": "30d"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[factory.ConfigJSON](t, rec)
	require.NotNil(t, cfg.PointsPerUnit)
	assert.Equal(t, "2", cfg.PointsPerUnit.String())
	assert.Equal(t, (30 * 24 * time.Hour).String(), cfg.ExpiryPeriod)

	rec = ts.do(http.MethodPut, "/api/config", `{"minimum_purchase_threshold": "5"}`)
	requireErrorCode(t, rec, http.StatusUnprocessableEntity, loyalty.KindConfiguration)

	rec = ts.do(http.MethodPut, "/api/config", `{"points_per_unit": "-1"}`)
	requireErrorCode(t, rec, http.StatusUnprocessableEntity, loyalty.KindConfiguration)
}

func TestLoadProgram_Custom(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	rec := ts.do(http.MethodPost, "/api/admin/program", `{
		"name": "Club",
		"config": {"points_per_unit": "3"},
		"tiers": [{"id": "member", "name": "Member", "points_required": 0, "discount_percentage": "0"}]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	program := decodeBody[ProgramDTO](t, rec)
	assert.Equal(t, "Club", program.Name)
	assert.Equal(t, "3", program.Config.PointsPerUnit.String())
	require.Len(t, program.Tiers, 1)

	rec = ts.do(http.MethodPost, "/api/admin/program", `{"config": {}}`)
	requireErrorCode(t, rec, http.StatusUnprocessableEntity, loyalty.KindConfiguration)
}

func TestTriggerExpiry(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1")
	require.Equal(t, http.StatusOK, ts.do(http.MethodPut, "/api/config",
		`{"points_per_unit": "1", "points_expiry_period": "30d"}`).Code)
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/clients/c1/accruals", `{"amount": "40"}`).Code)

	asOf := time.Now().UTC().AddDate(0, 0, 60).Format("2006-01-02")
	rec := ts.do(http.MethodPost, "/api/admin/expire", ExpireRequest{AsOf: asOf})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[ExpiryReportDTO](t, rec)
	assert.Equal(t, testWorkshop, report.WorkshopID)
	assert.Equal(t, int64(40), report.PointsExpired)

	// Empty body means now: nothing left to expire.
	rec = ts.do(http.MethodPost, "/api/admin/expire", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, decodeBody[ExpiryReportDTO](t, rec).PointsExpired)

	rec = ts.do(http.MethodPost, "/api/admin/expire", ExpireRequest{AsOf: "next tuesday"})
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)
}

func TestStatistics(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})
	ts.setup("c1", "c2")
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/clients/c1/accruals",
		`{"amount": "600", "source_type": "bonus"}`).Code)
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/api/clients/c2/accruals",
		`{"amount": "100", "source_type": "bonus"}`).Code)

	rec := ts.do(http.MethodGet, "/api/statistics?top=1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decodeBody[StatisticsDTO](t, rec)
	assert.Equal(t, 2, stats.ClientsWithPoints)
	assert.Equal(t, "350", stats.AverageBalance.String())
	assert.Equal(t, int64(700), stats.Outstanding)
	require.Len(t, stats.TopClients, 1)
	assert.Equal(t, "c1", stats.TopClients[0].ClientID)
	assert.Len(t, stats.TierDistribution, 3)

	rec = ts.do(http.MethodGet, "/api/statistics?top=many", nil)
	requireErrorCode(t, rec, http.StatusBadRequest, loyalty.KindValidation)
}

// =============================================================================
// HEALTH AND ERROR MAPPING
// =============================================================================

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, RouterOptions{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.handler.Health = func(context.Context) error { return errors.New("db down") }
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&loyalty.ValidationError{Field: "x", Reason: "y"}, http.StatusBadRequest},
		{loyalty.ErrMissingScope, http.StatusUnauthorized},
		{loyalty.ErrNotFound, http.StatusNotFound},
		{loyalty.ErrConflict, http.StatusConflict},
		{&loyalty.InsufficientBalanceError{}, http.StatusUnprocessableEntity},
		{&loyalty.ConfigurationError{Key: "k"}, http.StatusUnprocessableEntity},
		{loyalty.ErrLedgerDrift, http.StatusInternalServerError},
		{loyalty.Persistence("commit", context.Canceled), http.StatusServiceUnavailable},
		{errors.New("driver exploded"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMemoryEngineRouter(t *testing.T) {
	// The router does not depend on the store implementation.
	h, err := NewHandler(loyalty.NewEngine(store.NewMemory()), nil)
	require.NoError(t, err)
	router := NewRouter(h, RouterOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/program", nil)
	req.Header.Set(WorkshopHeader, testWorkshop)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody[ProgramDTO](t, rec).Tiers, 3)
}

/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to loyalty.Engine. The
  handlers never compute balances, tiers or awards themselves.

ENDPOINTS:
  Clients:
    POST   /api/clients                    Register client in the workshop
    GET    /api/clients/{id}/loyalty       Balance, tier, next tier, history
    GET    /api/clients/{id}/balance       Balance only
    POST   /api/clients/{id}/accruals      Credit points (purchase, bonus, manual)
    POST   /api/clients/{id}/redemptions   Spend points
    GET    /api/clients/{id}/reconcile     Compare cached account with ledger

  Referrals:
    POST   /api/referrals                  Create (pending)
    GET    /api/referrals                  List (?status=&client_id=)
    GET    /api/referrals/{id}             Get
    POST   /api/referrals/{id}/confirm     Confirm and credit the referrer
    POST   /api/referrals/{id}/reject      Reject
    POST   /api/referrals/{id}/complete    Complete
    DELETE /api/referrals/{id}             Delete (?reverse=true reverses the award)

  Tiers / Config:
    GET/POST /api/tiers, PUT/DELETE /api/tiers/{id}
    GET/PUT  /api/config

  Admin:
    POST   /api/admin/program              Load a JSON program (empty body: default)
    POST   /api/admin/expire               Run the expiry sweep now
    GET    /api/admin/scenarios            List demo scenarios (scenarios.go)
    POST   /api/admin/scenarios/load       Seed the workshop with a scenario

  Reporting:
    GET    /api/statistics                 Aggregates (?top=N)

SCOPE:
  Every /api route runs behind ScopeMiddleware; the workshop travels on the
  request context into the engine.

ERROR HANDLING:
  Errors are returned as JSON {"error", "code"} with the status from
  statusFor:
  - 400: validation_error
  - 401: missing_scope
  - 404: not_found
  - 409: conflict
  - 422: insufficient_balance, configuration_error
  - 500: ledger_drift
  - 503: persistence_error (including canceled requests)

SEE ALSO:
  - dto.go: Request/response data structures
  - scope.go: Workshop scope middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/observability"
)

// IdempotencyHeader is accepted as a fallback for the idempotency_key body field.
const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine         *loyalty.Engine
	ProgramFactory *factory.ProgramFactory

	// DefaultProgram is applied by POST /api/admin/program with an empty body.
	DefaultProgram *factory.Program

	// Health reports store reachability for /health. Nil means always healthy.
	Health func(ctx context.Context) error

	Logger *observability.Logger
	Now    func() time.Time
}

// NewHandler creates a handler around engine with the standard program as
// default.
func NewHandler(engine *loyalty.Engine, logger *observability.Logger) (*Handler, error) {
	pf := factory.NewProgramFactory()
	program, err := pf.ParseProgram(factory.StandardProgramJSON())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{
		Engine:         engine,
		ProgramFactory: pf,
		DefaultProgram: program,
		Logger:         logger,
		Now:            time.Now,
	}, nil
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// RegisterClient records a client as a member of the scoped workshop.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req RegisterClientRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.Engine.RegisterClient(r.Context(), loyalty.ClientID(strings.TrimSpace(req.ID)), req.Name)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ClientDTO{
		ID:         string(c.ID),
		WorkshopID: string(c.WorkshopID),
		Name:       c.Name,
	})
}

// GetClientLoyalty returns the full client view.
func (h *Handler) GetClientLoyalty(w http.ResponseWriter, r *http.Request) {
	view, err := h.Engine.GetClientLoyaltyView(r.Context(), clientParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	history := make([]LedgerEntryDTO, len(view.History))
	for i, e := range view.History {
		history[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, ClientLoyaltyDTO{
		ClientID:         string(view.ClientID),
		Balance:          view.Balance,
		Tier:             toTierDTO(view.Tier),
		NextTier:         toTierDTO(view.NextTier),
		PointsToNextTier: view.PointsToNextTier,
		History:          history,
	})
}

// GetBalance returns the cached balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := clientParam(r)
	balance, err := h.Engine.GetBalance(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{ClientID: string(id), Balance: balance})
}

// Accrue credits points. A purchase below the minimum returns 200 with
// awarded=false; a new entry returns 201.
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	var req AccrueRequest
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.Engine.AccruePoints(r.Context(), loyalty.AccrueRequest{
		ClientID:       clientParam(r),
		Amount:         req.Amount,
		Source:         loyalty.SourceType(req.Source),
		Description:    req.Description,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, receiptStatus(receipt), toReceiptDTO(receipt))
}

// Redeem spends points. Over-use fails with 422 insufficient_balance and
// writes nothing.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}

	var receipt loyalty.Receipt
	var err error
	key := idempotencyKey(r, req.IdempotencyKey)
	if key == "" {
		receipt, err = h.Engine.UsePoints(r.Context(), clientParam(r), req.Points, req.Description)
	} else {
		if req.Points <= 0 {
			h.writeEngineError(w, r, &loyalty.ValidationError{Field: "points", Reason: "must be > 0"})
			return
		}
		description := req.Description
		if description == "" {
			description = "Points redeemed"
		}
		receipt, err = h.Engine.Append(r.Context(), loyalty.AppendRequest{
			ClientID:       clientParam(r),
			Delta:          -req.Points,
			Source:         loyalty.SourceManual,
			Description:    description,
			IdempotencyKey: key,
		})
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, receiptStatus(receipt), toReceiptDTO(receipt))
}

// Reconcile reports whether the cached account matches the ledger. Drift is
// reported in the body with 200; the check itself succeeded.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Reconcile(r.Context(), clientParam(r))
	if err != nil && !errors.Is(err, loyalty.ErrLedgerDrift) {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if !h.decode(w, r, &req) {
		return
	}

	ref, err := h.Engine.CreateReferral(r.Context(),
		loyalty.ClientID(req.ReferrerID), loyalty.ClientID(req.ReferredID))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(ref))
}

// ListReferrals supports ?status= and ?client_id= filters.
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	refs, err := h.Engine.ListReferrals(r.Context(), loyalty.ReferralFilter{
		Status:   loyalty.ReferralStatus(q.Get("status")),
		ClientID: loyalty.ClientID(q.Get("client_id")),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dtos := make([]ReferralDTO, len(refs))
	for i, ref := range refs {
		dtos[i] = toReferralDTO(ref)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Engine.GetReferral(r.Context(), referralParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(ref))
}

func (h *Handler) ConfirmReferral(w http.ResponseWriter, r *http.Request) {
	h.transitionReferral(w, r, h.Engine.ConfirmReferral)
}

func (h *Handler) RejectReferral(w http.ResponseWriter, r *http.Request) {
	h.transitionReferral(w, r, h.Engine.RejectReferral)
}

func (h *Handler) CompleteReferral(w http.ResponseWriter, r *http.Request) {
	h.transitionReferral(w, r, h.Engine.CompleteReferral)
}

func (h *Handler) transitionReferral(w http.ResponseWriter, r *http.Request,
	transition func(context.Context, loyalty.ReferralID) (loyalty.Referral, error)) {
	ref, err := transition(r.Context(), referralParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(ref))
}

// DeleteReferral removes a referral. ?reverse=true also takes back the
// points it awarded.
func (h *Handler) DeleteReferral(w http.ResponseWriter, r *http.Request) {
	reverse, err := parseBoolParam(r, "reverse")
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if err := h.Engine.DeleteReferral(r.Context(), referralParam(r), reverse); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TIER HANDLERS
// =============================================================================

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Engine.ListTiers(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTOs(tiers))
}

func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req factory.TierJSON
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.Engine.CreateTier(r.Context(), factory.TierFromJSON(req))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, factory.TierToJSON(t))
}

// UpdateTier replaces a tier. The id in the path wins over the body.
func (h *Handler) UpdateTier(w http.ResponseWriter, r *http.Request) {
	var req factory.TierJSON
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	t, err := h.Engine.UpdateTier(r.Context(), factory.TierFromJSON(req))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.TierToJSON(t))
}

// DeactivateTier takes a tier off the ladder; the record stays.
func (h *Handler) DeactivateTier(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.DeactivateTier(r.Context(), loyalty.TierID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.TierToJSON(t))
}

// =============================================================================
// CONFIG HANDLERS
// =============================================================================

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Engine.LoadConfig(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.ConfigToJSON(cfg))
}

func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req factory.ConfigJSON
	if !h.decode(w, r, &req) {
		return
	}
	cfg, err := factory.ConfigFromJSON(req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	cfg, err = h.Engine.SetConfig(r.Context(), cfg)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factory.ConfigToJSON(cfg))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// LoadProgram applies a JSON program (config + ladder) to the workshop. An
// empty body applies DefaultProgram.
func (h *Handler) LoadProgram(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeEngineError(w, r, &loyalty.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	program := h.DefaultProgram
	if len(strings.TrimSpace(string(body))) > 0 {
		program, err = h.ProgramFactory.ParseProgram(body)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
	}
	if program == nil {
		h.writeEngineError(w, r, &loyalty.ConfigurationError{Key: "program", Reason: "no program given and no default configured"})
		return
	}

	if err := h.ProgramFactory.Apply(r.Context(), h.Engine, program); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	cfg, err := h.Engine.LoadConfig(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	tiers, err := h.Engine.ListTiers(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProgramDTO{
		Name:   program.Name,
		Config: factory.ConfigToJSON(cfg),
		Tiers:  toTierDTOs(tiers),
	})
}

// TriggerExpiry runs the expiry sweep for the scoped workshop.
func (h *Handler) TriggerExpiry(w http.ResponseWriter, r *http.Request) {
	var req ExpireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeEngineError(w, r, &loyalty.ValidationError{Field: "body", Reason: err.Error()})
		return
	}

	asOf := h.Now()
	if req.AsOf != "" {
		t, err := parseAsOf(req.AsOf)
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
		asOf = t
	}

	report, err := h.Engine.ExpirePoints(r.Context(), asOf)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpiryReportDTO(report))
}

// =============================================================================
// REPORTING HANDLERS
// =============================================================================

func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	top := 0
	if s := r.URL.Query().Get("top"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeEngineError(w, r, &loyalty.ValidationError{Field: "top", Reason: "must be a non-negative integer"})
			return
		}
		top = n
	}

	stats, err := h.Engine.GetStatistics(r.Context(), top)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(stats))
}

// HealthCheck reports whether the store is reachable.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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
		resp.Code = loyalty.Kind(err)
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to its status and logs server-side
// failures.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch {
	case loyalty.IsCanceled(err):
		h.Logger.InfoWithError(r.Context(), "request canceled before commit", err)
	case status >= http.StatusInternalServerError:
		h.Logger.Error(r.Context(), "request failed", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: loyalty.Kind(err)})
}

func statusFor(err error) int {
	switch loyalty.Kind(err) {
	case loyalty.KindValidation:
		return http.StatusBadRequest
	case loyalty.KindMissingScope:
		return http.StatusUnauthorized
	case loyalty.KindNotFound:
		return http.StatusNotFound
	case loyalty.KindConflict:
		return http.StatusConflict
	case loyalty.KindInsufficientBalance, loyalty.KindConfiguration:
		return http.StatusUnprocessableEntity
	case loyalty.KindLedgerDrift:
		return http.StatusInternalServerError
	}
	return http.StatusServiceUnavailable
}

// decode reads a JSON body, rejecting unknown fields. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeEngineError(w, r, &loyalty.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

func receiptStatus(rc loyalty.Receipt) int {
	if rc.Awarded && !rc.Replayed {
		return http.StatusCreated
	}
	return http.StatusOK
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get(IdempotencyHeader)
}

func clientParam(r *http.Request) loyalty.ClientID {
	return loyalty.ClientID(chi.URLParam(r, "id"))
}

func referralParam(r *http.Request) loyalty.ReferralID {
	return loyalty.ReferralID(chi.URLParam(r, "id"))
}

func parseBoolParam(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &loyalty.ValidationError{Field: name, Reason: "must be true or false"}
	}
	return b, nil
}

func parseAsOf(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, &loyalty.ValidationError{Field: "as_of", Reason: "use YYYY-MM-DD or RFC3339"}
	}
	return t, nil
}

/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the scoped workshop with
	realistic loyalty data: the standard program, a handful of clients and
	their ledger history. Used by the dashboard and by API tests.

AVAILABLE SCENARIOS:

	starter:          Standard program and three clients with no points yet
	tier-spread:      One client on each tier, with purchases and a redemption
	referral-network: Referrals in every state, one of them paid out

HOW SCENARIOS WORK:
 1. Apply the default program (config + ladder)
 2. Register clients
 3. Append ledger entries through the engine, each with an idempotency key
 4. Create and move referrals through their state machine

RELOADING:

	The ledger is append-only, so nothing is reset. Every entry carries a
	scenario idempotency key and referrals are only created for untouched
	pairs; loading the same scenario twice leaves the workshop unchanged.

USAGE VIA API:

	GET  /api/admin/scenarios
	POST /api/admin/scenarios/load
	{"scenario_id": "tier-spread"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the 'loaders' map

SEE ALSO:
  - handlers.go: LoadProgram (the program part of every scenario)
  - factory/program.go: StandardProgramJSON
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter",
		Name:        "Starter Workshop",
		Description: "Standard program with three registered clients and no points",
		Category:    "setup",
	},
	{
		ID:          "tier-spread",
		Name:        "Tier Spread",
		Description: "One client per tier, purchase bonuses and a redemption",
		Category:    "ledger",
	},
	{
		ID:          "referral-network",
		Name:        "Referral Network",
		Description: "Pending, confirmed and rejected referrals between clients",
		Category:    "referrals",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"starter":          h.loadStarterScenario,
		"tier-spread":      h.loadTierSpreadScenario,
		"referral-network": h.loadReferralNetworkScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario into the scoped workshop.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		h.writeEngineError(w, r, &loyalty.ValidationError{Field: "scenario_id", Reason: fmt.Sprintf("unknown scenario %q", req.ScenarioID)})
		return
	}
	if err := load(r.Context()); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	stats, err := h.Engine.GetStatistics(r.Context(), 0)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioLoadedDTO{
		Scenario:   req.ScenarioID,
		Statistics: toStatisticsDTO(stats),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStarterScenario(ctx context.Context) error {
	if err := h.applyDefaultProgram(ctx); err != nil {
		return err
	}
	return h.registerClients(ctx, map[loyalty.ClientID]string{
		"client-ana":   "Ana Souza",
		"client-bruno": "Bruno Lima",
		"client-carla": "Carla Mendes",
	})
}

func (h *Handler) loadTierSpreadScenario(ctx context.Context) error {
	if err := h.applyDefaultProgram(ctx); err != nil {
		return err
	}
	if err := h.registerClients(ctx, map[loyalty.ClientID]string{
		"client-maria": "Maria Costa",
		"client-joao":  "Joao Pereira",
		"client-ana":   "Ana Souza",
	}); err != nil {
		return err
	}

	purchases := []struct {
		client loyalty.ClientID
		amount string
		what   string
	}{
		{"client-maria", "650", "Timing belt replacement"},
		{"client-maria", "420", "Brake discs and pads"},
		{"client-joao", "480", "Clutch kit"},
		{"client-joao", "90", "Oil change"},
		{"client-ana", "80", "Wiper blades and bulbs"},
	}
	for i, p := range purchases {
		_, err := h.Engine.AccruePoints(ctx, loyalty.AccrueRequest{
			ClientID:       p.client,
			Amount:         decimal.RequireFromString(p.amount),
			Source:         loyalty.SourcePurchase,
			Description:    p.what,
			IdempotencyKey: fmt.Sprintf("scenario:tier-spread:purchase-%d", i),
		})
		if err != nil {
			return fmt.Errorf("purchase %d: %w", i, err)
		}
	}

	_, err := h.Engine.Append(ctx, loyalty.AppendRequest{
		ClientID:       "client-joao",
		Delta:          -50,
		Source:         loyalty.SourceManual,
		Description:    "Redeemed for free car wash",
		IdempotencyKey: "scenario:tier-spread:redeem-0",
	})
	return err
}

func (h *Handler) loadReferralNetworkScenario(ctx context.Context) error {
	if err := h.applyDefaultProgram(ctx); err != nil {
		return err
	}
	if err := h.registerClients(ctx, map[loyalty.ClientID]string{
		"client-alice": "Alice Martins",
		"client-bob":   "Bob Ferreira",
		"client-carol": "Carol Ribeiro",
		"client-dave":  "Dave Almeida",
		"client-erin":  "Erin Rocha",
	}); err != nil {
		return err
	}

	referrals := []struct {
		referrer, referred loyalty.ClientID
		to                 loyalty.ReferralStatus
	}{
		{"client-alice", "client-bob", loyalty.ReferralConfirmed},
		{"client-alice", "client-carol", loyalty.ReferralPending},
		{"client-dave", "client-erin", loyalty.ReferralRejected},
	}
	for _, ref := range referrals {
		existing, err := h.Engine.ListReferrals(ctx, loyalty.ReferralFilter{ClientID: ref.referred})
		if err != nil {
			return err
		}
		if pairTouched(existing, ref.referrer, ref.referred) {
			continue
		}

		created, err := h.Engine.CreateReferral(ctx, ref.referrer, ref.referred)
		if err != nil {
			return fmt.Errorf("referral %s -> %s: %w", ref.referrer, ref.referred, err)
		}
		switch ref.to {
		case loyalty.ReferralConfirmed:
			_, err = h.Engine.ConfirmReferral(ctx, created.ID)
		case loyalty.ReferralRejected:
			_, err = h.Engine.RejectReferral(ctx, created.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) applyDefaultProgram(ctx context.Context) error {
	if h.DefaultProgram == nil {
		return &loyalty.ConfigurationError{Key: "program", Reason: "no default program configured"}
	}
	return h.ProgramFactory.Apply(ctx, h.Engine, h.DefaultProgram)
}

func (h *Handler) registerClients(ctx context.Context, clients map[loyalty.ClientID]string) error {
	for id, name := range clients {
		if _, err := h.Engine.RegisterClient(ctx, id, name); err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
	}
	return nil
}

func pairTouched(refs []loyalty.Referral, a, b loyalty.ClientID) bool {
	for _, r := range refs {
		if (r.ReferrerID == a && r.ReferredID == b) || (r.ReferrerID == b && r.ReferredID == a) {
			return true
		}
	}
	return false
}

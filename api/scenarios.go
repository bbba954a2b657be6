/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built marketplaces that populate the store with realistic
	accounts, balances and bookings. Each scenario goes through the ledger
	Service, so every balance in a scenario is backed by log entries.

AVAILABLE SCENARIOS:

	basic-marketplace: patient, doctor and taxi driver, one pending booking
	settled-bookings:  accepted, rejected and pending bookings side by side
	multi-currency:    USD and SYP balances and bookings
	commission-change: same service settled before and after a rate change

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Run OnReset (seeds the ADMIN account again)
 3. Register accounts through auth (password "demo1234")
 4. Credit balances as the ADMIN
 5. Request, settle and reject bookings

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "settled-bookings"}

NOTE:

	Scenarios reset the store. Only ADMIN may load one, and only in
	development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/wusul/settlement-engine/ledger"
)

// DemoPassword is the password of every scenario account.
const DemoPassword = "demo1234"

// Demo phone numbers, already normalized.
const (
	demoPatient  = "963911000001"
	demoPatient2 = "963911000002"
	demoDoctor   = "963922000001"
	demoDriver   = "963933000001"
	demoAgent    = "963944000001"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "basic-marketplace",
		Name:        "Basic Marketplace",
		Description: "Patient with 100 USD, a doctor and a taxi driver; one pending consultation",
	},
	{
		ID:          "settled-bookings",
		Name:        "Settled Bookings",
		Description: "One accepted, one rejected and one pending booking with the default 10% commission",
	},
	{
		ID:          "multi-currency",
		Name:        "Multi-Currency",
		Description: "Balances and bookings in USD and SYP",
	},
	{
		ID:          "commission-change",
		Name:        "Commission Change",
		Description: "Same service settled at 10% and then at 15%",
	},
}

var scenarioLoaders = map[string]func(ctx context.Context, d *demo) error{
	"basic-marketplace": loadBasicMarketplace,
	"settled-bookings":  loadSettledBookings,
	"multi-currency":    loadMultiCurrency,
	"commission-change": loadCommissionChange,
}

// ListScenarios returns all available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "ADMIN only", ledger.ErrUnauthorized)
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusNotFound, "Scenarios are disabled", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	d, err := h.newDemo(ctx)
	if err == nil {
		err = load(ctx, d)
	}
	if err != nil {
		h.Logger.Error("scenario failed", "scenario", req.ScenarioID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario_id": req.ScenarioID})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	if h.OnReset != nil {
		return h.OnReset(ctx)
	}
	return nil
}

// =============================================================================
// SCENARIO HELPERS
// =============================================================================

// demo bundles what the loaders need: the service and an ADMIN actor.
type demo struct {
	h     *Handler
	admin ledger.Actor
}

func (h *Handler) newDemo(ctx context.Context) (*demo, error) {
	accounts, err := h.Ledger.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.Role == ledger.RoleAdmin {
			return &demo{h: h, admin: ledger.Actor{ID: a.ID, Role: a.Role}}, nil
		}
	}
	return nil, errors.New("no ADMIN account after reset; set OnReset to seed one")
}

func (d *demo) account(ctx context.Context, phone, name string, role ledger.Role) error {
	if _, err := d.h.Auth.Register(ctx, phone, name, DemoPassword); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	if role != ledger.RoleUser {
		if _, err := d.h.Ledger.ChangeRole(ctx, d.admin, ledger.AccountID(phone), role); err != nil {
			return fmt.Errorf("role %s: %w", name, err)
		}
	}
	return nil
}

func (d *demo) credit(ctx context.Context, id string, amount string, currency ledger.Currency) error {
	_, err := d.h.Ledger.AdjustBalance(ctx, ledger.Adjustment{
		AccountID: ledger.AccountID(id),
		Amount:    decimal.RequireFromString(amount),
		Currency:  currency,
		Reason:    "demo top-up",
		Actor:     d.admin,
	})
	return err
}

func (d *demo) book(ctx context.Context, patient, provider, price string, currency ledger.Currency, service string) (ledger.Booking, error) {
	return d.h.Ledger.RequestBooking(ctx, d.admin, ledger.BookingRequest{
		PatientID:   ledger.AccountID(patient),
		ProviderID:  ledger.AccountID(provider),
		Price:       decimal.RequireFromString(price),
		Currency:    currency,
		ServiceName: service,
	})
}

func (d *demo) people(ctx context.Context) error {
	steps := []struct {
		phone, name string
		role        ledger.Role
	}{
		{demoPatient, "Lina Haddad", ledger.RoleUser},
		{demoDoctor, "Dr. Samer Khoury", ledger.RoleDoctor},
		{demoDriver, "Omar Taxi", ledger.RoleUser},
	}
	for _, s := range steps {
		if err := d.account(ctx, s.phone, s.name, s.role); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadBasicMarketplace(ctx context.Context, d *demo) error {
	if err := d.people(ctx); err != nil {
		return err
	}
	if err := d.credit(ctx, demoPatient, "100", ledger.CurrencyUSD); err != nil {
		return err
	}
	_, err := d.book(ctx, demoPatient, demoDoctor, "40", ledger.CurrencyUSD, "General consultation")
	return err
}

func loadSettledBookings(ctx context.Context, d *demo) error {
	if err := d.people(ctx); err != nil {
		return err
	}
	if err := d.credit(ctx, demoPatient, "250", ledger.CurrencyUSD); err != nil {
		return err
	}

	accepted, err := d.book(ctx, demoPatient, demoDoctor, "100", ledger.CurrencyUSD, "Cardiology checkup")
	if err != nil {
		return err
	}
	if _, err := d.h.Ledger.Settle(ctx, d.admin, accepted.ID); err != nil {
		return err
	}

	rejected, err := d.book(ctx, demoPatient, demoDriver, "15", ledger.CurrencyUSD, "Airport ride")
	if err != nil {
		return err
	}
	if _, err := d.h.Ledger.Reject(ctx, d.admin, rejected.ID); err != nil {
		return err
	}

	_, err = d.book(ctx, demoPatient, demoDoctor, "60", ledger.CurrencyUSD, "Follow-up visit")
	return err
}

func loadMultiCurrency(ctx context.Context, d *demo) error {
	if err := d.people(ctx); err != nil {
		return err
	}
	if err := d.account(ctx, demoAgent, "Agent Rami", ledger.RoleAgent); err != nil {
		return err
	}
	if err := d.credit(ctx, demoPatient, "50", ledger.CurrencyUSD); err != nil {
		return err
	}
	if err := d.credit(ctx, demoPatient, "500000", ledger.CurrencySYP); err != nil {
		return err
	}

	syp, err := d.book(ctx, demoPatient, demoDriver, "75000", ledger.CurrencySYP, "City ride")
	if err != nil {
		return err
	}
	if _, err := d.h.Ledger.Settle(ctx, d.admin, syp.ID); err != nil {
		return err
	}
	_, err = d.book(ctx, demoPatient, demoDoctor, "30", ledger.CurrencyUSD, "Video consultation")
	return err
}

func loadCommissionChange(ctx context.Context, d *demo) error {
	if err := d.people(ctx); err != nil {
		return err
	}
	if err := d.account(ctx, demoPatient2, "Yara Nasser", ledger.RoleUser); err != nil {
		return err
	}
	for _, p := range []string{demoPatient, demoPatient2} {
		if err := d.credit(ctx, p, "200", ledger.CurrencyUSD); err != nil {
			return err
		}
	}

	before, err := d.book(ctx, demoPatient, demoDoctor, "100", ledger.CurrencyUSD, "Dental cleaning")
	if err != nil {
		return err
	}
	if _, err := d.h.Ledger.Settle(ctx, d.admin, before.ID); err != nil {
		return err
	}

	if _, err := d.h.Ledger.SetCommissionRate(ctx, d.admin, 15); err != nil {
		return err
	}

	after, err := d.book(ctx, demoPatient2, demoDoctor, "100", ledger.CurrencyUSD, "Dental cleaning")
	if err != nil {
		return err
	}
	_, err = d.h.Ledger.Settle(ctx, d.admin, after.ID)
	return err
}

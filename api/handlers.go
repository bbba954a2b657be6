/*
handlers.go - HTTP API handlers for the settlement service

PURPOSE:
  Exposes the settlement ledger via REST API. Handles HTTP request and
  response, JSON serialization, and delegates to the ledger and auth
  packages. Every handler behind the auth middleware receives the caller
  as a ledger.Actor through the request context.

ENDPOINTS:
  Auth:
    POST   /api/auth/register            Register USER account
    POST   /api/auth/login               Start a session
    POST   /api/auth/logout              End the session

  Accounts:
    GET    /api/accounts                 List accounts (ADMIN/AGENT)
    GET    /api/accounts/me              Current account
    GET    /api/accounts/{id}            Account details
    GET    /api/accounts/{id}/transactions  Log, newest first
    POST   /api/accounts/{id}/adjustments   Credit or debit
    PUT    /api/accounts/{id}/role       Change role (ADMIN)

  Bookings:
    POST   /api/bookings                 Request a booking
    GET    /api/bookings                 List bookings
    GET    /api/bookings/{id}            Booking details
    POST   /api/bookings/{id}/accept     Settle
    POST   /api/bookings/{id}/reject     Reject

  Other:
    GET    /api/commission               Current rate
    PUT    /api/commission               Set rate (ADMIN)
    GET    /api/transactions             Recent log across accounts (ADMIN)
    GET    /api/notifications            Caller's inbox

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing or expired session
  - 403: Role does not allow the operation
  - 404: Resource not found
  - 409: Invalid booking state, duplicate account
  - 422: Insufficient funds
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Session authentication
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/wusul/settlement-engine/auth"
	"github.com/wusul/settlement-engine/ledger"
	"github.com/wusul/settlement-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes the store. Both store implementations provide it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Service
	Auth   *auth.Authenticator
	Inbox  *notify.Inbox // nil disables /api/notifications
	Logger *slog.Logger

	// Store is reset before a scenario loads; nil disables scenarios.
	Store Resetter

	// OnReset runs after every reset, e.g. to seed the ADMIN account again.
	OnReset func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *ledger.Service, authn *auth.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: svc, Auth: authn, Logger: logger}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Register creates a USER account.
// POST /api/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	acct, err := h.Auth.Register(r.Context(), req.Phone, req.Name, req.Password)
	if err != nil {
		h.fail(w, "Registration failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// Login starts a session.
// POST /api/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sess, acct, err := h.Auth.Login(r.Context(), req.Phone, req.Password)
	if err != nil {
		h.fail(w, "Login failed", err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		Account:   toAccountDTO(acct),
	})
}

// Logout ends the caller's session.
// POST /api/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		h.Auth.Logout(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns all accounts.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if !actor.IsOperator() {
		writeError(w, http.StatusForbidden, "Operators only", ledger.ErrUnauthorized)
		return
	}

	accounts, err := h.Ledger.ListAccounts(r.Context())
	if err != nil {
		h.fail(w, "Failed to list accounts", err)
		return
	}
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMe returns the caller's account.
// GET /api/accounts/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.GetAccount(r.Context(), actorFrom(r).ID)
	if err != nil {
		h.fail(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if !canView(actorFrom(r), id) {
		writeError(w, http.StatusForbidden, "Not your account", ledger.ErrUnauthorized)
		return
	}

	acct, err := h.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetTransactions returns the account's log, newest first.
// GET /api/accounts/{id}/transactions?limit=50
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if !canView(actorFrom(r), id) {
		writeError(w, http.StatusForbidden, "Not your account", ledger.ErrUnauthorized)
		return
	}
	limit, err := queryLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	txs, err := h.Ledger.History(r.Context(), id, limit)
	if err != nil {
		h.fail(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// CreateAdjustment credits or debits an account.
// POST /api/accounts/{id}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	actor := actorFrom(r)

	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid currency", err)
		return
	}
	// Only staff may touch someone else's balance.
	if id != actor.ID && !actor.IsOperator() {
		writeError(w, http.StatusForbidden, "Not your account", ledger.ErrUnauthorized)
		return
	}

	balance, err := h.Ledger.AdjustBalance(r.Context(), ledger.Adjustment{
		AccountID: id,
		Amount:    req.Amount,
		Currency:  currency,
		Reason:    req.Reason,
		Actor:     actor,
	})
	if err != nil {
		h.fail(w, "Adjustment failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, AdjustmentResponse{
		AccountID: string(id),
		Currency:  string(currency),
		Balance:   balance,
	})
}

// ChangeRole assigns a role.
// PUT /api/accounts/{id}/role
func (h *Handler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	role, err := ledger.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid role", err)
		return
	}

	acct, err := h.Ledger.ChangeRole(r.Context(), actorFrom(r), ledger.AccountID(chi.URLParam(r, "id")), role)
	if err != nil {
		h.fail(w, "Failed to change role", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// CreateBooking requests a booking.
// POST /api/bookings
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid currency", err)
		return
	}
	patient := ledger.AccountID(req.PatientID)
	if patient == "" {
		patient = actor.ID
	}

	b, err := h.Ledger.RequestBooking(r.Context(), actor, ledger.BookingRequest{
		PatientID:   patient,
		ProviderID:  ledger.AccountID(req.ProviderID),
		Price:       req.Price,
		Currency:    currency,
		ServiceName: req.ServiceName,
	})
	if err != nil {
		h.fail(w, "Booking failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

// ListBookings returns bookings, newest first. Non-staff callers only
// see bookings they take part in.
// GET /api/bookings?patient_id=&provider_id=&status=
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	q := r.URL.Query()

	filter := ledger.BookingFilter{
		PatientID:  ledger.AccountID(q.Get("patient_id")),
		ProviderID: ledger.AccountID(q.Get("provider_id")),
	}
	if s := q.Get("status"); s != "" {
		status, err := ledger.ParseBookingStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status", err)
			return
		}
		filter.Status = status
	}

	bookings, err := h.Ledger.ListBookings(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list bookings", err)
		return
	}

	dtos := []BookingDTO{}
	for _, b := range bookings {
		if actor.IsOperator() || isParticipant(actor, b) {
			dtos = append(dtos, toBookingDTO(b))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBooking returns one booking.
// GET /api/bookings/{id}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.GetBooking(r.Context(), ledger.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to get booking", err)
		return
	}
	actor := actorFrom(r)
	if !actor.IsOperator() && !isParticipant(actor, b) {
		writeError(w, http.StatusForbidden, "Not your booking", ledger.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// AcceptBooking settles a pending booking.
// POST /api/bookings/{id}/accept
func (h *Handler) AcceptBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Settle(r.Context(), actorFrom(r), ledger.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to accept booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// RejectBooking rejects a pending booking.
// POST /api/bookings/{id}/reject
func (h *Handler) RejectBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.Ledger.Reject(r.Context(), actorFrom(r), ledger.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to reject booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// =============================================================================
// COMMISSION, LOG, NOTIFICATIONS
// =============================================================================

// GetCommission returns the current commission policy.
// GET /api/commission
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	p, err := h.Ledger.CommissionPolicy(r.Context())
	if err != nil {
		h.fail(w, "Failed to get commission", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(p))
}

// SetCommission changes the rate for future settlements.
// PUT /api/commission
func (h *Handler) SetCommission(w http.ResponseWriter, r *http.Request) {
	var req CommissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Rate == nil {
		writeError(w, http.StatusBadRequest, "rate is required", ledger.ErrInvalidCommissionRate)
		return
	}

	p, err := h.Ledger.SetCommissionRate(r.Context(), actorFrom(r), *req.Rate)
	if err != nil {
		h.fail(w, "Failed to set commission", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(p))
}

// RecentTransactions returns the newest log entries across all accounts.
// GET /api/transactions?limit=100
func (h *Handler) RecentTransactions(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r).IsAdmin() {
		writeError(w, http.StatusForbidden, "ADMIN only", ledger.ErrUnauthorized)
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	txs, err := h.Ledger.RecentTransactions(r.Context(), limit)
	if err != nil {
		h.fail(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// ListNotifications returns the caller's inbox, newest first.
// GET /api/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	if h.Inbox == nil {
		writeJSON(w, http.StatusOK, []notify.Message{})
		return
	}
	writeJSON(w, http.StatusOK, h.Inbox.Messages(actorFrom(r).ID))
}

// ClearNotifications empties the caller's inbox.
// DELETE /api/notifications
func (h *Handler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	if h.Inbox != nil {
		h.Inbox.Clear(actorFrom(r).ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
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
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a ledger or auth error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
		writeError(w, status, message, errors.New("internal error"))
		return
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrNoSession),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidState) && errors.Is(err, ledger.ErrBookingNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState), errors.Is(err, ledger.ErrAccountExists):
		return http.StatusConflict
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrInvalidPhone),
		errors.Is(err, auth.ErrWeakPassword),
		ledger.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func actorFrom(r *http.Request) ledger.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}

func canView(actor ledger.Actor, id ledger.AccountID) bool {
	return actor.ID == id || actor.IsOperator()
}

func isParticipant(actor ledger.Actor, b ledger.Booking) bool {
	return actor.ID == b.PatientID || actor.ID == b.ProviderID
}

func queryLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

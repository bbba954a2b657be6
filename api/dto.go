/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("12.50")
  and decodes from either a string or a number.

VALIDATION:
  Validation is done by the ledger and auth packages, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wusul/settlement-engine/ledger"
)

// =============================================================================
// AUTH
// =============================================================================

type RegisterRequest struct {
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Account   AccountDTO `json:"account"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses. The password hash
// never leaves the server.
type AccountDTO struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Role      string                     `json:"role"`
	Balances  map[string]decimal.Decimal `json:"balances"`
	CreatedAt time.Time                  `json:"created_at"`
}

type AdjustmentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Reason   string          `json:"reason"`
}

type AdjustmentResponse struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
}

type RoleRequest struct {
	Role string `json:"role"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Title           string          `json:"title"`
	BookingID       string          `json:"booking_id,omitempty"`
	PerformedBy     string          `json:"performed_by"`
	PerformedByRole string          `json:"performed_by_role"`
	CreatedAt       time.Time       `json:"created_at"`
}

// =============================================================================
// BOOKINGS
// =============================================================================

type CreateBookingRequest struct {
	PatientID   string          `json:"patient_id,omitempty"` // default: caller
	ProviderID  string          `json:"provider_id"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	ServiceName string          `json:"service_name"`
}

type BookingDTO struct {
	ID             string           `json:"id"`
	PatientID      string           `json:"patient_id"`
	ProviderID     string           `json:"provider_id"`
	Price          decimal.Decimal  `json:"price"`
	Currency       string           `json:"currency"`
	ServiceName    string           `json:"service_name"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	SettledAt      *time.Time       `json:"settled_at,omitempty"`
	CommissionRate *int             `json:"commission_rate,omitempty"`
	Commission     *decimal.Decimal `json:"commission,omitempty"`
	ProviderAmount *decimal.Decimal `json:"provider_amount,omitempty"`
}

// =============================================================================
// COMMISSION
// =============================================================================

type CommissionDTO struct {
	Rate      int        `json:"rate"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
}

type CommissionRequest struct {
	Rate *int `json:"rate"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	balances := make(map[string]decimal.Decimal, len(a.Balances))
	for c, v := range a.Balances {
		balances[string(c)] = v
	}
	return AccountDTO{
		ID:        string(a.ID),
		Name:      a.Name,
		Role:      string(a.Role),
		Balances:  balances,
		CreatedAt: a.CreatedAt,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		AccountID:       string(tx.AccountID),
		Amount:          tx.Amount,
		Currency:        string(tx.Currency),
		Title:           tx.Title,
		BookingID:       string(tx.BookingID),
		PerformedBy:     string(tx.PerformedBy),
		PerformedByRole: string(tx.PerformedByRole),
		CreatedAt:       tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toBookingDTO(b ledger.Booking) BookingDTO {
	dto := BookingDTO{
		ID:          string(b.ID),
		PatientID:   string(b.PatientID),
		ProviderID:  string(b.ProviderID),
		Price:       b.Price,
		Currency:    string(b.Currency),
		ServiceName: b.ServiceName,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
		SettledAt:   b.SettledAt,
	}
	if b.Status == ledger.BookingAccepted {
		rate, commission, providerAmount := b.CommissionRate, b.Commission, b.ProviderAmount
		dto.CommissionRate = &rate
		dto.Commission = &commission
		dto.ProviderAmount = &providerAmount
	}
	return dto
}

func toCommissionDTO(p ledger.CommissionPolicy) CommissionDTO {
	dto := CommissionDTO{Rate: p.Rate, UpdatedBy: string(p.UpdatedBy)}
	if !p.UpdatedAt.IsZero() {
		t := p.UpdatedAt
		dto.UpdatedAt = &t
	}
	return dto
}

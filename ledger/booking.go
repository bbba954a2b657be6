/*
booking.go - Booking lifecycle and settlement

PURPOSE:
  A booking is a paid service request from a patient to a provider.

STATE MACHINE:
  ┌─────────┐  Settle   ┌──────────┐
  │ PENDING │─────────▶ │ ACCEPTED │  money moves
  └─────────┘           └──────────┘
       │
       │ Reject         ┌──────────┐
       └──────────────▶ │ REJECTED │  no money moves
                        └──────────┘

  ACCEPTED and REJECTED are terminal. Every transition is a compare-and-set
  on PENDING, so a booking settles at most once even under concurrency.

SETTLEMENT (one store transaction):
  1. rate           = current commission rate
  2. commission     = price * rate / 100
  3. providerAmount = price - commission
  4. patient  -price           "payment for <service>"
  5. provider +providerAmount  "booking income"
  6. platform +commission      "booking commission"
  7. PENDING -> ACCEPTED

  The three legs sum to zero. A zero leg (rate 0 or 100) is still written,
  so the platform account must resolve even when it earns nothing.
  If any step fails nothing is kept.

REQUEST CHECK:
  RequestBooking checks the patient can pay but holds nothing. Settlement
  checks again and fails with ErrInsufficientFunds if the money is gone.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	TitlePayment    = "payment for "
	TitleIncome     = "booking income"
	TitleCommission = "booking commission"
)

type BookingRequest struct {
	PatientID   AccountID
	ProviderID  AccountID
	Price       decimal.Decimal
	Currency    Currency
	ServiceName string
}

func (r BookingRequest) validate() error {
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidAmount)
	}
	if err := r.Currency.Validate(); err != nil {
		return err
	}
	if r.PatientID == "" || r.ProviderID == "" {
		return fmt.Errorf("%w: patient and provider are required", ErrInvalidBooking)
	}
	if r.PatientID == r.ProviderID {
		return fmt.Errorf("%w: patient and provider must differ", ErrInvalidBooking)
	}
	if strings.TrimSpace(r.ServiceName) == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidBooking)
	}
	return nil
}

// RequestBooking creates a PENDING booking. The actor must be the patient
// or an ADMIN/AGENT acting on the patient's behalf.
func (s *Service) RequestBooking(ctx context.Context, actor Actor, req BookingRequest) (Booking, error) {
	if err := req.validate(); err != nil {
		return Booking{}, err
	}
	if actor.ID != req.PatientID && !actor.IsOperator() {
		return Booking{}, fmt.Errorf("%w: cannot book on behalf of another account", ErrUnauthorized)
	}

	booking := Booking{
		ID:          BookingID(s.newID()),
		PatientID:   req.PatientID,
		ProviderID:  req.ProviderID,
		Price:       req.Price,
		Currency:    req.Currency,
		ServiceName: strings.TrimSpace(req.ServiceName),
		Status:      BookingPending,
		CreatedAt:   s.now(),
	}

	fx := &effects{}
	err := s.store.WithTx(ctx, func(st Store) error {
		patient, err := st.GetAccount(ctx, req.PatientID)
		if err != nil {
			return fmt.Errorf("patient: %w", err)
		}
		if _, err := st.GetAccount(ctx, req.ProviderID); err != nil {
			return fmt.Errorf("provider: %w", err)
		}

		available := patient.Balance(req.Currency)
		if available.LessThan(req.Price) {
			return &InsufficientFundsError{
				AccountID: patient.ID,
				Currency:  req.Currency,
				Available: available,
				Requested: req.Price,
			}
		}

		if err := st.CreateBooking(ctx, booking); err != nil {
			return err
		}
		fx.push(booking)
		fx.notify(Notification{
			AccountID: booking.ProviderID,
			Title:     "New booking request",
			Message:   fmt.Sprintf("%s requested %s for %s %s", booking.PatientID, booking.ServiceName, booking.Price, booking.Currency),
			Category:  CategoryBooking,
		})
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	s.logger.Info("booking requested",
		"booking_id", booking.ID,
		"patient_id", booking.PatientID,
		"provider_id", booking.ProviderID,
		"price", booking.Price.String(),
		"currency", booking.Currency,
	)
	s.flush(ctx, fx)
	return booking, nil
}

// Settle accepts a PENDING booking and moves the money. The actor must be
// the provider or an operator (ADMIN, AGENT, SYSTEM). Every settlement
// writes exactly three legs, a zero one included.
func (s *Service) Settle(ctx context.Context, actor Actor, id BookingID) (Booking, error) {
	fx := &effects{}
	var settled Booking

	err := s.store.WithTx(ctx, func(st Store) error {
		b, err := s.pendingBooking(ctx, st, id)
		if err != nil {
			return err
		}
		if actor.ID != b.ProviderID && !actor.IsOperator() {
			return fmt.Errorf("%w: only the provider may accept this booking", ErrUnauthorized)
		}

		platform, err := s.platformAccount(ctx, st)
		if err != nil {
			return err
		}
		policy, err := st.GetCommissionPolicy(ctx)
		if err != nil {
			return err
		}
		split, err := SplitPrice(b.Price, policy.Rate)
		if err != nil {
			return err
		}

		legs := []Adjustment{
			{AccountID: b.PatientID, Amount: split.Price.Neg(), Reason: TitlePayment + b.ServiceName},
			{AccountID: b.ProviderID, Amount: split.ProviderAmount, Reason: TitleIncome},
			{AccountID: platform, Amount: split.Commission, Reason: TitleCommission},
		}
		for _, leg := range legs {
			leg.Currency = b.Currency
			leg.Actor = SystemActor
			leg.BookingID = b.ID
			if _, err := s.adjust(ctx, st, leg, fx); err != nil {
				return err
			}
		}

		at := s.now()
		err = st.TransitionBooking(ctx, BookingTransition{
			ID:             b.ID,
			From:           BookingPending,
			To:             BookingAccepted,
			SettledAt:      &at,
			CommissionRate: split.Rate,
			Commission:     split.Commission,
			ProviderAmount: split.ProviderAmount,
		})
		if err != nil {
			return s.transitionError(b, err)
		}

		b.Status = BookingAccepted
		b.SettledAt = &at
		b.CommissionRate = split.Rate
		b.Commission = split.Commission
		b.ProviderAmount = split.ProviderAmount
		settled = b

		fx.push(b)
		fx.notify(Notification{
			AccountID: b.PatientID,
			Title:     "Booking accepted",
			Message:   fmt.Sprintf("%s was accepted, %s %s paid", b.ServiceName, b.Price, b.Currency),
			Category:  CategoryBooking,
		})
		fx.notify(Notification{
			AccountID: b.ProviderID,
			Title:     "Booking income",
			Message:   fmt.Sprintf("%s %s received for %s", split.ProviderAmount, b.Currency, b.ServiceName),
			Category:  CategoryWallet,
		})
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	s.logger.Info("booking settled",
		"booking_id", settled.ID,
		"price", settled.Price.String(),
		"commission", settled.Commission.String(),
		"provider_amount", settled.ProviderAmount.String(),
		"rate", settled.CommissionRate,
		"by", actor.ID,
	)
	s.flush(ctx, fx)
	return settled, nil
}

// Reject closes a PENDING booking without moving money. The actor must be
// the provider or an operator.
func (s *Service) Reject(ctx context.Context, actor Actor, id BookingID) (Booking, error) {
	fx := &effects{}
	var rejected Booking

	err := s.store.WithTx(ctx, func(st Store) error {
		b, err := s.pendingBooking(ctx, st, id)
		if err != nil {
			return err
		}
		if actor.ID != b.ProviderID && !actor.IsOperator() {
			return fmt.Errorf("%w: only the provider may reject this booking", ErrUnauthorized)
		}

		err = st.TransitionBooking(ctx, BookingTransition{ID: b.ID, From: BookingPending, To: BookingRejected})
		if err != nil {
			return s.transitionError(b, err)
		}

		b.Status = BookingRejected
		rejected = b
		fx.push(b)
		fx.notify(Notification{
			AccountID: b.PatientID,
			Title:     "Booking rejected",
			Message:   fmt.Sprintf("%s was rejected, nothing was charged", b.ServiceName),
			Category:  CategoryBooking,
		})
		return nil
	})
	if err != nil {
		return Booking{}, err
	}

	s.logger.Info("booking rejected", "booking_id", rejected.ID, "by", actor.ID)
	s.flush(ctx, fx)
	return rejected, nil
}

func (s *Service) GetBooking(ctx context.Context, id BookingID) (Booking, error) {
	return s.store.GetBooking(ctx, id)
}

func (s *Service) ListBookings(ctx context.Context, f BookingFilter) ([]Booking, error) {
	return s.store.ListBookings(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

// pendingBooking loads a booking that is still open for a transition.
func (s *Service) pendingBooking(ctx context.Context, st Store, id BookingID) (Booking, error) {
	b, err := st.GetBooking(ctx, id)
	if errors.Is(err, ErrBookingNotFound) {
		return Booking{}, &InvalidStateError{BookingID: id, Want: BookingPending, Cause: ErrBookingNotFound}
	}
	if err != nil {
		return Booking{}, err
	}
	if !b.IsPending() {
		return Booking{}, &InvalidStateError{BookingID: id, Current: b.Status, Want: BookingPending}
	}
	return b, nil
}

// transitionError reports a lost compare-and-set as InvalidState.
func (s *Service) transitionError(b Booking, err error) error {
	if errors.Is(err, ErrInvalidState) {
		current := b.Status
		var ise *InvalidStateError
		if errors.As(err, &ise) && ise.Current != "" {
			current = ise.Current
		}
		return &InvalidStateError{BookingID: b.ID, Current: current, Want: BookingPending}
	}
	return err
}

// platformAccount resolves the commission recipient: the configured
// account, else the first ADMIN.
func (s *Service) platformAccount(ctx context.Context, st Store) (AccountID, error) {
	if s.platform != "" {
		return s.platform, nil
	}
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if a.Role == RoleAdmin {
			return a.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no platform account configured", ErrAccountNotFound)
}

package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMMISSION SPLIT
// =============================================================================

// Split is the division of a booking price between provider and platform.
// Price == Commission + ProviderAmount holds exactly.
type Split struct {
	Price          decimal.Decimal
	Rate           int
	Commission     decimal.Decimal
	ProviderAmount decimal.Decimal
}

// SplitPrice computes commission = price * rate / 100 without rounding.
func SplitPrice(price decimal.Decimal, rate int) (Split, error) {
	if rate < 0 || rate > 100 {
		return Split{}, fmt.Errorf("%w: got %d", ErrInvalidCommissionRate, rate)
	}
	if !price.IsPositive() {
		return Split{}, fmt.Errorf("%w: price must be positive", ErrInvalidAmount)
	}
	commission := price.Mul(decimal.NewFromInt(int64(rate))).Shift(-2)
	return Split{
		Price:          price,
		Rate:           rate,
		Commission:     commission,
		ProviderAmount: price.Sub(commission),
	}, nil
}

// =============================================================================
// COMMISSION POLICY
// =============================================================================

func (s *Service) CommissionPolicy(ctx context.Context) (CommissionPolicy, error) {
	return s.store.GetCommissionPolicy(ctx)
}

// SetCommissionRate changes the rate applied to future settlements.
// Bookings already accepted keep the rate they were settled with.
func (s *Service) SetCommissionRate(ctx context.Context, actor Actor, rate int) (CommissionPolicy, error) {
	if !actor.IsAdmin() {
		return CommissionPolicy{}, fmt.Errorf("%w: only ADMIN may set the commission rate", ErrUnauthorized)
	}
	if rate < 0 || rate > 100 {
		return CommissionPolicy{}, fmt.Errorf("%w: got %d", ErrInvalidCommissionRate, rate)
	}

	policy := CommissionPolicy{Rate: rate, UpdatedAt: s.now(), UpdatedBy: actor.ID}
	err := s.store.WithTx(ctx, func(st Store) error {
		return st.SaveCommissionPolicy(ctx, policy)
	})
	if err != nil {
		return CommissionPolicy{}, err
	}

	s.logger.Info("commission rate changed", "rate", rate, "by", actor.ID)
	s.flush(ctx, &effects{entities: []Entity{policy}})
	return policy, nil
}

package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wusul/settlement-engine/ledger"
	"github.com/wusul/settlement-engine/ledger/store"
	"github.com/wusul/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	adminID   ledger.AccountID = "963900000000"
	patientID ledger.AccountID = "963911111111"
	doctorID  ledger.AccountID = "963922222222"
	otherID   ledger.AccountID = "963933333333"
	agentID   ledger.AccountID = "963944444444"
)

var (
	admin   = ledger.Actor{ID: adminID, Role: ledger.RoleAdmin}
	patient = ledger.Actor{ID: patientID, Role: ledger.RoleUser}
	doctor  = ledger.Actor{ID: doctorID, Role: ledger.RoleDoctor}
	other   = ledger.Actor{ID: otherID, Role: ledger.RoleDoctor}
	agent   = ledger.Actor{ID: agentID, Role: ledger.RoleAgent}
)

// forEachStore runs fn against the in-memory and the SQLite store.
func forEachStore(t *testing.T, fn func(t *testing.T, st ledger.TxStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewTxMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		fn(t, st)
	})
}

// newMarketplace opens admin, patient, doctor, other and agent accounts.
func newMarketplace(t *testing.T, st ledger.TxStore, opts ...ledger.Option) *ledger.Service {
	t.Helper()
	svc := ledger.NewService(st, opts...)
	ctx := context.Background()

	accounts := []ledger.NewAccount{
		{ID: adminID, Name: "Platform", Role: ledger.RoleAdmin},
		{ID: patientID, Name: "Patient", Role: ledger.RoleUser},
		{ID: doctorID, Name: "Doctor", Role: ledger.RoleDoctor},
		{ID: otherID, Name: "Other Doctor", Role: ledger.RoleDoctor},
		{ID: agentID, Name: "Agent", Role: ledger.RoleAgent},
	}
	for _, na := range accounts {
		_, err := svc.OpenAccount(ctx, na)
		require.NoError(t, err)
	}
	return svc
}

func credit(t *testing.T, svc *ledger.Service, id ledger.AccountID, amount string, c ledger.Currency) {
	t.Helper()
	_, err := svc.AdjustBalance(context.Background(), ledger.Adjustment{
		AccountID: id,
		Amount:    decimal.RequireFromString(amount),
		Currency:  c,
		Reason:    "top-up",
		Actor:     admin,
	})
	require.NoError(t, err)
}

func book(t *testing.T, svc *ledger.Service, price string, c ledger.Currency) ledger.Booking {
	t.Helper()
	b, err := svc.RequestBooking(context.Background(), patient, ledger.BookingRequest{
		PatientID:   patientID,
		ProviderID:  doctorID,
		Price:       decimal.RequireFromString(price),
		Currency:    c,
		ServiceName: "checkup",
	})
	require.NoError(t, err)
	return b
}

func balance(t *testing.T, svc *ledger.Service, id ledger.AccountID, c ledger.Currency) decimal.Decimal {
	t.Helper()
	acct, err := svc.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance(c)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got.String())
}

func history(t *testing.T, svc *ledger.Service, id ledger.AccountID) []ledger.Transaction {
	t.Helper()
	txs, err := svc.History(context.Background(), id, 0)
	require.NoError(t, err)
	return txs
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestSettle_SplitsPriceBetweenProviderAndPlatform(t *testing.T) {
	// GIVEN: Patient has 100 USD, commission rate is the default 10%
	// WHEN: Patient books a 50 USD checkup and the doctor accepts it
	// THEN: Patient 50, doctor 45, platform 5, booking ACCEPTED

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)

		b := book(t, svc, "50", ledger.CurrencyUSD)
		assert.Equal(t, ledger.BookingPending, b.Status)

		settled, err := svc.Settle(ctx, doctor, b.ID)
		require.NoError(t, err)

		assert.Equal(t, ledger.BookingAccepted, settled.Status)
		assert.Equal(t, 10, settled.CommissionRate)
		assertAmount(t, "5", settled.Commission)
		assertAmount(t, "45", settled.ProviderAmount)
		require.NotNil(t, settled.SettledAt)

		assertAmount(t, "50", balance(t, svc, patientID, ledger.CurrencyUSD))
		assertAmount(t, "45", balance(t, svc, doctorID, ledger.CurrencyUSD))
		assertAmount(t, "5", balance(t, svc, adminID, ledger.CurrencyUSD))

		stored, err := svc.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.BookingAccepted, stored.Status)
		assertAmount(t, "5", stored.Commission)
		assertAmount(t, "45", stored.ProviderAmount)
	})
}

func TestRequestBooking_InsufficientFunds_NoBooking(t *testing.T) {
	// GIVEN: Patient has 30 USD
	// WHEN: Patient books a 50 USD service
	// THEN: InsufficientFunds, no booking is created

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "30", ledger.CurrencyUSD)

		_, err := svc.RequestBooking(ctx, patient, ledger.BookingRequest{
			PatientID:   patientID,
			ProviderID:  doctorID,
			Price:       decimal.NewFromInt(50),
			Currency:    ledger.CurrencyUSD,
			ServiceName: "checkup",
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		var ife *ledger.InsufficientFundsError
		require.ErrorAs(t, err, &ife)
		assertAmount(t, "20", ife.Shortfall())

		bookings, err := svc.ListBookings(ctx, ledger.BookingFilter{})
		require.NoError(t, err)
		assert.Empty(t, bookings)
	})
}

func TestSettle_AlreadyAccepted_InvalidState(t *testing.T) {
	// GIVEN: A 50 USD booking settled at 10%
	// WHEN: Settle is called again
	// THEN: InvalidState, balances unchanged

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)
		b := book(t, svc, "50", ledger.CurrencyUSD)
		_, err := svc.Settle(ctx, doctor, b.ID)
		require.NoError(t, err)
		logLen := len(history(t, svc, patientID))

		_, err = svc.Settle(ctx, doctor, b.ID)

		assert.ErrorIs(t, err, ledger.ErrInvalidState)
		var ise *ledger.InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, ledger.BookingAccepted, ise.Current)

		assertAmount(t, "50", balance(t, svc, patientID, ledger.CurrencyUSD))
		assertAmount(t, "45", balance(t, svc, doctorID, ledger.CurrencyUSD))
		assertAmount(t, "5", balance(t, svc, adminID, ledger.CurrencyUSD))
		assert.Len(t, history(t, svc, patientID), logLen)
	})
}

func TestReject_NoMoneyMoves(t *testing.T) {
	// GIVEN: A PENDING booking
	// WHEN: The doctor rejects it
	// THEN: Status REJECTED, no new log entries

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)
		b := book(t, svc, "50", ledger.CurrencyUSD)

		before, err := svc.RecentTransactions(ctx, 0)
		require.NoError(t, err)

		rejected, err := svc.Reject(ctx, doctor, b.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.BookingRejected, rejected.Status)

		after, err := svc.RecentTransactions(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, after, len(before))
		assertAmount(t, "100", balance(t, svc, patientID, ledger.CurrencyUSD))
	})
}

func TestTerminalStates_NoFurtherTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)

		accepted := book(t, svc, "10", ledger.CurrencyUSD)
		_, err := svc.Settle(ctx, doctor, accepted.ID)
		require.NoError(t, err)
		rejected := book(t, svc, "10", ledger.CurrencyUSD)
		_, err = svc.Reject(ctx, doctor, rejected.ID)
		require.NoError(t, err)

		_, err = svc.Reject(ctx, doctor, accepted.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidState, "ACCEPTED cannot be rejected")
		_, err = svc.Settle(ctx, doctor, rejected.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidState, "REJECTED cannot be settled")
		_, err = svc.Reject(ctx, doctor, rejected.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidState, "REJECTED cannot be rejected again")

		assertAmount(t, "90", balance(t, svc, patientID, ledger.CurrencyUSD))
	})
}

func TestSettle_UnknownBooking_InvalidStateAndNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)

		_, err := svc.Settle(context.Background(), admin, "missing")

		assert.ErrorIs(t, err, ledger.ErrInvalidState)
		assert.ErrorIs(t, err, ledger.ErrBookingNotFound)
	})
}

// =============================================================================
// CONSERVATION AND COMMISSION
// =============================================================================

func TestSettle_ConservesMoney(t *testing.T) {
	// GIVEN: Prices with awkward fractions and several rates
	// WHEN: Each booking is settled
	// THEN: The three legs sum to zero and price == commission + provider amount

	cases := []struct {
		price string
		rate  int
	}{
		{"50", 10},
		{"33.33", 7},
		{"0.01", 15},
		{"99999.99", 33},
		{"12.5", 50},
	}

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "1000000", ledger.CurrencyUSD)

		for _, tc := range cases {
			_, err := svc.SetCommissionRate(ctx, admin, tc.rate)
			require.NoError(t, err)

			b := book(t, svc, tc.price, ledger.CurrencyUSD)
			settled, err := svc.Settle(ctx, doctor, b.ID)
			require.NoError(t, err)

			assert.True(t, settled.Price.Equal(settled.Commission.Add(settled.ProviderAmount)),
				"price %s rate %d", tc.price, tc.rate)

			legs := decimal.Zero
			for tx, err := range svc.Transactions(ctx, "") {
				require.NoError(t, err)
				if tx.BookingID == b.ID {
					legs = legs.Add(tx.Amount)
				}
			}
			assert.True(t, legs.IsZero(), "legs of %s sum to %s", b.ID, legs)
		}

		total := balance(t, svc, patientID, ledger.CurrencyUSD).
			Add(balance(t, svc, doctorID, ledger.CurrencyUSD)).
			Add(balance(t, svc, adminID, ledger.CurrencyUSD))
		assertAmount(t, "1000000", total)
	})
}

func TestSettle_UsesRateAtSettlementTime(t *testing.T) {
	// GIVEN: A booking requested at 10%
	// WHEN: ADMIN changes the rate to 20% before it is accepted
	// THEN: The booking settles at 20%; an earlier settlement keeps 10%

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "500", ledger.CurrencyUSD)

		first := book(t, svc, "100", ledger.CurrencyUSD)
		_, err := svc.Settle(ctx, doctor, first.ID)
		require.NoError(t, err)

		second := book(t, svc, "100", ledger.CurrencyUSD)
		_, err = svc.SetCommissionRate(ctx, admin, 20)
		require.NoError(t, err)

		settled, err := svc.Settle(ctx, doctor, second.ID)
		require.NoError(t, err)
		assert.Equal(t, 20, settled.CommissionRate)
		assertAmount(t, "20", settled.Commission)

		earlier, err := svc.GetBooking(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 10, earlier.CommissionRate)
		assertAmount(t, "10", earlier.Commission)
	})
}

func TestSettle_ZeroLegsAreWritten(t *testing.T) {
	// GIVEN: A commission rate at either end of 0..100
	// WHEN: A 40 USD booking is settled
	// THEN: Three legs are logged, the empty side with a zero amount

	cases := []struct {
		name      string
		rate      int
		provider  string
		platform  string
		zeroTitle string
	}{
		{name: "rate 0", rate: 0, provider: "40", platform: "0", zeroTitle: ledger.TitleCommission},
		{name: "rate 100", rate: 100, provider: "0", platform: "40", zeroTitle: ledger.TitleIncome},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st ledger.TxStore) {
				svc := newMarketplace(t, st)
				ctx := context.Background()
				credit(t, svc, patientID, "40", ledger.CurrencyUSD)
				_, err := svc.SetCommissionRate(ctx, admin, tc.rate)
				require.NoError(t, err)

				b := book(t, svc, "40", ledger.CurrencyUSD)
				_, err = svc.Settle(ctx, doctor, b.ID)
				require.NoError(t, err)

				var legs []ledger.Transaction
				for tx, err := range svc.Transactions(ctx, "") {
					require.NoError(t, err)
					if tx.BookingID == b.ID {
						legs = append(legs, tx)
					}
				}
				require.Len(t, legs, 3)
				var zero []string
				for _, leg := range legs {
					assert.Equal(t, ledger.SystemActor.ID, leg.PerformedBy)
					if leg.Amount.IsZero() {
						zero = append(zero, leg.Title)
					}
				}
				assert.Equal(t, []string{tc.zeroTitle}, zero)
				assert.Len(t, history(t, svc, doctorID), 1)
				assert.Len(t, history(t, svc, adminID), 1)
				assertAmount(t, tc.provider, balance(t, svc, doctorID, ledger.CurrencyUSD))
				assertAmount(t, tc.platform, balance(t, svc, adminID, ledger.CurrencyUSD))
			})
		})
	}
}

func TestSettle_LegTitles(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)
		b := book(t, svc, "50", ledger.CurrencyUSD)
		_, err := svc.Settle(context.Background(), doctor, b.ID)
		require.NoError(t, err)

		p := history(t, svc, patientID)
		require.NotEmpty(t, p)
		assert.Equal(t, ledger.TitlePayment+"checkup", p[0].Title)
		assertAmount(t, "-50", p[0].Amount)
		assert.True(t, p[0].IsDebit())

		d := history(t, svc, doctorID)
		require.Len(t, d, 1)
		assert.Equal(t, ledger.TitleIncome, d[0].Title)
		assert.Equal(t, b.ID, d[0].BookingID)

		a := history(t, svc, adminID)
		require.Len(t, a, 1)
		assert.Equal(t, ledger.TitleCommission, a[0].Title)
	})
}

func TestSettle_MultiCurrency_TouchesOnlyBookingCurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		credit(t, svc, patientID, "20", ledger.CurrencyUSD)
		credit(t, svc, patientID, "100000", ledger.CurrencySYP)

		b := book(t, svc, "50000", ledger.CurrencySYP)
		_, err := svc.Settle(context.Background(), doctor, b.ID)
		require.NoError(t, err)

		assertAmount(t, "20", balance(t, svc, patientID, ledger.CurrencyUSD))
		assertAmount(t, "50000", balance(t, svc, patientID, ledger.CurrencySYP))
		assertAmount(t, "45000", balance(t, svc, doctorID, ledger.CurrencySYP))
		assertAmount(t, "0", balance(t, svc, doctorID, ledger.CurrencyUSD))
	})
}

func TestSettle_FundsGoneSinceRequest_RollsBack(t *testing.T) {
	// GIVEN: A booking requested while the patient could pay
	// WHEN: The patient spends the money, then the doctor accepts
	// THEN: InsufficientFunds, booking stays PENDING, nobody is credited

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "50", ledger.CurrencyUSD)
		b := book(t, svc, "50", ledger.CurrencyUSD)

		_, err := svc.AdjustBalance(ctx, ledger.Adjustment{
			AccountID: patientID,
			Amount:    decimal.NewFromInt(-30),
			Currency:  ledger.CurrencyUSD,
			Reason:    "withdrawal",
			Actor:     patient,
		})
		require.NoError(t, err)

		_, err = svc.Settle(ctx, doctor, b.ID)
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		stored, err := svc.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.BookingPending, stored.Status)
		assertAmount(t, "20", balance(t, svc, patientID, ledger.CurrencyUSD))
		assertAmount(t, "0", balance(t, svc, doctorID, ledger.CurrencyUSD))
		assertAmount(t, "0", balance(t, svc, adminID, ledger.CurrencyUSD))
	})
}

func TestSettle_NoPlatformAccount_RollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := ledger.NewService(st)
		ctx := context.Background()
		for _, na := range []ledger.NewAccount{
			{ID: patientID, Role: ledger.RoleUser},
			{ID: doctorID, Role: ledger.RoleDoctor},
			{ID: agentID, Role: ledger.RoleAgent},
		} {
			_, err := svc.OpenAccount(ctx, na)
			require.NoError(t, err)
		}
		_, err := svc.AdjustBalance(ctx, ledger.Adjustment{
			AccountID: patientID, Amount: decimal.NewFromInt(50),
			Currency: ledger.CurrencyUSD, Reason: "top-up", Actor: agent,
		})
		require.NoError(t, err)
		b := book(t, svc, "50", ledger.CurrencyUSD)

		_, err = svc.Settle(ctx, doctor, b.ID)

		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		assertAmount(t, "50", balance(t, svc, patientID, ledger.CurrencyUSD))
		stored, err := svc.GetBooking(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.BookingPending, stored.Status)
	})
}

func TestSettle_ZeroCommissionStillNeedsPlatformAccount(t *testing.T) {
	// GIVEN: No ADMIN account, no configured platform account, rate 0
	// WHEN: The doctor accepts a booking
	// THEN: AccountNotFound, because the zero commission leg has no recipient

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := ledger.NewService(st)
		ctx := context.Background()
		for _, na := range []ledger.NewAccount{
			{ID: patientID, Role: ledger.RoleUser},
			{ID: doctorID, Role: ledger.RoleDoctor},
		} {
			_, err := svc.OpenAccount(ctx, na)
			require.NoError(t, err)
		}
		_, err := svc.SetCommissionRate(ctx, ledger.SystemActor, 0)
		require.NoError(t, err)
		_, err = svc.AdjustBalance(ctx, ledger.Adjustment{
			AccountID: patientID, Amount: decimal.NewFromInt(50),
			Currency: ledger.CurrencyUSD, Reason: "top-up", Actor: ledger.SystemActor,
		})
		require.NoError(t, err)
		b := book(t, svc, "50", ledger.CurrencyUSD)

		_, err = svc.Settle(ctx, doctor, b.ID)

		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		assertAmount(t, "50", balance(t, svc, patientID, ledger.CurrencyUSD))
		assertAmount(t, "0", balance(t, svc, doctorID, ledger.CurrencyUSD))
	})
}

func TestSettle_ConfiguredPlatformAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st, ledger.WithPlatformAccount(agentID))
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)
		b := book(t, svc, "100", ledger.CurrencyUSD)

		_, err := svc.Settle(context.Background(), doctor, b.ID)
		require.NoError(t, err)

		assertAmount(t, "10", balance(t, svc, agentID, ledger.CurrencyUSD))
		assertAmount(t, "0", balance(t, svc, adminID, ledger.CurrencyUSD))
	})
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestSettle_Authorization(t *testing.T) {
	cases := []struct {
		name  string
		actor ledger.Actor
		ok    bool
	}{
		{"provider", doctor, true},
		{"admin", admin, true},
		{"system", ledger.SystemActor, true},
		{"patient", patient, false},
		{"other provider", other, false},
		{"agent", agent, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st ledger.TxStore) {
				svc := newMarketplace(t, st)
				ctx := context.Background()
				credit(t, svc, patientID, "50", ledger.CurrencyUSD)
				b := book(t, svc, "50", ledger.CurrencyUSD)

				_, settleErr := svc.Settle(ctx, tc.actor, b.ID)
				_, rejectErr := svc.Reject(ctx, tc.actor, b.ID)

				if tc.ok {
					assert.NoError(t, settleErr)
					assert.ErrorIs(t, rejectErr, ledger.ErrInvalidState)
					return
				}
				assert.ErrorIs(t, settleErr, ledger.ErrUnauthorized)
				assert.ErrorIs(t, rejectErr, ledger.ErrUnauthorized)
				assertAmount(t, "50", balance(t, svc, patientID, ledger.CurrencyUSD))
			})
		})
	}
}

func TestAdjustBalance_Authorization(t *testing.T) {
	cases := []struct {
		name    string
		actor   ledger.Actor
		amount  string
		reason  string
		wantErr error
	}{
		{"admin credit", admin, "10", "top-up", nil},
		{"agent credit", agent, "10", "cash deposit", nil},
		{"system credit", ledger.SystemActor, "10", "booking income", nil},
		{"user credit", patient, "10", "gift", ledger.ErrUnauthorized},
		{"doctor credit", doctor, "10", "gift", ledger.ErrUnauthorized},
		{"user debit with reason", patient, "-10", "withdrawal", nil},
		{"user debit without reason", patient, "-10", "  ", ledger.ErrUnauthorized},
		{"zero amount", admin, "0", "noop", ledger.ErrInvalidAmount},
		{"system zero amount", ledger.SystemActor, "0", "booking commission", nil},
		{"overdraft", patient, "-1000", "withdrawal", ledger.ErrInsufficientFunds},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, st ledger.TxStore) {
				svc := newMarketplace(t, st)
				credit(t, svc, patientID, "50", ledger.CurrencyUSD)

				_, err := svc.AdjustBalance(context.Background(), ledger.Adjustment{
					AccountID: patientID,
					Amount:    decimal.RequireFromString(tc.amount),
					Currency:  ledger.CurrencyUSD,
					Reason:    tc.reason,
					Actor:     tc.actor,
				})

				if tc.wantErr == nil {
					assert.NoError(t, err)
					return
				}
				assert.ErrorIs(t, err, tc.wantErr)
				assertAmount(t, "50", balance(t, svc, patientID, ledger.CurrencyUSD))
				assert.Len(t, history(t, svc, patientID), 1)
			})
		})
	}
}

func TestRequestBooking_OnBehalfOfPatient(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()
		credit(t, svc, patientID, "50", ledger.CurrencyUSD)
		req := ledger.BookingRequest{
			PatientID:   patientID,
			ProviderID:  doctorID,
			Price:       decimal.NewFromInt(10),
			Currency:    ledger.CurrencyUSD,
			ServiceName: "checkup",
		}

		_, err := svc.RequestBooking(ctx, agent, req)
		assert.NoError(t, err, "AGENT may book for a patient")

		_, err = svc.RequestBooking(ctx, other, req)
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	})
}

func TestRequestBooking_Validation(t *testing.T) {
	valid := ledger.BookingRequest{
		PatientID:   patientID,
		ProviderID:  doctorID,
		Price:       decimal.NewFromInt(10),
		Currency:    ledger.CurrencyUSD,
		ServiceName: "checkup",
	}
	cases := []struct {
		name    string
		mutate  func(r *ledger.BookingRequest)
		wantErr error
	}{
		{"zero price", func(r *ledger.BookingRequest) { r.Price = decimal.Zero }, ledger.ErrInvalidAmount},
		{"negative price", func(r *ledger.BookingRequest) { r.Price = decimal.NewFromInt(-1) }, ledger.ErrInvalidAmount},
		{"unknown currency", func(r *ledger.BookingRequest) { r.Currency = "usd" }, ledger.ErrInvalidCurrency},
		{"self booking", func(r *ledger.BookingRequest) { r.ProviderID = patientID }, ledger.ErrInvalidBooking},
		{"no service", func(r *ledger.BookingRequest) { r.ServiceName = " " }, ledger.ErrInvalidBooking},
		{"unknown provider", func(r *ledger.BookingRequest) { r.ProviderID = "963999999999" }, ledger.ErrAccountNotFound},
	}

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		credit(t, svc, patientID, "50", ledger.CurrencyUSD)

		for _, tc := range cases {
			req := valid
			tc.mutate(&req)
			_, err := svc.RequestBooking(context.Background(), patient, req)
			assert.ErrorIs(t, err, tc.wantErr, tc.name)
		}
	})
}

func TestChangeRole_AdminOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()

		_, err := svc.ChangeRole(ctx, agent, patientID, ledger.RoleAgent)
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)

		acct, err := svc.ChangeRole(ctx, admin, patientID, ledger.RoleAgent)
		require.NoError(t, err)
		assert.Equal(t, ledger.RoleAgent, acct.Role)

		_, err = svc.ChangeRole(ctx, admin, patientID, "WIZARD")
		assert.ErrorIs(t, err, ledger.ErrInvalidRole)

		_, err = svc.ChangeRole(ctx, admin, "963999999999", ledger.RoleDoctor)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})
}

func TestSetCommissionRate(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		ctx := context.Background()

		p, err := svc.CommissionPolicy(ctx)
		require.NoError(t, err)
		assert.Equal(t, ledger.DefaultCommissionRate, p.Rate)

		_, err = svc.SetCommissionRate(ctx, doctor, 5)
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
		_, err = svc.SetCommissionRate(ctx, admin, 101)
		assert.ErrorIs(t, err, ledger.ErrInvalidCommissionRate)
		_, err = svc.SetCommissionRate(ctx, admin, -1)
		assert.ErrorIs(t, err, ledger.ErrInvalidCommissionRate)

		_, err = svc.SetCommissionRate(ctx, admin, 12)
		require.NoError(t, err)
		p, err = svc.CommissionPolicy(ctx)
		require.NoError(t, err)
		assert.Equal(t, 12, p.Rate)
		assert.Equal(t, adminID, p.UpdatedBy)
	})
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestOpenAccount_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)

		_, err := svc.OpenAccount(context.Background(), ledger.NewAccount{ID: patientID})
		assert.ErrorIs(t, err, ledger.ErrAccountExists)

		_, err = svc.OpenAccount(context.Background(), ledger.NewAccount{ID: " "})
		assert.ErrorIs(t, err, ledger.ErrInvalidAccount)
	})
}

func TestOpenAccount_DefaultsToUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := ledger.NewService(st)

		acct, err := svc.OpenAccount(context.Background(), ledger.NewAccount{ID: patientID, Name: " Lina "})
		require.NoError(t, err)
		assert.Equal(t, ledger.RoleUser, acct.Role)
		assert.Equal(t, "Lina", acct.Name)
		assert.Empty(t, acct.Balances)
	})
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func TestTransactionLog_AppendOnlyNewestFirst(t *testing.T) {
	// GIVEN: N adjustments on one account
	// WHEN: Reading the history
	// THEN: Exactly N entries, newest first, seq strictly decreasing

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		amounts := []string{"1", "2", "3", "4", "5", "6", "7"}
		for _, a := range amounts {
			credit(t, svc, patientID, a, ledger.CurrencyUSD)
		}

		txs := history(t, svc, patientID)
		require.Len(t, txs, len(amounts))
		for i, tx := range txs {
			assertAmount(t, amounts[len(amounts)-1-i], tx.Amount)
			assert.Equal(t, patientID, tx.AccountID)
			assert.Equal(t, adminID, tx.PerformedBy)
			assert.Equal(t, ledger.RoleAdmin, tx.PerformedByRole)
			if i > 0 {
				assert.Less(t, tx.Seq, txs[i-1].Seq)
			}
		}
	})
}

func TestTransactions_Pagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st, ledger.WithTransactionPageSize(2))
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			credit(t, svc, patientID, decimal.NewFromInt(int64(i)).String(), ledger.CurrencyUSD)
			credit(t, svc, doctorID, "100", ledger.CurrencyUSD)
		}

		var seen []ledger.Transaction
		for tx, err := range svc.Transactions(ctx, patientID) {
			require.NoError(t, err)
			seen = append(seen, tx)
		}
		require.Len(t, seen, 5)
		assertAmount(t, "5", seen[0].Amount)
		assertAmount(t, "1", seen[4].Amount)

		limited, err := svc.History(ctx, patientID, 3)
		require.NoError(t, err)
		assert.Len(t, limited, 3)

		all, err := svc.RecentTransactions(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 10)
	})
}

func TestHistory_UnknownAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)

		_, err := svc.History(context.Background(), "963999999999", 10)
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestSettle_Concurrent_SettlesOnce(t *testing.T) {
	// GIVEN: One PENDING booking
	// WHEN: Many goroutines settle it at once
	// THEN: Exactly one succeeds, money moves once

	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)
		b := book(t, svc, "50", ledger.CurrencyUSD)

		const workers = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Settle(context.Background(), doctor, b.ID)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ledger.ErrInvalidState)
		}
		assert.Equal(t, 1, succeeded)
		assertAmount(t, "50", balance(t, svc, patientID, ledger.CurrencyUSD))
		assertAmount(t, "45", balance(t, svc, doctorID, ledger.CurrencyUSD))
	})
}

func TestAdjustBalance_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		credit(t, svc, patientID, "10", ledger.CurrencyUSD)

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.AdjustBalance(context.Background(), ledger.Adjustment{
					AccountID: patientID,
					Amount:    decimal.NewFromInt(-1),
					Currency:  ledger.CurrencyUSD,
					Reason:    "purchase",
					Actor:     patient,
				})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 10, ok)
		assertAmount(t, "0", balance(t, svc, patientID, ledger.CurrencyUSD))
	})
}

// =============================================================================
// ROLLBACK
// =============================================================================

// failingStore fails TransitionBooking inside transactions, after the
// settlement legs have been written.
type failingStore struct {
	ledger.TxStore
}

func (f failingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxStore.WithTx(ctx, func(st ledger.Store) error {
		return fn(failingView{Store: st})
	})
}

type failingView struct {
	ledger.Store
}

func (failingView) TransitionBooking(context.Context, ledger.BookingTransition) error {
	return ledger.WrapPersistence("transition booking", errors.New("disk full"))
}

func TestSettle_StoreFailure_RollsBackEveryLeg(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)
		b := book(t, svc, "50", ledger.CurrencyUSD)

		faulty := ledger.NewService(failingStore{TxStore: st})
		_, err := faulty.Settle(context.Background(), doctor, b.ID)

		assert.ErrorIs(t, err, ledger.ErrPersistenceFailure)
		assertAmount(t, "100", balance(t, svc, patientID, ledger.CurrencyUSD))
		assertAmount(t, "0", balance(t, svc, doctorID, ledger.CurrencyUSD))
		assertAmount(t, "0", balance(t, svc, adminID, ledger.CurrencyUSD))
		assert.Len(t, history(t, svc, patientID), 1)
		assert.Empty(t, history(t, svc, doctorID))

		stored, err := svc.GetBooking(context.Background(), b.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.BookingPending, stored.Status)
	})
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func TestSnapshot_ContainsEveryEntity(t *testing.T) {
	forEachStore(t, func(t *testing.T, st ledger.TxStore) {
		svc := newMarketplace(t, st)
		credit(t, svc, patientID, "100", ledger.CurrencyUSD)
		b := book(t, svc, "50", ledger.CurrencyUSD)
		_, err := svc.Settle(context.Background(), doctor, b.ID)
		require.NoError(t, err)

		entities, err := svc.Snapshot(context.Background())
		require.NoError(t, err)

		counts := map[ledger.EntityType]int{}
		for _, e := range entities {
			counts[e.EntityType()]++
		}
		assert.Equal(t, 5, counts[ledger.EntityAccount])
		assert.Equal(t, 1, counts[ledger.EntityBooking])
		assert.Equal(t, 4, counts[ledger.EntityTransaction])
		assert.Equal(t, 1, counts[ledger.EntityCommissionPolicy])
	})
}

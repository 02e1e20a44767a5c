package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/metrics"
)

var t0 = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestLedger() (*Ledger, *MemoryStore, *time.Time) {
	store := NewMemoryStore()
	now := t0
	l := New(store).WithClock(func() time.Time { return now })
	return l, store, &now
}

func rentalCharge(bookingID string, amount int64, rate feepolicy.Rate, plan feepolicy.Plan) Charge {
	fee, _ := feepolicy.ApplicationFee(amount, rate, nil)
	return Charge{
		BookingID:          bookingID,
		TenantID:           "t1",
		ChargeType:         ChargeRental,
		FeeCents:           fee,
		Rate:               rate,
		Plan:               plan,
		BookingAmountCents: amount,
		Currency:           "USD",
		PaymentIntentID:    "pi_" + bookingID,
	}
}

func TestRecordCharge_Once(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	e, err := l.RecordCharge(ctx, rentalCharge("bk1", 100000, 700, feepolicy.PlanPerformance))
	require.NoError(t, err)
	assert.Equal(t, int64(7000), e.ApplicationFeeCents)
	assert.Equal(t, "usd", e.Currency)
	assert.Equal(t, feepolicy.PlanPerformance, e.PlanSnapshot)
	assert.Contains(t, e.ID, "fee_")

	_, err = l.RecordCharge(ctx, rentalCharge("bk1", 100000, 700, feepolicy.PlanPerformance))
	assert.True(t, errors.Is(err, ErrDuplicateCharge))
	assert.True(t, errors.Is(err, apperr.Duplicate))

	_, err = l.RecordCharge(ctx, Charge{BookingID: "bk1", TenantID: "t1", ChargeType: ChargeDeposit, FeeCents: 10, BookingAmountCents: 500})
	assert.NoError(t, err, "each charge type is recorded separately")
}

func TestRecordCharge_Validation(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.RecordCharge(ctx, Charge{TenantID: "t1", ChargeType: ChargeRental, BookingAmountCents: 1})
	assert.ErrorIs(t, err, ErrInvalidCharge)
	_, err = l.RecordCharge(ctx, Charge{BookingID: "b", TenantID: "t1", ChargeType: "tip", BookingAmountCents: 1})
	assert.ErrorIs(t, err, ErrInvalidCharge)
	_, err = l.RecordCharge(ctx, Charge{BookingID: "b", TenantID: "t1", ChargeType: ChargeRental, FeeCents: -1, BookingAmountCents: 1})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordCharge_CountsFeesCollected(t *testing.T) {
	l, _, _ := newTestLedger()
	counter := metrics.FeesCollectedCents.WithLabelValues(string(feepolicy.PlanPro), string(ChargeRental))
	before := testutil.ToFloat64(counter)

	_, err := l.RecordCharge(context.Background(), rentalCharge("bk-metric", 50000, 100, feepolicy.PlanPro))
	require.NoError(t, err)
	assert.Equal(t, before+500, testutil.ToFloat64(counter))
}

func TestEnsureCharge_ReturnsExisting(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	first, err := l.EnsureCharge(ctx, rentalCharge("bk1", 100000, 700, feepolicy.PlanPerformance))
	require.NoError(t, err)
	second, err := l.EnsureCharge(ctx, rentalCharge("bk1", 100000, 200, feepolicy.PlanPerformance))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, feepolicy.Rate(700), second.FeeRateApplied, "the first snapshot wins")
}

func TestEnsureCharge_ConcurrentRecordsOnce(t *testing.T) {
	l, store, _ := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := l.EnsureCharge(ctx, rentalCharge("bk1", 1000, 300, feepolicy.PlanStarter))
			if assert.NoError(t, err) {
				ids[i] = e.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	entries, err := store.ListByTenant(ctx, "t1", 10, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordRefund_UsesSnapshotRate(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	// Charged at 7% during the promotional window; the tenant has since moved to PRO.
	_, err := l.RecordCharge(ctx, rentalCharge("bk1", 100000, 700, feepolicy.PlanPerformance))
	require.NoError(t, err)

	e, err := l.RecordRefund(ctx, "bk1", 30000)
	require.NoError(t, err)
	assert.Equal(t, int64(2100), e.RefundedCents)
	assert.Equal(t, int64(4900), e.NetFeeCents())
}

func TestRecordRefund_FloorsAndClamps(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.RecordCharge(ctx, rentalCharge("bk1", 10000, 300, feepolicy.PlanStarter))
	require.NoError(t, err)

	e, err := l.RecordRefund(ctx, "bk1", 333)
	require.NoError(t, err)
	assert.Equal(t, int64(9), e.RefundedCents, "9.99 floors to 9")

	for i := 0; i < 5; i++ {
		e, err = l.RecordRefund(ctx, "bk1", 10000)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(300), e.RefundedCents, "never exceeds the fee")
	assert.Equal(t, int64(0), e.NetFeeCents())
}

func TestRecordRefund_MissingEntryIsSkipped(t *testing.T) {
	l, _, _ := newTestLedger()
	e, err := l.RecordRefund(context.Background(), "bk-none", 500)
	assert.NoError(t, err)
	assert.Nil(t, e)
}

func TestRecordRefund_InvalidAmount(t *testing.T) {
	l, _, _ := newTestLedger()
	for _, amt := range []int64{0, -5} {
		_, err := l.RecordRefund(context.Background(), "bk1", amt)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestRecordRefund_ZeroRateIsNoop(t *testing.T) {
	l, _, _ := newTestLedger()
	ctx := context.Background()
	_, err := l.RecordCharge(ctx, Charge{BookingID: "bk1", TenantID: "t1", ChargeType: ChargeRental, BookingAmountCents: 5000})
	require.NoError(t, err)

	e, err := l.RecordRefund(ctx, "bk1", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.RefundedCents)
}

func TestMonthToDateStats(t *testing.T) {
	l, _, now := newTestLedger()
	ctx := context.Background()

	*now = time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)
	_, err := l.RecordCharge(ctx, rentalCharge("feb", 100000, 700, feepolicy.PlanPerformance))
	require.NoError(t, err)

	*now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = l.RecordCharge(ctx, rentalCharge("mar1", 100000, 700, feepolicy.PlanPerformance))
	require.NoError(t, err)
	*now = t0
	_, err = l.RecordCharge(ctx, rentalCharge("mar2", 50000, 200, feepolicy.PlanPerformance))
	require.NoError(t, err)
	_, err = l.RecordCharge(ctx, Charge{BookingID: "mar2", TenantID: "t1", ChargeType: ChargeDeposit, FeeCents: 100, BookingAmountCents: 5000})
	require.NoError(t, err)
	_, err = l.RecordRefund(ctx, "mar1", 10000)
	require.NoError(t, err)

	stats, err := l.MonthToDateStats(ctx, "t1", t0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Bookings)
	assert.Equal(t, int64(150000), stats.GMVCents)
	assert.Equal(t, int64(7000+1000+100-700), stats.FeesCents)
	assert.Equal(t, int64(700), stats.FeesRefundedCents)

	other, err := l.MonthToDateStats(ctx, "t2", t0)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, other)
}

func TestMonthStart(t *testing.T) {
	local := time.FixedZone("UTC+10", 10*3600)
	got := MonthStart(time.Date(2026, 4, 1, 5, 0, 0, 0, local))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got, "month boundaries are UTC")
}

func TestListByTenant_Pages(t *testing.T) {
	l, _, now := newTestLedger()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		*now = t0.Add(time.Duration(i) * time.Minute)
		_, err := l.RecordCharge(ctx, rentalCharge(id, 1000, 700, feepolicy.PlanPerformance))
		require.NoError(t, err)
	}

	page, next, err := l.ListByTenant(ctx, "t1", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].BookingID)
	assert.Equal(t, "d", page[1].BookingID)
	require.NotEmpty(t, next)

	var seen []string
	for next != "" {
		page, next, err = l.ListByTenant(ctx, "t1", 2, next)
		require.NoError(t, err)
		for _, e := range page {
			seen = append(seen, e.BookingID)
		}
	}
	assert.Equal(t, []string{"c", "b", "a"}, seen)

	_, _, err = l.ListByTenant(ctx, "t1", 2, "not-a-cursor!")
	assert.True(t, errors.Is(err, apperr.InvalidInput))
}

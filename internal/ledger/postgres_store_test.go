//go:build integration

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/testutil"
)

func TestPostgresStore_RefundClampAndStats(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	l := New(NewPostgresStore(db)).WithClock(func() time.Time { return now })

	_, err := l.RecordCharge(ctx, Charge{
		BookingID: "b1", TenantID: "t1", ChargeType: ChargeRental,
		FeeCents: 3000, Rate: 300, Plan: feepolicy.PlanStarter,
		BookingAmountCents: 100000, Currency: "usd", PaymentIntentID: "pi_1",
	})
	require.NoError(t, err)

	_, err = l.RecordCharge(ctx, Charge{BookingID: "b1", TenantID: "t1", ChargeType: ChargeRental, FeeCents: 1, Rate: 300,
		Plan: feepolicy.PlanStarter, BookingAmountCents: 100, Currency: "usd"})
	assert.ErrorIs(t, err, ErrDuplicateCharge)

	e, err := l.RecordRefund(ctx, "b1", 50000)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), e.RefundedCents)

	e, err = l.RecordRefund(ctx, "b1", 500000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), e.RefundedCents, "reversal is clamped to the fee")

	stats, err := l.MonthToDateStats(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Bookings)
	assert.Equal(t, int64(100000), stats.GMVCents)
	assert.Equal(t, int64(0), stats.FeesCents)
	assert.Equal(t, int64(3000), stats.FeesRefundedCents)
}

//go:build integration

package deposit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/testutil"
)

func TestPostgresStore_OneLiveHoldPerBooking(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	hold := func(id, intent string) *Deposit {
		return &Deposit{
			ID: id, BookingID: "b1", TenantID: "t1", PaymentIntentID: intent,
			AmountCents: 50000, Currency: "usd", Status: StatusAuthorized,
			ExpiresAt: now.Add(HoldDuration), CreatedAt: now, UpdatedAt: now,
		}
	}

	first := hold("dep_1", "pi_1")
	require.NoError(t, store.Create(ctx, first))
	assert.ErrorIs(t, store.Create(ctx, hold("dep_2", "pi_2")), ErrAlreadyAuthorized)

	captured := first.clone()
	captured.Status = StatusCaptured
	captured.CapturedCents = 20000
	captured.CapturedAt = &now
	require.NoError(t, store.Transition(ctx, captured, StatusAuthorized))
	assert.ErrorIs(t, store.Transition(ctx, captured, StatusAuthorized), ErrInvalidState)

	assert.ErrorIs(t, store.Create(ctx, hold("dep_3", "pi_1")), ErrDepositExists)

	// The booking may hold again once the first hold is settled.
	require.NoError(t, store.Create(ctx, hold("dep_4", "pi_4")))

	lapsed, err := store.ListLapsed(ctx, now.Add(HoldDuration+time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, "dep_4", lapsed[0].ID)
}

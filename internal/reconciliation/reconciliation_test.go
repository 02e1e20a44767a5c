package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/deposit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/processor"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/tenant"
	"github.com/mbd888/luxbill/internal/webhooks"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestRun_Healthy(t *testing.T) {
	ctx := context.Background()
	tenants := tenant.NewService(tenant.NewMemoryStore(), storage.MemoryRunner{}, nil, "US", "usd").WithClock(fixedClock(t0))
	_, err := tenants.GetOrCreate(ctx, "t1")
	require.NoError(t, err)

	r := New(tenants, nil, webhooks.NewMemoryStore()).WithClock(fixedClock(t0))
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.StaleRates)
	assert.NotNil(t, report.LapsedDeposits)
	assert.Equal(t, t0, report.Timestamp)
}

func TestRun_Findings(t *testing.T) {
	ctx := context.Background()
	longAgo := t0.Add(-feepolicy.PromoWindow - 24*time.Hour)

	// A PERFORMANCE profile created before the promo window and never read
	// since still caches the promotional rate.
	profiles := tenant.NewMemoryStore()
	old := tenant.NewService(profiles, storage.MemoryRunner{}, nil, "US", "usd").WithClock(fixedClock(longAgo))
	_, err := old.GetOrCreate(ctx, "t_stale")
	require.NoError(t, err)
	current := tenant.NewService(profiles, storage.MemoryRunner{}, nil, "US", "usd").WithClock(fixedClock(t0))

	depStore := deposit.NewMemoryStore()
	require.NoError(t, depStore.Create(ctx, &deposit.Deposit{
		ID: "dep_1", BookingID: "b1", TenantID: "t1", PaymentIntentID: "pi_1",
		AmountCents: 50000, Currency: "usd", Status: deposit.StatusAuthorized,
		ExpiresAt: t0.Add(-time.Hour), CreatedAt: t0.Add(-deposit.HoldDuration), UpdatedAt: t0.Add(-deposit.HoldDuration),
	}))
	deposits := deposit.NewService(depStore, processor.NewFake(), ledger.New(ledger.NewMemoryStore()),
		storage.MemoryRunner{}, audit.NewRecorder(audit.NewMemoryStore()), deposit.FeeNone).WithClock(fixedClock(t0))

	events := webhooks.NewMemoryStore()
	_, _, err = events.Claim(ctx, webhooks.ClaimRequest{ID: "evt_old", Type: "charge.refunded", Now: t0.Add(-time.Hour), Lease: time.Minute})
	require.NoError(t, err)
	require.NoError(t, events.MarkFailed(ctx, "evt_old", "ledger unavailable", t0.Add(-time.Hour)))
	_, _, err = events.Claim(ctx, webhooks.ClaimRequest{ID: "evt_fresh", Type: "charge.refunded", Now: t0.Add(-time.Minute), Lease: time.Minute})
	require.NoError(t, err)

	report, err := New(current, deposits, events).WithClock(fixedClock(t0)).Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Healthy)

	require.Len(t, report.StaleRates, 1)
	assert.Equal(t, "t_stale", report.StaleRates[0].TenantID)
	assert.Equal(t, feepolicy.Rate(700), report.StaleRates[0].CachedRate)
	assert.Equal(t, feepolicy.Rate(200), report.StaleRates[0].ActiveRate)

	require.Len(t, report.LapsedDeposits, 1)
	assert.Equal(t, "dep_1", report.LapsedDeposits[0].ID)

	require.Len(t, report.UnprocessedEvents, 1, "events inside the grace period are not reported")
	assert.Equal(t, "evt_old", report.UnprocessedEvents[0].ID)
	assert.Equal(t, webhooks.EventFailed, report.UnprocessedEvents[0].Status)
	assert.Equal(t, "ledger unavailable", report.UnprocessedEvents[0].ProcessingError)
}

type failingProfiles struct{}

func (failingProfiles) List(context.Context) ([]*tenant.Profile, error) {
	return nil, errors.New("connection refused")
}

func TestRun_CheckErrorKeepsPartialReport(t *testing.T) {
	ctx := context.Background()
	events := webhooks.NewMemoryStore()
	_, _, err := events.Claim(ctx, webhooks.ClaimRequest{ID: "evt_1", Type: "account.updated", Now: t0.Add(-time.Hour), Lease: time.Minute})
	require.NoError(t, err)

	report, err := New(failingProfiles{}, nil, events).WithClock(fixedClock(t0)).Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list profiles")
	require.NotNil(t, report)
	assert.False(t, report.Healthy)
	assert.Len(t, report.UnprocessedEvents, 1)
}

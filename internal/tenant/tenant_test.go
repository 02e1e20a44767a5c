package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestService() (*Service, *MemoryStore, *audit.MemoryStore, *clock) {
	store := NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	clk := &clock{now: t0}
	svc := NewService(store, storage.MemoryRunner{}, audit.NewRecorder(auditStore), "US", "usd").WithClock(clk.Now)
	return svc, store, auditStore, clk
}

func ptr[T any](v T) *T { return &v }

func TestGetOrCreate_DefaultsToPerformance(t *testing.T) {
	svc, _, _, _ := newTestService()

	p, err := svc.GetOrCreate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, feepolicy.PlanPerformance, p.Plan)
	assert.Equal(t, feepolicy.Rate(700), p.FeeRateCurrent)
	assert.Equal(t, feepolicy.Rate(200), p.FeeRateAfter)
	require.NotNil(t, p.PerformanceEndsAt)
	assert.Equal(t, t0.Add(60*24*time.Hour), *p.PerformanceEndsAt)
	assert.Equal(t, "US", p.Country)
	assert.Equal(t, "usd", p.Currency)
	assert.False(t, p.CardOnFile)
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.GetOrCreate(ctx, "t1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetOrCreate_RequiresTenantID(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, err := svc.GetOrCreate(context.Background(), "")
	assert.True(t, errors.Is(err, apperr.InvalidInput))
}

func TestRead_RefreshesCachedRateWithoutWriting(t *testing.T) {
	svc, store, _, clk := newTestService()
	ctx := context.Background()
	_, err := svc.GetOrCreate(ctx, "t1")
	require.NoError(t, err)

	clk.now = t0.Add(61 * 24 * time.Hour)
	p, err := svc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, feepolicy.Rate(200), p.FeeRateCurrent, "lapsed window reads the steady rate")

	stored, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, feepolicy.Rate(700), stored.FeeRateCurrent, "reads never write")
}

func TestSwitchPlan_TransitionTable(t *testing.T) {
	tests := []struct {
		plan    feepolicy.Plan
		current feepolicy.Rate
		after   feepolicy.Rate
		endsAt  *time.Time
	}{
		{feepolicy.PlanPerformance, 700, 200, ptr(t0.Add(60 * 24 * time.Hour))},
		{feepolicy.PlanStarter, 300, 300, ptr(t0)},
		{feepolicy.PlanPro, 100, 100, ptr(t0)},
		{feepolicy.PlanDIY, 0, 0, nil},
	}
	for _, tc := range tests {
		t.Run(string(tc.plan), func(t *testing.T) {
			svc, _, auditStore, _ := newTestService()
			p, err := svc.SwitchPlan(context.Background(), "t1", tc.plan, SwitchOptions{Reason: ReasonManual})
			require.NoError(t, err)
			assert.Equal(t, tc.plan, p.Plan)
			assert.Equal(t, tc.current, p.FeeRateCurrent)
			assert.Equal(t, tc.after, p.FeeRateAfter)
			assert.Equal(t, tc.endsAt, p.PerformanceEndsAt)
			assert.Equal(t, t0, p.PlanStartedAt)
			assert.Equal(t, []string{audit.ActionPlanSwitched}, auditStore.Actions("t1"))
		})
	}
}

func TestSwitchPlan_IdempotentOnRateFields(t *testing.T) {
	for _, plan := range []feepolicy.Plan{feepolicy.PlanPerformance, feepolicy.PlanStarter, feepolicy.PlanPro, feepolicy.PlanDIY} {
		t.Run(string(plan), func(t *testing.T) {
			svc, _, auditStore, clk := newTestService()
			ctx := context.Background()

			first, err := svc.SwitchPlan(ctx, "t1", plan, SwitchOptions{})
			require.NoError(t, err)
			clk.now = t0.Add(time.Hour)
			second, err := svc.SwitchPlan(ctx, "t1", plan, SwitchOptions{})
			require.NoError(t, err)

			assert.Equal(t, first.FeeRateCurrent, second.FeeRateCurrent)
			assert.Equal(t, first.FeeRateAfter, second.FeeRateAfter)
			assert.Equal(t, first.PerformanceEndsAt, second.PerformanceEndsAt)
			assert.Equal(t, clk.now, second.PlanStartedAt, "planStartedAt is restamped")
			assert.Len(t, auditStore.Actions("t1"), 2, "every switch is audited")
		})
	}
}

func TestSwitchPlan_RepeatPerformanceKeepsWindow(t *testing.T) {
	svc, _, _, clk := newTestService()
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "t1")
	require.NoError(t, err)
	clk.now = t0.Add(30 * 24 * time.Hour)
	p, err := svc.SwitchPlan(ctx, "t1", feepolicy.PlanPerformance, SwitchOptions{})
	require.NoError(t, err)

	require.NotNil(t, p.PerformanceEndsAt)
	assert.Equal(t, t0.Add(60*24*time.Hour), *p.PerformanceEndsAt, "window is not extended")
	assert.Equal(t, feepolicy.Rate(700), p.FeeRateCurrent)

	// Leaving and re-entering the plan starts a fresh window.
	_, err = svc.SwitchPlan(ctx, "t1", feepolicy.PlanPro, SwitchOptions{})
	require.NoError(t, err)
	p, err = svc.SwitchPlan(ctx, "t1", feepolicy.PlanPerformance, SwitchOptions{})
	require.NoError(t, err)
	assert.Equal(t, clk.now.Add(60*24*time.Hour), *p.PerformanceEndsAt)
}

func TestSwitchPlan_SubscriptionIDPreservedUnlessSupplied(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	p, err := svc.SwitchPlan(ctx, "t1", feepolicy.PlanStarter, SwitchOptions{SubscriptionID: ptr("sub_1")})
	require.NoError(t, err)
	assert.Equal(t, "sub_1", p.ExternalSubscriptionID)

	p, err = svc.SwitchPlan(ctx, "t1", feepolicy.PlanPro, SwitchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sub_1", p.ExternalSubscriptionID)

	p, err = svc.SwitchPlan(ctx, "t1", feepolicy.PlanPerformance, SwitchOptions{SubscriptionID: ptr("")})
	require.NoError(t, err)
	assert.Empty(t, p.ExternalSubscriptionID)
}

func TestSwitchPlan_AuditCarriesActorAndReason(t *testing.T) {
	svc, _, auditStore, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SwitchPlan(ctx, "t1", feepolicy.PlanStarter, SwitchOptions{
		SubscriptionID: ptr("sub_9"),
		ActorType:      audit.ActorStripeWebhook,
		Actor:          "evt_1",
		Reason:         ReasonCheckoutCompleted,
	})
	require.NoError(t, err)

	entries := auditStore.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, audit.ActorStripeWebhook, e.ActorType)
	assert.Equal(t, "evt_1", e.Actor)
	assert.JSONEq(t, `{"reason":"checkout_completed","subscriptionId":"sub_9"}`, string(e.Metadata))
	assert.Contains(t, string(e.Before), `"plan":"PERFORMANCE"`)
	assert.Contains(t, string(e.After), `"plan":"STARTER"`)
}

func TestSwitchPlan_UnknownPlan(t *testing.T) {
	svc, _, auditStore, _ := newTestService()
	_, err := svc.SwitchPlan(context.Background(), "t1", "GOLD", SwitchOptions{})
	assert.True(t, errors.Is(err, feepolicy.ErrUnknownPlan))
	assert.Empty(t, auditStore.Entries())
}

func TestSwitchPlan_ConcurrentLastWriteWins(t *testing.T) {
	svc, store, auditStore, _ := newTestService()
	ctx := context.Background()

	plans := []feepolicy.Plan{feepolicy.PlanStarter, feepolicy.PlanPro, feepolicy.PlanDIY, feepolicy.PlanPerformance}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(p feepolicy.Plan) {
			defer wg.Done()
			_, err := svc.SwitchPlan(ctx, "t1", p, SwitchOptions{})
			assert.NoError(t, err)
		}(plans[i%len(plans)])
	}
	wg.Wait()

	p, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	terms, err := feepolicy.Terms(p.Plan, t0)
	require.NoError(t, err)
	assert.Equal(t, terms.CurrentRate, p.FeeRateCurrent, "rates match the stored plan")
	assert.Equal(t, terms.AfterRate, p.FeeRateAfter)
	assert.Len(t, auditStore.Entries(), 40)
}

func TestUpdateSettings(t *testing.T) {
	svc, _, auditStore, _ := newTestService()
	ctx := context.Background()

	p, err := svc.UpdateSettings(ctx, "t1", SettingsUpdate{
		TaxID:           ptr(" DE123 "),
		BillingEmail:    ptr("billing@fleet.example"),
		Country:         ptr("DE"),
		Currency:        ptr("eur"),
		FeeMinimumCents: ptr(int64(150)),
	})
	require.NoError(t, err)
	assert.Equal(t, "DE123", p.TaxID)
	assert.Equal(t, "DE", p.Country)
	assert.Equal(t, "eur", p.Currency)
	require.NotNil(t, p.FeeMinimumCents)
	assert.Equal(t, int64(150), *p.FeeMinimumCents)
	assert.Equal(t, feepolicy.PlanPerformance, p.Plan, "settings never touch plan fields")

	p, err = svc.UpdateSettings(ctx, "t1", SettingsUpdate{ClearFeeMinimum: true})
	require.NoError(t, err)
	assert.Nil(t, p.FeeMinimumCents)
	assert.Equal(t, "DE", p.Country)

	assert.Equal(t, []string{audit.ActionSettingsUpdated, audit.ActionSettingsUpdated}, auditStore.Actions("t1"))
	assert.Contains(t, string(auditStore.Entries()[0].Before), `"country":"US"`)
}

func TestRecordPaymentMethod(t *testing.T) {
	svc, _, auditStore, _ := newTestService()
	ctx := context.Background()

	p, err := svc.RecordPaymentMethod(ctx, "t1", "pm_1")
	require.NoError(t, err)
	assert.True(t, p.CardOnFile)
	assert.Equal(t, "pm_1", p.ExternalPaymentMethodID)

	_, err = svc.RecordPaymentMethod(ctx, "t1", "pm_1")
	require.NoError(t, err)
	assert.Equal(t, []string{audit.ActionCardOnFileAdded}, auditStore.Actions("t1"), "redelivery is not re-audited")
}

func TestLookupsByProcessorIDs(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	_, err := svc.SetCustomerID(ctx, "t1", "cus_1")
	require.NoError(t, err)
	_, err = svc.SwitchPlan(ctx, "t1", feepolicy.PlanPro, SwitchOptions{SubscriptionID: ptr("sub_1")})
	require.NoError(t, err)

	p, err := svc.GetByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "t1", p.TenantID)

	p, err = svc.GetBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "t1", p.TenantID)

	_, err = svc.GetByCustomerID(ctx, "")
	assert.True(t, errors.Is(err, ErrProfileNotFound))

	p, err = svc.ClearSubscription(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, p.ExternalSubscriptionID)
	_, err = svc.GetBySubscriptionID(ctx, "sub_1")
	assert.True(t, errors.Is(err, apperr.NotFound))
}

func TestMemoryStore_MutateErrorLeavesRowUnchanged(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewProfile("t1", "US", "usd", t0)))

	boom := errors.New("boom")
	_, err := store.Mutate(ctx, "t1", func(p *Profile) error {
		p.Plan = feepolicy.PlanDIY
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, _ := store.Get(ctx, "t1")
	assert.Equal(t, feepolicy.PlanPerformance, p.Plan)

	_, err = store.Mutate(ctx, "missing", func(*Profile) error { return nil })
	assert.True(t, errors.Is(err, ErrProfileNotFound))
	assert.True(t, errors.Is(store.Create(ctx, NewProfile("t1", "US", "usd", t0)), ErrProfileExists))
}

func TestProfileJSON_RendersPercentages(t *testing.T) {
	svc, _, _, _ := newTestService()
	p, err := svc.SwitchPlan(context.Background(), "t1", feepolicy.PlanStarter, SwitchOptions{})
	require.NoError(t, err)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"feePercentCurrent":3`)
	assert.Contains(t, string(b), `"feePercentAfter":3`)
}

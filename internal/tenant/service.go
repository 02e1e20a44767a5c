package tenant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/metrics"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/traces"
)

// Switch reasons recorded with plan_switched.
const (
	ReasonManual               = "manual"
	ReasonCheckoutCompleted    = "checkout_completed"
	ReasonSubscriptionUpdated  = "subscription_updated"
	ReasonSubscriptionCanceled = "subscription_canceled"
	ReasonSubscriptionDeleted  = "subscription_deleted"
	ReasonSubscriptionSync     = "subscription_sync"
)

// SwitchOptions qualify a plan transition.
type SwitchOptions struct {
	// SubscriptionID replaces the stored subscription id when non-nil. An
	// empty string clears it.
	SubscriptionID *string
	// ActorType and Actor override the actor on the context for the audit entry.
	ActorType string
	Actor     string
	Reason    string
}

// SettingsUpdate carries the settings a tenant may change. Nil fields are
// left as they are.
type SettingsUpdate struct {
	TaxID           *string `json:"taxId" binding:"omitempty,max=64"`
	BillingEmail    *string `json:"billingEmail" binding:"omitempty,email,max=254"`
	Country         *string `json:"country" binding:"omitempty,country"`
	Currency        *string `json:"currency" binding:"omitempty,currency"`
	FeeMinimumCents *int64  `json:"feeMinimumCents" binding:"omitempty,gte=0"`
	// ClearFeeMinimum removes the minimum fee.
	ClearFeeMinimum bool `json:"clearFeeMinimum"`
}

// Service is the plan transition service and the read path for profiles.
// Read paths return the engine's current rate, never the stored cache.
type Service struct {
	store    Store
	runner   storage.Runner
	audit    *audit.Recorder
	country  string
	currency string
	now      func() time.Time
}

// NewService creates the profile service. country and currency seed new profiles.
func NewService(store Store, runner storage.Runner, rec *audit.Recorder, country, currency string) *Service {
	return &Service{
		store:    store,
		runner:   runner,
		audit:    rec,
		country:  country,
		currency: currency,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used for windows and rates.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }

// GetOrCreate returns the tenant's profile, creating the default PERFORMANCE
// profile on first touch. Concurrent first touches create exactly one row.
func (s *Service) GetOrCreate(ctx context.Context, tenantID string) (*Profile, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantID
	}
	p, err := s.store.Get(ctx, tenantID)
	if err == nil {
		return p.refresh(s.now()), nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	p = NewProfile(tenantID, s.country, s.currency, s.now())
	if err := s.store.Create(ctx, p); err != nil {
		if !errors.Is(err, ErrProfileExists) {
			return nil, err
		}
		if p, err = s.store.Get(ctx, tenantID); err != nil {
			return nil, err
		}
		return p.refresh(s.now()), nil
	}
	logging.L(ctx).Info("billing profile created", "tenant_id", tenantID, "plan", p.Plan)
	return p, nil
}

// Get returns an existing profile.
func (s *Service) Get(ctx context.Context, tenantID string) (*Profile, error) {
	p, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return p.refresh(s.now()), nil
}

// GetByCustomerID finds the profile bound to a processor customer.
func (s *Service) GetByCustomerID(ctx context.Context, customerID string) (*Profile, error) {
	if customerID == "" {
		return nil, ErrProfileNotFound
	}
	p, err := s.store.GetByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return p.refresh(s.now()), nil
}

// GetBySubscriptionID finds the profile bound to a processor subscription.
func (s *Service) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Profile, error) {
	if subscriptionID == "" {
		return nil, ErrProfileNotFound
	}
	p, err := s.store.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return p.refresh(s.now()), nil
}

// List returns every profile as stored, without refreshing the cached rate.
// Used by reconciliation to find stale caches.
func (s *Service) List(ctx context.Context) ([]*Profile, error) {
	return s.store.List(ctx)
}

type planSnapshot struct {
	Plan              feepolicy.Plan `json:"plan"`
	FeePercentCurrent feepolicy.Rate `json:"feePercentCurrent"`
	FeePercentAfter   feepolicy.Rate `json:"feePercentAfter"`
	PerformanceEndsAt *time.Time     `json:"performanceEndsAt"`
}

func snapshotOf(p *Profile) planSnapshot {
	return planSnapshot{
		Plan:              p.Plan,
		FeePercentCurrent: p.FeeRateCurrent,
		FeePercentAfter:   p.FeeRateAfter,
		PerformanceEndsAt: p.PerformanceEndsAt,
	}
}

// SwitchPlan moves a tenant to newPlan and stamps planStartedAt. It is the
// only writer of plan fields. Switching to the plan already held keeps the
// stored rates and promotional window; every call is audited.
func (s *Service) SwitchPlan(ctx context.Context, tenantID string, newPlan feepolicy.Plan, opts SwitchOptions) (out *Profile, err error) {
	ctx, span := traces.StartSpan(ctx, "tenant.SwitchPlan", traces.TenantID(tenantID), traces.Plan(string(newPlan)))
	defer func() { traces.End(span, err) }()

	if !feepolicy.ValidPlan(newPlan) {
		return nil, feepolicy.ErrUnknownPlan
	}
	if opts.Reason == "" {
		opts.Reason = ReasonManual
	}
	if opts.ActorType != "" {
		ctx = audit.WithActor(ctx, opts.ActorType, opts.Actor)
	}

	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.GetOrCreate(ctx, tenantID); err != nil {
			return err
		}
		var before planSnapshot
		p, err := s.store.Mutate(ctx, tenantID, func(p *Profile) error {
			before = snapshotOf(p.clone().refresh(s.now()))
			now := s.now()
			if p.Plan == newPlan {
				p.PlanStartedAt = now
			} else {
				terms, err := feepolicy.Terms(newPlan, now)
				if err != nil {
					return err
				}
				p.applyTerms(terms, now)
			}
			if opts.SubscriptionID != nil {
				p.ExternalSubscriptionID = *opts.SubscriptionID
			}
			return nil
		})
		if err != nil {
			return err
		}

		meta := map[string]string{"reason": opts.Reason}
		if p.ExternalSubscriptionID != "" {
			meta["subscriptionId"] = p.ExternalSubscriptionID
		}
		s.audit.Record(ctx, audit.Change{
			TenantID: tenantID,
			Action:   audit.ActionPlanSwitched,
			Entity:   "billing_profile",
			EntityID: tenantID,
			Before:   before,
			After:    snapshotOf(p),
			Metadata: meta,
		})
		storage.AfterCommit(ctx, func() {
			metrics.PlanSwitchesTotal.WithLabelValues(string(newPlan), opts.Reason).Inc()
			logging.L(ctx).Info("plan switched",
				"tenant_id", tenantID, "from", before.Plan, "to", newPlan, "reason", opts.Reason)
		})
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSettings applies a settings change and audits the before/after values.
func (s *Service) UpdateSettings(ctx context.Context, tenantID string, u SettingsUpdate) (*Profile, error) {
	var out *Profile
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.GetOrCreate(ctx, tenantID); err != nil {
			return err
		}
		var before settingsSnapshot
		p, err := s.store.Mutate(ctx, tenantID, func(p *Profile) error {
			before = settingsOf(p)
			if u.TaxID != nil {
				p.TaxID = strings.TrimSpace(*u.TaxID)
			}
			if u.BillingEmail != nil {
				p.BillingEmail = strings.TrimSpace(*u.BillingEmail)
			}
			if u.Country != nil {
				p.Country = *u.Country
			}
			if u.Currency != nil {
				p.Currency = *u.Currency
			}
			if u.FeeMinimumCents != nil {
				v := *u.FeeMinimumCents
				p.FeeMinimumCents = &v
			}
			if u.ClearFeeMinimum {
				p.FeeMinimumCents = nil
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.audit.Record(ctx, audit.Change{
			TenantID: tenantID,
			Action:   audit.ActionSettingsUpdated,
			Entity:   "billing_profile",
			EntityID: tenantID,
			Before:   before,
			After:    settingsOf(p),
		})
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.refresh(s.now()), nil
}

type settingsSnapshot struct {
	TaxID           string `json:"taxId,omitempty"`
	BillingEmail    string `json:"billingEmail,omitempty"`
	Country         string `json:"country"`
	Currency        string `json:"currency"`
	FeeMinimumCents *int64 `json:"feeMinimumCents"`
}

func settingsOf(p *Profile) settingsSnapshot {
	return settingsSnapshot{
		TaxID:           p.TaxID,
		BillingEmail:    p.BillingEmail,
		Country:         p.Country,
		Currency:        p.Currency,
		FeeMinimumCents: p.FeeMinimumCents,
	}
}

// SetCustomerID binds a processor customer to the tenant.
func (s *Service) SetCustomerID(ctx context.Context, tenantID, customerID string) (*Profile, error) {
	if _, err := s.GetOrCreate(ctx, tenantID); err != nil {
		return nil, err
	}
	p, err := s.store.Mutate(ctx, tenantID, func(p *Profile) error {
		p.ExternalCustomerID = customerID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.refresh(s.now()), nil
}

// RecordPaymentMethod stores a confirmed payment method and marks the card
// on file. Repeats with the same method are not re-audited.
func (s *Service) RecordPaymentMethod(ctx context.Context, tenantID, paymentMethodID string) (*Profile, error) {
	var out *Profile
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.GetOrCreate(ctx, tenantID); err != nil {
			return err
		}
		changed := false
		p, err := s.store.Mutate(ctx, tenantID, func(p *Profile) error {
			changed = !p.CardOnFile || p.ExternalPaymentMethodID != paymentMethodID
			p.ExternalPaymentMethodID = paymentMethodID
			p.CardOnFile = true
			return nil
		})
		if err != nil {
			return err
		}
		if changed {
			s.audit.Record(ctx, audit.Change{
				TenantID: tenantID,
				Action:   audit.ActionCardOnFileAdded,
				Entity:   "billing_profile",
				EntityID: tenantID,
				Metadata: map[string]string{"paymentMethodId": paymentMethodID},
			})
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.refresh(s.now()), nil
}

// ClearSubscription forgets the stored subscription id.
func (s *Service) ClearSubscription(ctx context.Context, tenantID string) (*Profile, error) {
	p, err := s.store.Mutate(ctx, tenantID, func(p *Profile) error {
		p.ExternalSubscriptionID = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.refresh(s.now()), nil
}

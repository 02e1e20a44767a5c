// Package tenant holds each rental company's billing profile and is the only
// writer of its plan fields.
package tenant

import (
	"context"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/feepolicy"
)

// Errors
var (
	ErrProfileNotFound      = apperr.New(apperr.NotFound, "tenant: billing profile not found")
	ErrProfileExists        = apperr.New(apperr.Duplicate, "tenant: billing profile already exists")
	ErrTenantID             = apperr.New(apperr.InvalidInput, "tenant: tenant id is required")
	ErrSubscriptionRequired = apperr.New(apperr.InvalidState, "tenant: paid plans start through subscription checkout")
)

// Profile is a tenant's billing state. Rates are basis points internally and
// render as percentages in JSON.
type Profile struct {
	TenantID          string         `json:"tenantId"`
	Plan              feepolicy.Plan `json:"plan"`
	PlanStartedAt     time.Time      `json:"planStartedAt"`
	PerformanceEndsAt *time.Time     `json:"performanceEndsAt"`
	FeeRateCurrent    feepolicy.Rate `json:"feePercentCurrent"`
	FeeRateAfter      feepolicy.Rate `json:"feePercentAfter"`
	FeeMinimumCents   *int64         `json:"feeMinimumCents"`

	ExternalCustomerID      string `json:"externalCustomerId,omitempty"`
	ExternalSubscriptionID  string `json:"externalSubscriptionId,omitempty"`
	ExternalPaymentMethodID string `json:"externalPaymentMethodId,omitempty"`
	CardOnFile              bool   `json:"cardOnFile"`

	Country      string `json:"country"`
	Currency     string `json:"currency"`
	TaxID        string `json:"taxId,omitempty"`
	BillingEmail string `json:"billingEmail,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewProfile returns the profile a tenant gets on first touch: PERFORMANCE
// with a fresh promotional window.
func NewProfile(tenantID, country, currency string, now time.Time) *Profile {
	p := &Profile{
		TenantID:  tenantID,
		Country:   country,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	terms, _ := feepolicy.Terms(feepolicy.PlanPerformance, now)
	p.applyTerms(terms, now)
	return p
}

// ActiveRate is the rate a charge created at now pays.
func (p *Profile) ActiveRate(now time.Time) feepolicy.Rate {
	return feepolicy.ActiveRate(p.Plan, p.PlanStartedAt, p.PerformanceEndsAt, now)
}

// refresh overwrites the cached current rate with the engine's answer.
func (p *Profile) refresh(now time.Time) *Profile {
	p.FeeRateCurrent = p.ActiveRate(now)
	return p
}

func (p *Profile) applyTerms(t feepolicy.PlanTerms, now time.Time) {
	p.Plan = t.Plan
	p.PlanStartedAt = now
	p.PerformanceEndsAt = t.PerformanceEndsAt
	p.FeeRateCurrent = t.CurrentRate
	p.FeeRateAfter = t.AfterRate
}

func (p *Profile) clone() *Profile {
	cp := *p
	if p.PerformanceEndsAt != nil {
		t := *p.PerformanceEndsAt
		cp.PerformanceEndsAt = &t
	}
	if p.FeeMinimumCents != nil {
		v := *p.FeeMinimumCents
		cp.FeeMinimumCents = &v
	}
	return &cp
}

// Store persists profiles.
type Store interface {
	// Create inserts p, returning ErrProfileExists when the tenant already has one.
	Create(ctx context.Context, p *Profile) error
	Get(ctx context.Context, tenantID string) (*Profile, error)
	GetByCustomerID(ctx context.Context, customerID string) (*Profile, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Profile, error)
	// Mutate applies fn to the current row under a per-tenant lock and
	// persists the result. An error from fn leaves the row unchanged.
	Mutate(ctx context.Context, tenantID string, fn func(p *Profile) error) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
}

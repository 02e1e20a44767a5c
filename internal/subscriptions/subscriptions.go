// Package subscriptions sells the STARTER and PRO tiers as processor
// subscriptions and keeps the tenant's plan in step with them.
//
// The checkout itself never changes the plan; that happens when the
// processor reports the completed session. Cancel, update and sync act on
// the processor first and then switch the plan.
package subscriptions

import (
	"strings"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/feepolicy"
)

var (
	ErrPlanNotSold        = apperr.New(apperr.InvalidInput, "subscriptions: only STARTER and PRO are sold as subscriptions")
	ErrInvalidInterval    = apperr.New(apperr.InvalidInput, "subscriptions: interval must be monthly or annual")
	ErrPriceNotConfigured = apperr.New(apperr.NotConfigured, "subscriptions: no price is configured for this plan")
	ErrNoSubscription     = apperr.New(apperr.InvalidState, "subscriptions: tenant has no active subscription")
	ErrSamePlan           = apperr.New(apperr.InvalidState, "subscriptions: subscription is already on this plan")
	ErrInvalidLimit       = apperr.New(apperr.InvalidInput, "subscriptions: limit must be between 1 and 100")
)

// Interval is a billing interval.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// ParseInterval accepts monthly or annual in any case; empty means monthly.
func ParseInterval(s string) (Interval, error) {
	switch Interval(strings.ToLower(strings.TrimSpace(s))) {
	case "", IntervalMonthly:
		return IntervalMonthly, nil
	case IntervalAnnual:
		return IntervalAnnual, nil
	}
	return "", ErrInvalidInterval
}

// Prices holds the processor price id for each sold plan and interval.
type Prices struct {
	StarterMonthly string
	StarterAnnual  string
	ProMonthly     string
	ProAnnual      string
}

// Lookup returns the price id for plan and interval.
func (p Prices) Lookup(plan feepolicy.Plan, interval Interval) (string, error) {
	if cfg, ok := feepolicy.Plans[plan]; !ok || !cfg.Subscribed {
		return "", ErrPlanNotSold
	}
	var id string
	switch {
	case plan == feepolicy.PlanStarter && interval == IntervalMonthly:
		id = p.StarterMonthly
	case plan == feepolicy.PlanStarter && interval == IntervalAnnual:
		id = p.StarterAnnual
	case plan == feepolicy.PlanPro && interval == IntervalMonthly:
		id = p.ProMonthly
	case plan == feepolicy.PlanPro && interval == IntervalAnnual:
		id = p.ProAnnual
	default:
		return "", ErrInvalidInterval
	}
	if id == "" {
		return "", ErrPriceNotConfigured
	}
	return id, nil
}

// PlanOf maps a price id back to its plan and interval.
func (p Prices) PlanOf(priceID string) (feepolicy.Plan, Interval, bool) {
	if priceID == "" {
		return "", "", false
	}
	switch priceID {
	case p.StarterMonthly:
		return feepolicy.PlanStarter, IntervalMonthly, true
	case p.StarterAnnual:
		return feepolicy.PlanStarter, IntervalAnnual, true
	case p.ProMonthly:
		return feepolicy.PlanPro, IntervalMonthly, true
	case p.ProAnnual:
		return feepolicy.PlanPro, IntervalAnnual, true
	}
	return "", "", false
}

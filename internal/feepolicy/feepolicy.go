// Package feepolicy computes marketplace fee rates and application fees.
//
// Everything here is pure: no clocks, no stores. Callers pass "now" in and
// re-evaluate at read time instead of trusting a stored percentage.
package feepolicy

import (
	"math"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

// ErrInvalidAmount is returned for zero or negative booking amounts.
var ErrInvalidAmount = apperr.New(apperr.InvalidInput, "feepolicy: amount must be positive")

// ActiveRate returns the rate that applies to a new charge at now.
//
// planStartedAt is accepted so callers pass the full plan state; the window
// end alone decides whether the promotional rate applies. Unknown plans are
// charged the PERFORMANCE steady rate.
func ActiveRate(plan Plan, planStartedAt time.Time, performanceEndsAt *time.Time, now time.Time) Rate {
	cfg, ok := Plans[plan]
	if !ok {
		return Plans[PlanPerformance].SteadyRate
	}
	if cfg.HasPromo && performanceEndsAt != nil && !now.After(*performanceEndsAt) {
		return cfg.PromoRate
	}
	return cfg.SteadyRate
}

// ApplicationFee computes the marketplace cut of a booking amount.
//
// Rounding is half-up on the exact integer product, so 50 cents at 1%
// yields 1 cent. A zero rate always yields zero; the minimum is a pricing
// floor for paying tiers only.
func ApplicationFee(amountCents int64, rate Rate, minimumCents *int64) (int64, error) {
	if amountCents <= 0 {
		return 0, ErrInvalidAmount
	}
	if rate <= 0 {
		return 0, nil
	}
	fee := mulDivHalfUp(amountCents, int64(rate), 10000)
	if minimumCents != nil && fee < *minimumCents {
		fee = *minimumCents
	}
	return fee, nil
}

// RefundReversal is the fee returned for a refunded amount, rounded down to
// the cent.
func RefundReversal(refundedCents int64, rate Rate) int64 {
	if refundedCents <= 0 || rate <= 0 {
		return 0
	}
	return mulDivFloor(refundedCents, int64(rate), 10000)
}

// PlanTerms are the fields a plan transition writes.
type PlanTerms struct {
	Plan              Plan
	CurrentRate       Rate
	AfterRate         Rate
	PerformanceEndsAt *time.Time
}

// Terms returns the fee terms a tenant gets when moving to plan at now.
// Paid tiers end any open promotional window immediately.
func Terms(plan Plan, now time.Time) (PlanTerms, error) {
	cfg, ok := Plans[plan]
	if !ok {
		return PlanTerms{}, ErrUnknownPlan
	}
	t := PlanTerms{Plan: plan, CurrentRate: cfg.SteadyRate, AfterRate: cfg.SteadyRate}
	switch plan {
	case PlanPerformance:
		ends := now.Add(PromoWindow)
		t.CurrentRate = cfg.PromoRate
		t.PerformanceEndsAt = &ends
	case PlanDIY:
		t.PerformanceEndsAt = nil
	default:
		ends := now
		t.PerformanceEndsAt = &ends
	}
	return t, nil
}

// DaysLeft is the number of started days remaining in a promotional window.
func DaysLeft(performanceEndsAt *time.Time, now time.Time) int {
	if performanceEndsAt == nil || !performanceEndsAt.After(now) {
		return 0
	}
	return int(math.Ceil(performanceEndsAt.Sub(now).Hours() / 24))
}

func mulDivFloor(a, b, d int64) int64 {
	if a <= math.MaxInt64/b {
		return a * b / d
	}
	// Split a to stay in range for very large amounts.
	q, r := a/d, a%d
	return q*b + r*b/d
}

func mulDivHalfUp(a, b, d int64) int64 {
	if a <= (math.MaxInt64-d/2)/b {
		return (a*b + d/2) / d
	}
	q, r := a/d, a%d
	return q*b + (r*b+d/2)/d
}

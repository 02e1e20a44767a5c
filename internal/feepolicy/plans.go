package feepolicy

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/luxbill/internal/apperr"
)

// Plan identifies the commercial tier a tenant is on.
type Plan string

const (
	PlanPerformance Plan = "PERFORMANCE"
	PlanStarter     Plan = "STARTER"
	PlanPro         Plan = "PRO"
	PlanDIY         Plan = "DIY"
)

// PromoWindow is how long the PERFORMANCE promotional rate lasts.
const PromoWindow = 60 * 24 * time.Hour

// PlanConfig defines the rates for a pricing tier.
type PlanConfig struct {
	Plan        Plan
	PromoRate   Rate // charged while the promotional window is open; PERFORMANCE only
	SteadyRate  Rate
	HasPromo    bool
	Subscribed  bool // sold as a processor subscription
	Description string
}

// Plans is the hardcoded plan catalogue.
var Plans = map[Plan]PlanConfig{
	PlanPerformance: {
		Plan:        PlanPerformance,
		PromoRate:   700,
		SteadyRate:  200,
		HasPromo:    true,
		Description: "No monthly fee. 7% for the first 60 days, 2% after.",
	},
	PlanStarter: {
		Plan:        PlanStarter,
		SteadyRate:  300,
		Subscribed:  true,
		Description: "Monthly subscription with a 3% marketplace fee.",
	},
	PlanPro: {
		Plan:        PlanPro,
		SteadyRate:  100,
		Subscribed:  true,
		Description: "Monthly subscription with a 1% marketplace fee.",
	},
	PlanDIY: {
		Plan:        PlanDIY,
		SteadyRate:  0,
		Description: "Bring your own processing. No marketplace fee.",
	},
}

// ErrUnknownPlan is returned when a plan name is not in the catalogue.
var ErrUnknownPlan = apperr.New(apperr.InvalidInput, "feepolicy: unknown plan")

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	_, ok := Plans[p]
	return ok
}

// ParsePlan accepts any letter case.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToUpper(strings.TrimSpace(s)))
	if !ValidPlan(p) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, s)
	}
	return p, nil
}

// Package dashboard serves the tenant billing overview shown on the
// operator dashboard.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/connect"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/tenant"
)

// Profiles resolves a tenant's billing profile.
type Profiles interface {
	GetOrCreate(ctx context.Context, tenantID string) (*tenant.Profile, error)
}

// FeeStats aggregates ledger entries.
type FeeStats interface {
	MonthToDateStats(ctx context.Context, tenantID string, now time.Time) (ledger.Stats, error)
}

// Accounts looks up connected account state.
type Accounts interface {
	Get(ctx context.Context, tenantID string) (*connect.Account, error)
}

// Handler provides dashboard API endpoints.
type Handler struct {
	profiles Profiles
	stats    FeeStats
	accounts Accounts
	now      func() time.Time
}

// NewHandler creates a new dashboard handler. accounts may be nil when
// connected accounts are not configured.
func NewHandler(profiles Profiles, stats FeeStats, accounts Accounts) *Handler {
	return &Handler{profiles: profiles, stats: stats, accounts: accounts, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RegisterRoutes mounts the dashboard on a tenant-authenticated billing group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.Stats)
}

// Stats handles GET /v1/billing/stats
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := auth.TenantID(c)
	now := h.now().UTC()

	p, err := h.profiles.GetOrCreate(ctx, tenantID)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	mtd, err := h.stats.MonthToDateStats(ctx, tenantID, now)
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	onboarding := connect.StatusNotStarted
	chargesEnabled := false
	if h.accounts != nil {
		acct, err := h.accounts.Get(ctx, tenantID)
		switch {
		case err == nil:
			onboarding = acct.OnboardingStatus
			chargesEnabled = acct.ChargesEnabled
		case !errors.Is(err, connect.ErrAccountNotFound):
			apperr.Abort(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"plan":                  p.Plan,
		"activeFeePercent":      p.ActiveRate(now),
		"afterFeePercent":       p.FeeRateAfter,
		"daysLeftInPerformance": daysLeft(p, now),
		"monthToDate": gin.H{
			"since":             ledger.MonthStart(now),
			"bookings":          mtd.Bookings,
			"gmvCents":          mtd.GMVCents,
			"feesCents":         mtd.FeesCents,
			"feesRefundedCents": mtd.FeesRefundedCents,
			"netFeesCents":      mtd.FeesCents - mtd.FeesRefundedCents,
		},
		"onboardingStatus": onboarding,
		"chargesEnabled":   chargesEnabled,
		"cardOnFile":       p.CardOnFile,
	})
}

func daysLeft(p *tenant.Profile, now time.Time) int {
	if p.Plan != feepolicy.PlanPerformance {
		return 0
	}
	return feepolicy.DaysLeft(p.PerformanceEndsAt, now)
}

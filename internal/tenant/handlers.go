package tenant

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/validation"
)

// Handler serves the billing profile endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new profile handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the profile routes on a tenant-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/profile", h.GetProfile)
	r.POST("/plan", h.SwitchPlan)
	r.PATCH("/settings", h.UpdateSettings)
}

// GetProfile handles GET /v1/billing/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.svc.GetOrCreate(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	terms, _ := feepolicy.Terms(p.Plan, h.svc.Now())
	c.JSON(http.StatusOK, gin.H{
		"profile":   p,
		"daysLeft":  feepolicy.DaysLeft(p.PerformanceEndsAt, h.svc.Now()),
		"afterRate": terms.AfterRate,
	})
}

type switchPlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

// SwitchPlan handles POST /v1/billing/plan. Tenants may move themselves to
// PERFORMANCE or DIY; paid tiers only start from a completed checkout.
func (h *Handler) SwitchPlan(c *gin.Context) {
	var req switchPlanRequest
	if err := validation.Bind(c, &req); err != nil {
		validation.Abort(c, err)
		return
	}
	plan, err := feepolicy.ParsePlan(req.Plan)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	if feepolicy.Plans[plan].Subscribed {
		apperr.Abort(c, ErrSubscriptionRequired)
		return
	}

	p, err := h.svc.SwitchPlan(c.Request.Context(), auth.TenantID(c), plan, SwitchOptions{Reason: ReasonManual})
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// UpdateSettings handles PATCH /v1/billing/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req SettingsUpdate
	if err := validation.Bind(c, &req); err != nil {
		validation.Abort(c, err)
		return
	}
	p, err := h.svc.UpdateSettings(c.Request.Context(), auth.TenantID(c), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

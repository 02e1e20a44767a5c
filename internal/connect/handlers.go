package connect

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/validation"
)

// Handler serves the connected-account endpoints.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a connect handler.
func NewHandler(t *Tracker) *Handler {
	return &Handler{tracker: t}
}

// RegisterRoutes mounts the routes on a tenant-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/connect")
	g.GET("", h.GetAccount)
	g.POST("/account", h.CreateAccount)
	g.POST("/onboarding-link", h.OnboardingLink)
	g.POST("/dashboard-link", h.DashboardLink)
	g.POST("/refresh", h.Refresh)
}

// GetAccount handles GET /v1/billing/connect
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.tracker.Get(c.Request.Context(), auth.TenantID(c))
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusOK, gin.H{"account": nil, "onboardingStatus": StatusNotStarted})
		return
	}
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a, "onboardingStatus": a.OnboardingStatus})
}

// CreateAccount handles POST /v1/billing/connect/account
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateRequest
	if c.Request.ContentLength != 0 {
		if err := validation.Bind(c, &req); err != nil {
			validation.Abort(c, err)
			return
		}
	}
	a, err := h.tracker.CreateAccount(c.Request.Context(), auth.TenantID(c), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

type linkRequest struct {
	ReturnURL  string `json:"returnUrl" binding:"omitempty,max=2048"`
	RefreshURL string `json:"refreshUrl" binding:"omitempty,max=2048"`
}

// OnboardingLink handles POST /v1/billing/connect/onboarding-link
func (h *Handler) OnboardingLink(c *gin.Context) {
	var req linkRequest
	if c.Request.ContentLength != 0 {
		if err := validation.Bind(c, &req); err != nil {
			validation.Abort(c, err)
			return
		}
	}
	link, err := h.tracker.OnboardingLink(c.Request.Context(), auth.TenantID(c), req.ReturnURL, req.RefreshURL)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

// DashboardLink handles POST /v1/billing/connect/dashboard-link
func (h *Handler) DashboardLink(c *gin.Context) {
	link, err := h.tracker.DashboardLink(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

// Refresh handles POST /v1/billing/connect/refresh
func (h *Handler) Refresh(c *gin.Context) {
	a, err := h.tracker.RefreshStatus(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a, "onboardingStatus": a.OnboardingStatus})
}

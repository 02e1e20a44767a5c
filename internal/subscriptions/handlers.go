package subscriptions

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/validation"
)

// Handler serves subscription, setup-intent and invoice endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the routes on the tenant-authenticated /v1/billing group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/subscription")
	g.POST("/checkout", h.Checkout)
	g.POST("/cancel", h.Cancel)
	g.POST("/update", h.Update)
	g.POST("/sync", h.Sync)

	r.POST("/setup-intent", h.SetupIntent)
	r.GET("/invoices", h.Invoices)
	r.GET("/invoices/upcoming", h.UpcomingInvoice)
}

// Checkout handles POST /v1/billing/subscription/checkout
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := validation.Bind(c, &req); err != nil {
		validation.Abort(c, err)
		return
	}
	session, err := h.svc.Checkout(c.Request.Context(), auth.TenantID(c), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": session.ID, "url": session.URL})
}

// Cancel handles POST /v1/billing/subscription/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength != 0 {
		if err := validation.Bind(c, &req); err != nil {
			validation.Abort(c, err)
			return
		}
	}
	out, err := h.svc.Cancel(c.Request.Context(), auth.TenantID(c), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Update handles POST /v1/billing/subscription/update
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := validation.Bind(c, &req); err != nil {
		validation.Abort(c, err)
		return
	}
	out, err := h.svc.Update(c.Request.Context(), auth.TenantID(c), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Sync handles POST /v1/billing/subscription/sync
func (h *Handler) Sync(c *gin.Context) {
	out, err := h.svc.Sync(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// SetupIntent handles POST /v1/billing/setup-intent
func (h *Handler) SetupIntent(c *gin.Context) {
	si, err := h.svc.CreateSetupIntent(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"setupIntentId": si.ID, "clientSecret": si.ClientSecret})
}

// Invoices handles GET /v1/billing/invoices?limit=N
func (h *Handler) Invoices(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			apperr.Abort(c, ErrInvalidLimit)
			return
		}
		limit = n
		if limit == 0 {
			apperr.Abort(c, ErrInvalidLimit)
			return
		}
	}
	invoices, err := h.svc.Invoices(c.Request.Context(), auth.TenantID(c), limit)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "count": len(invoices)})
}

// UpcomingInvoice handles GET /v1/billing/invoices/upcoming
func (h *Handler) UpcomingInvoice(c *gin.Context) {
	inv, err := h.svc.UpcomingInvoice(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

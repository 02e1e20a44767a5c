package bookings

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/validation"
)

// Handler serves booking registration for the booking subsystem.
type Handler struct {
	svc             *Service
	defaultCurrency string
}

// NewHandler creates a bookings handler.
func NewHandler(svc *Service, defaultCurrency string) *Handler {
	return &Handler{svc: svc, defaultCurrency: defaultCurrency}
}

// RegisterRoutes mounts the booking routes on a tenant-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.Register)
	r.GET("/bookings/:bookingId", h.Get)
}

// Register handles POST /v1/bookings
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := validation.Bind(c, &req); err != nil {
		validation.Abort(c, err)
		return
	}
	b, err := h.svc.Register(c.Request.Context(), auth.TenantID(c), h.defaultCurrency, req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// Get handles GET /v1/bookings/:bookingId
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	b, err := h.svc.Get(ctx, auth.TenantID(c), c.Param("bookingId"))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	payments, err := h.svc.Payments(ctx, b.ID)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	if payments == nil {
		payments = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"booking": b, "payments": payments})
}

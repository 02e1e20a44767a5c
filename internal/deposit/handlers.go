package deposit

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/validation"
)

// Handler serves the deposit endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a deposit handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the deposit routes on the tenant-authenticated /v1 group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bookings/:bookingId/deposits", h.ListByBooking)
	r.POST("/billing/deposits/:depositId/capture", h.Capture)
	r.POST("/billing/deposits/:depositId/release", h.Release)
}

// ListByBooking handles GET /v1/bookings/:bookingId/deposits
func (h *Handler) ListByBooking(c *gin.Context) {
	deposits, err := h.svc.ListByBooking(c.Request.Context(), auth.TenantID(c), c.Param("bookingId"))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits, "count": len(deposits)})
}

type captureRequest struct {
	AmountCents *int64 `json:"amountCents" binding:"omitempty,gt=0"`
}

// Capture handles POST /v1/billing/deposits/:depositId/capture. An empty
// body captures the full hold.
func (h *Handler) Capture(c *gin.Context) {
	var req captureRequest
	if c.Request.ContentLength != 0 {
		if err := validation.Bind(c, &req); err != nil {
			validation.Abort(c, err)
			return
		}
	}
	d, err := h.svc.Capture(c.Request.Context(), auth.TenantID(c), c.Param("depositId"), req.AmountCents)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": d})
}

// Release handles POST /v1/billing/deposits/:depositId/release
func (h *Handler) Release(c *gin.Context) {
	d, err := h.svc.Release(c.Request.Context(), auth.TenantID(c), c.Param("depositId"))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposit": d})
}

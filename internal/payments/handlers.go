package payments

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/validation"
)

// Handler serves booking payment and refund endpoints.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the routes on the tenant-authenticated /v1 group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:bookingId/payment", h.CreatePayment)
	r.POST("/billing/refunds", h.Refund)
}

// CreatePayment handles POST /v1/bookings/:bookingId/payment
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if c.Request.ContentLength != 0 {
		if err := validation.Bind(c, &req); err != nil {
			validation.Abort(c, err)
			return
		}
	}
	out, err := h.svc.CreateBookingPayment(c.Request.Context(), auth.TenantID(c), c.Param("bookingId"), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// Refund handles POST /v1/billing/refunds
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := validation.Bind(c, &req); err != nil {
		validation.Abort(c, err)
		return
	}
	refund, err := h.svc.Refund(c.Request.Context(), auth.TenantID(c), req)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": refund})
}

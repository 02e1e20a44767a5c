package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
)

// MaxBodyBytes caps an event delivery.
const MaxBodyBytes = 64 << 10

// Handler receives processor deliveries.
type Handler struct {
	gw *Gateway
}

func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

// RegisterRoutes mounts the unauthenticated delivery route on /v1.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /v1/webhooks/stripe
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":     "payload_too_large",
				"message":   "Event payload exceeds the size limit.",
				"retryable": false,
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":     "invalid_request",
			"message":   "Could not read the request body.",
			"retryable": false,
		})
		return
	}

	outcome, err := h.gw.Process(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "status": string(outcome)})
	case errors.Is(err, ErrInvalidSignature):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":     "invalid_signature",
			"message":   "Webhook signature verification failed.",
			"retryable": false,
		})
	case errors.Is(err, ErrInFlight), errors.Is(err, ErrNotConfigured):
		apperr.Abort(c, err)
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":     "processing_failed",
			"message":   "Event processing failed and will be retried.",
			"retryable": true,
		})
	}
}

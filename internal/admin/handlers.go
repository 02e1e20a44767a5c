package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/audit"
	"github.com/mbd888/luxbill/internal/logging"
	"github.com/mbd888/luxbill/internal/pagination"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler Reconciler
	events     EventReplayer
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the reconciler for on-demand reports.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithEventReplayer sets the webhook gateway for event inspection and replay.
func (h *Handler) WithEventReplayer(e EventReplayer) *Handler {
	h.events = e
	return h
}

// RegisterRoutes sets up admin routes on an admin-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.reconcile)
	r.GET("/webhooks/unprocessed", h.listUnprocessed)
	r.POST("/webhooks/:eventId/replay", h.replay)
}

func notConfigured(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":     "not_configured",
		"message":   what + " is not configured",
		"retryable": false,
	})
}

// reconcile handles GET /v1/admin/reconciliation. A failed check still
// returns the partial report with 500.
func (h *Handler) reconcile(c *gin.Context) {
	if h.reconciler == nil {
		notConfigured(c, "reconciliation")
		return
	}
	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
			"report":  report,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// listUnprocessed handles GET /v1/admin/webhooks/unprocessed?olderThan=&limit=
func (h *Handler) listUnprocessed(c *gin.Context) {
	if h.events == nil {
		notConfigured(c, "webhook ingestion")
		return
	}
	olderThan := time.Duration(0)
	if v := c.Query("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			apperr.Abort(c, apperr.New(apperr.InvalidInput, "admin: olderThan must be a non-negative duration such as 10m"))
			return
		}
		olderThan = d
	}
	limit := pagination.ParseLimit(c.Query("limit"), 100, 1000)

	events, err := h.events.Unprocessed(c.Request.Context(), time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// replay handles POST /v1/admin/webhooks/:eventId/replay
func (h *Handler) replay(c *gin.Context) {
	if h.events == nil {
		notConfigured(c, "webhook ingestion")
		return
	}
	eventID := c.Param("eventId")
	ctx := audit.WithActor(c.Request.Context(), audit.ActorAdmin, "admin")
	outcome, err := h.events.Replay(ctx, eventID)
	if err != nil {
		if apperr.KindOf(err) != nil {
			apperr.Abort(c, err)
			return
		}
		logging.L(ctx).Error("event replay failed", "event_id", eventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "processing_failed",
			"message":   err.Error(),
			"retryable": true,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventId": eventID, "status": string(outcome)})
}

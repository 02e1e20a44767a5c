package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/pagination"
)

// Handler serves the tenant's fee ledger.
type Handler struct {
	ledger   *Ledger
	tenantOf func(*gin.Context) string
}

// NewHandler creates a ledger handler. tenantOf resolves the authenticated tenant.
func NewHandler(l *Ledger, tenantOf func(*gin.Context) string) *Handler {
	return &Handler{ledger: l, tenantOf: tenantOf}
}

// RegisterRoutes mounts GET /ledger on a tenant-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger", h.List)
}

// List handles GET /v1/billing/ledger?limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), pagination.DefaultLimit, pagination.MaxLimit)
	ctx := c.Request.Context()
	tenantID := h.tenantOf(c)

	entries, next, err := h.ledger.ListByTenant(ctx, tenantID, limit, c.Query("cursor"))
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	stats, err := h.ledger.MonthToDateStats(ctx, tenantID, h.ledger.now())
	if err != nil {
		apperr.Abort(c, err)
		return
	}

	resp := gin.H{"entries": entries, "count": len(entries), "hasMore": next != "", "monthToDate": stats}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

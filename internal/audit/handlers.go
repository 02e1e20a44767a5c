package audit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/pagination"
)

// Handler serves the tenant's audit trail.
type Handler struct {
	recorder *Recorder
	tenantOf func(*gin.Context) string
}

// NewHandler creates the audit handler. tenantOf resolves the authenticated
// tenant of a request.
func NewHandler(r *Recorder, tenantOf func(*gin.Context) string) *Handler {
	return &Handler{recorder: r, tenantOf: tenantOf}
}

// RegisterRoutes mounts GET /audit on a tenant-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.List)
}

// List handles GET /v1/billing/audit?action=&from=&to=&limit=
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		Action: c.Query("action"),
		Limit:  pagination.ParseLimit(c.Query("limit"), 100, 500),
	}
	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		apperr.Abort(c, err)
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		apperr.Abort(c, err)
		return
	}

	entries, err := h.recorder.List(c.Request.Context(), h.tenantOf(c), f)
	if err != nil {
		apperr.Abort(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, apperr.New(apperr.InvalidInput, "timestamps must be RFC 3339")
	}
	return t, nil
}

package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/feepolicy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandler_List(t *testing.T) {
	l, _, _ := newTestLedger()
	_, err := l.RecordCharge(context.Background(), rentalCharge("bk1", 100000, 700, feepolicy.PlanPerformance))
	require.NoError(t, err)

	r := gin.New()
	NewHandler(l, func(*gin.Context) string { return "t1" }).RegisterRoutes(r.Group("/v1/billing"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/billing/ledger?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []map[string]any `json:"entries"`
		HasMore bool             `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, float64(7), resp.Entries[0]["feePercentApplied"])
	assert.Equal(t, float64(7000), resp.Entries[0]["applicationFeeCents"])
	assert.False(t, resp.HasMore)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/billing/ledger?cursor=bad!", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

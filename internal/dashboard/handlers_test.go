package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/luxbill/internal/apperr"
	"github.com/mbd888/luxbill/internal/auth"
	"github.com/mbd888/luxbill/internal/connect"
	"github.com/mbd888/luxbill/internal/feepolicy"
	"github.com/mbd888/luxbill/internal/ledger"
	"github.com/mbd888/luxbill/internal/storage"
	"github.com/mbd888/luxbill/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubAccounts struct {
	acct *connect.Account
	err  error
}

func (s stubAccounts) Get(context.Context, string) (*connect.Account, error) { return s.acct, s.err }

type statsResponse struct {
	Plan                  string  `json:"plan"`
	ActiveFeePercent      float64 `json:"activeFeePercent"`
	AfterFeePercent       float64 `json:"afterFeePercent"`
	DaysLeftInPerformance int     `json:"daysLeftInPerformance"`
	MonthToDate           struct {
		Bookings     int   `json:"bookings"`
		GMVCents     int64 `json:"gmvCents"`
		FeesCents    int64 `json:"feesCents"`
		NetFeesCents int64 `json:"netFeesCents"`
	} `json:"monthToDate"`
	OnboardingStatus string `json:"onboardingStatus"`
	ChargesEnabled   bool   `json:"chargesEnabled"`
	CardOnFile       bool   `json:"cardOnFile"`
}

func setup(t *testing.T, accounts Accounts) (*gin.Engine, *ledger.Ledger) {
	t.Helper()
	profiles := tenant.NewService(tenant.NewMemoryStore(), storage.MemoryRunner{}, nil, "US", "usd").
		WithClock(func() time.Time { return t0 })
	l := ledger.New(ledger.NewMemoryStore()).WithClock(func() time.Time { return t0.Add(time.Hour) })

	h := NewHandler(profiles, l, accounts).WithClock(func() time.Time { return t0.Add(10 * 24 * time.Hour) })
	r := gin.New()
	g := r.Group("/v1/billing", func(c *gin.Context) {
		c.Set(auth.ContextKeyTenantID, "t1")
		c.Next()
	})
	h.RegisterRoutes(g)
	return r, l
}

func getStats(t *testing.T, r *gin.Engine) (*httptest.ResponseRecorder, statsResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/billing/stats", nil))
	var resp statsResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestStats_NewTenant(t *testing.T) {
	r, _ := setup(t, nil)
	w, resp := getStats(t, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PERFORMANCE", resp.Plan)
	assert.Equal(t, float64(7), resp.ActiveFeePercent)
	assert.Equal(t, float64(2), resp.AfterFeePercent)
	assert.Equal(t, 50, resp.DaysLeftInPerformance)
	assert.Zero(t, resp.MonthToDate.Bookings)
	assert.Equal(t, string(connect.StatusNotStarted), resp.OnboardingStatus)
	assert.False(t, resp.CardOnFile)
}

func TestStats_MonthToDate(t *testing.T) {
	acct := &connect.Account{TenantID: "t1", OnboardingStatus: connect.StatusComplete, ChargesEnabled: true}
	r, l := setup(t, stubAccounts{acct: acct})

	_, err := l.RecordCharge(context.Background(), ledger.Charge{
		BookingID: "bk1", TenantID: "t1", ChargeType: ledger.ChargeRental,
		FeeCents: 7000, Rate: feepolicy.Rate(700), Plan: feepolicy.PlanPerformance,
		BookingAmountCents: 100000, Currency: "usd",
	})
	require.NoError(t, err)

	w, resp := getStats(t, r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, resp.MonthToDate.Bookings)
	assert.Equal(t, int64(100000), resp.MonthToDate.GMVCents)
	assert.Equal(t, int64(7000), resp.MonthToDate.FeesCents)
	assert.Equal(t, int64(7000), resp.MonthToDate.NetFeesCents)
	assert.Equal(t, string(connect.StatusComplete), resp.OnboardingStatus)
	assert.True(t, resp.ChargesEnabled)
}

func TestStats_AccountLookupFailure(t *testing.T) {
	r, _ := setup(t, stubAccounts{err: apperr.Wrap(apperr.Upstream, errors.New("connection reset"))})
	w, _ := getStats(t, r)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

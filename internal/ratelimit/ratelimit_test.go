package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow_Burst(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("ip:1.2.3.4"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("ip:1.2.3.4"), "request after burst")
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("a")
	}
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"), "client b has its own bucket")
}

func newRouter(l *Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/dashboard/stats", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/webhooks/stripe", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestMiddleware_Throttles(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 1})
	defer limiter.Stop()
	r := newRouter(limiter)

	send := func(key string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/dashboard/stats", nil)
		req.Header.Set("X-API-Key", key)
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("lux_a").Code)
	w := send("lux_a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, send("lux_b").Code)
}

func TestMiddleware_ExemptWebhookRoute(t *testing.T) {
	cfg := Config{RequestsPerMinute: 1, BurstSize: 1, Exempt: []string{"/v1/webhooks/stripe"}}
	limiter := New(cfg)
	defer limiter.Stop()
	r := newRouter(limiter)

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

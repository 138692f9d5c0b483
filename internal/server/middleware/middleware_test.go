package middleware

import (
	"encoding/json"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/martinmaurice/spoolr/pkg/metrics"
	"net/http"
	"net/http/httptest"
	"testing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLimiter struct {
	allow bool
	keys  []string
	costs []int
}

func (f *fakeLimiter) Allow(key string, cost int) bool {
	f.keys = append(f.keys, key)
	f.costs = append(f.costs, cost)
	return f.allow
}

func newTestEngine(middlewares ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(middlewares...)
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAuthenticationMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		apiKeys        []string
		header         string
		expectedStatus int
	}{
		{name: "no keys configured", expectedStatus: http.StatusOK},
		{name: "valid key", apiKeys: []string{"k1", "k2"}, header: "k2", expectedStatus: http.StatusOK},
		{name: "missing key", apiKeys: []string{"k1"}, expectedStatus: http.StatusUnauthorized},
		{name: "wrong key", apiKeys: []string{"k1"}, header: "nope", expectedStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestEngine(AuthenticationMiddleware(tt.apiKeys))
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.header != "" {
				req.Header.Set(apiKeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusUnauthorized {
				assert.Equal(t, UnauthorizedErrorCode, decodeError(t, rec).Code)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	constCost := func(*gin.Context) int { return 3 }

	t.Run("allowed request keyed by user ref", func(t *testing.T) {
		limiter := &fakeLimiter{allow: true}
		r := newTestEngine(RateLimitMiddleware(limiter, constCost))

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(UserRefHeader, "u-42")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"user:u-42"}, limiter.keys)
		assert.Equal(t, []int{3}, limiter.costs)
	})

	t.Run("falls back to client ip", func(t *testing.T) {
		limiter := &fakeLimiter{allow: true}
		r := newTestEngine(RateLimitMiddleware(limiter, constCost))

		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, []string{"ip:10.0.0.7"}, limiter.keys)
	})

	t.Run("denied request gets a retryable 429", func(t *testing.T) {
		limiter := &fakeLimiter{allow: false}
		r := newTestEngine(RateLimitMiddleware(limiter, constCost))

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, RateLimitedErrorCode, body.Code)
		assert.True(t, body.Retryable)
	})
}

func TestQueueTimeMiddleware(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	t.Run("generates a request id", func(t *testing.T) {
		r := newTestEngine(QueueTimeMiddleware(m))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Len(t, rec.Header().Get(RequestIdHeader), 36)
		assert.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))
	})

	t.Run("keeps the caller request id", func(t *testing.T) {
		r := newTestEngine(QueueTimeMiddleware(nil))
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(RequestIdHeader, "abc")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, "abc", rec.Header().Get(RequestIdHeader))
	})
}

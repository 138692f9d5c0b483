package server

import (
	"bytes"
	"encoding/json"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github/martinmaurice/spoolr/internal/server/middleware"
	"github/martinmaurice/spoolr/pkg/config"
	"github/martinmaurice/spoolr/pkg/enum"
	"github/martinmaurice/spoolr/pkg/env"
	"github/martinmaurice/spoolr/pkg/metrics"
	"github/martinmaurice/spoolr/pkg/rate_limiter"
	"github/martinmaurice/spoolr/pkg/reconciler"
	"github/martinmaurice/spoolr/pkg/spool"
	"github/martinmaurice/spoolr/pkg/store"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*Server
	store *store.MemoryStore
	spool *spool.Spool
}

func newTestServer(t *testing.T, envObj *env.Specification, opts ...Option) testServer {
	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerMinute: 60, Burst: 5},
		Retry: map[enum.Durability]config.RetryConfig{
			enum.Durable:    {Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
			enum.BestEffort: {Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		Spool: config.SpoolConfig{Dir: t.TempDir(), MaxBytes: 1 << 20, DrainBatch: 100},
		Kinds: map[string]config.KindConfig{
			"archetype": {Durability: enum.Durable, Cost: 2},
			"event":     {Durability: enum.BestEffort, Cost: 1},
		},
	}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	st := store.NewMemoryStore()
	sp, err := spool.New(cfg.Spool.Dir, cfg.Spool.MaxBytes)
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	driver := reconciler.New(cfg, st, sp, reconciler.WithMetrics(m))
	t.Cleanup(driver.Wait)
	limiter := rate_limiter.New(cfg.RateLimit)

	opts = append([]Option{WithMetrics(m)}, opts...)
	srv := NewServer(envObj, cfg, driver, st, limiter, opts...)
	return testServer{Server: srv, store: st, spool: sp}
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestRecordsHandler(t *testing.T) {
	body := `{"user_ref":"u-1","payload":{"name":"wanderer"}}`

	t.Run("stored", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})

		rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeBody[map[string]any](t, rec)
		assert.Equal(t, "stored", resp["status"])
		assert.NotEmpty(t, resp["id"])
		assert.Len(t, resp["idempotency_key"], 64)
		assert.Equal(t, 1, s.store.Count())
	})

	t.Run("queued while the store is down", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})
		s.store.SetDown(true)

		rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "queued", decodeBody[map[string]any](t, rec)["status"])

		pending, err := s.spool.Pending()
		require.NoError(t, err)
		assert.Equal(t, 1, pending)
	})

	t.Run("discarded best effort", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})
		s.store.SetDown(true)

		rec := doRequest(s.Server, http.MethodPost, "/records/event", body, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "discarded", decodeBody[map[string]any](t, rec)["status"])
	})

	t.Run("same user and payload give the same key", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})

		first := decodeBody[map[string]any](t, doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil))
		second := decodeBody[map[string]any](t, doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil))
		assert.Equal(t, first["idempotency_key"], second["idempotency_key"])
		assert.Equal(t, first["id"], second["id"])
	})

	t.Run("integers past 2^53 keep their exact value", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})
		headers := map[string]string{middleware.UserRefHeader: "u-1"}

		recA := doRequest(s.Server, http.MethodPost, "/records/archetype", `{"user_ref":"u-1","payload":{"n":9007199254740993}}`, headers)
		require.Equal(t, http.StatusOK, recA.Code)
		recB := doRequest(s.Server, http.MethodPost, "/records/archetype", `{"user_ref":"u-1","payload":{"n":9007199254740992}}`, headers)
		require.Equal(t, http.StatusOK, recB.Code)

		respA := decodeBody[map[string]any](t, recA)
		respB := decodeBody[map[string]any](t, recB)
		assert.NotEqual(t, respA["idempotency_key"], respB["idempotency_key"])
		assert.NotEqual(t, respA["id"], respB["id"])
		assert.Equal(t, 2, s.store.Count())

		stored, ok := s.store.Get("archetype", respA["idempotency_key"].(string))
		require.True(t, ok)
		assert.Equal(t, `{"n":9007199254740993}`, string(stored.Payload))
	})

	t.Run("payload must be an object", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})

		for _, body := range []string{`{"payload":null}`, `{"payload":[1,2]}`, `{"payload":"x"}`} {
			rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code, body)
			assert.Equal(t, badRequestErrorCode, decodeBody[middleware.ErrorResponse](t, rec).Error.Code)
		}
		assert.Zero(t, s.store.Count())
	})

	t.Run("unknown kind", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})

		rec := doRequest(s.Server, http.MethodPost, "/records/ghost", body, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, unknownKindErrorCode, decodeBody[middleware.ErrorResponse](t, rec).Error.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})

		rec := doRequest(s.Server, http.MethodPost, "/records/archetype", `{"user_ref":`, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, badRequestErrorCode, decodeBody[middleware.ErrorResponse](t, rec).Error.Code)
	})

	t.Run("rejected by the store", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})
		s.store.FailNext(1, store.ErrPermanent)

		rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		errBody := decodeBody[middleware.ErrorResponse](t, rec).Error
		assert.Equal(t, rejectedErrorCode, errBody.Code)
		assert.False(t, errBody.Retryable)
	})

	t.Run("rate limited by kind cost", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})
		headers := map[string]string{middleware.UserRefHeader: "u-1"}

		// burst 5, archetype costs 2: two writes pass, the third does not
		for range 2 {
			rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, headers)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, headers)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		errBody := decodeBody[middleware.ErrorResponse](t, rec).Error
		assert.Equal(t, middleware.RateLimitedErrorCode, errBody.Code)
		assert.True(t, errBody.Retryable)

		// the remaining token still serves a cost one request
		rec = doRequest(s.Server, http.MethodPost, "/records/event", body, headers)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("rate limiter disabled", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{}, WithDisableRateLimiter(true))

		for range 10 {
			rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
	})

	t.Run("api key required when configured", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{ApiKeys: []string{"secret"}})

		rec := doRequest(s.Server, http.MethodPost, "/records/archetype", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = doRequest(s.Server, http.MethodPost, "/records/archetype", body, map[string]string{"X-API-KEY": "secret"})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestReconcileHandler(t *testing.T) {
	s := newTestServer(t, &env.Specification{}, WithDisableRateLimiter(true))
	s.store.SetDown(true)
	for _, name := range []string{"a", "b", "c"} {
		rec := doRequest(s.Server, http.MethodPost, "/records/archetype", `{"payload":{"name":"`+name+`"}}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	s.store.SetDown(false)

	rec := doRequest(s.Server, http.MethodPost, "/reconcile", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[reconcileResponseDTO](t, rec)
	assert.Equal(t, 3, resp.Applied)
	assert.Equal(t, 0, resp.Pending)
	assert.Equal(t, 3, s.store.Count())
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{ApiKeys: []string{"secret"}})

		rec := doRequest(s.Server, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeBody[healthResponseDTO](t, rec)
		assert.True(t, resp.Ok)
		assert.True(t, resp.StoreOk)
		assert.Equal(t, s.spool.Path(), resp.SpoolPath)
		assert.Equal(t, 0, resp.Pending)
	})

	t.Run("store down", func(t *testing.T) {
		s := newTestServer(t, &env.Specification{})
		s.store.SetDown(true)
		doRequest(s.Server, http.MethodPost, "/records/archetype", `{"payload":{"a":1}}`, nil)

		rec := doRequest(s.Server, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeBody[healthResponseDTO](t, rec)
		assert.False(t, resp.Ok)
		assert.False(t, resp.StoreOk)
		assert.Equal(t, 1, resp.Pending)
	})
}

func TestGetRateByKeyHandler(t *testing.T) {
	s := newTestServer(t, &env.Specification{})

	rec := doRequest(s.Server, http.MethodGet, "/rate/user:u-9", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	headers := map[string]string{middleware.UserRefHeader: "u-9"}
	doRequest(s.Server, http.MethodPost, "/records/archetype", `{"payload":{"a":1}}`, headers)

	rec = doRequest(s.Server, http.MethodGet, "/rate/user:u-9", "", headers)
	require.Equal(t, http.StatusOK, rec.Code)
	bucket := decodeBody[rate_limiter.Bucket](t, rec)
	assert.Equal(t, "user:u-9", bucket.Key)
	// 5 - 2 for the write - 1 for this very request, plus a sliver of refill
	assert.InDelta(t, 2.0, bucket.Tokens, 0.5)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &env.Specification{})
	doRequest(s.Server, http.MethodPost, "/records/archetype", `{"payload":{"a":1}}`, nil)

	rec := doRequest(s.Server, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `spoolr_writes_total{kind="archetype",status="stored"} 1`))
}

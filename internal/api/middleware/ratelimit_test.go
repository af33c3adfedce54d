package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climateaction/airstream/internal/api/middleware"
	"github.com/climateaction/airstream/internal/api/models"
)

type limitedRequest struct {
	remoteAddr string
	userID     string
}

// serveAll sends each request through handler and returns the status codes.
func serveAll(handler http.Handler, path string, reqs ...limitedRequest) []int {
	codes := make([]int, 0, len(reqs))
	for _, lr := range reqs {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		req.RemoteAddr = lr.remoteAddr
		if lr.userID != "" {
			req = req.WithContext(middleware.WithUserID(req.Context(), lr.userID))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	return codes
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func repeat(lr limitedRequest, n int) []limitedRequest {
	out := make([]limitedRequest, n)
	for i := range out {
		out[i] = lr
	}
	return out
}

func TestRateLimitByIP(t *testing.T) {
	cfg := middleware.RateLimitConfig{RequestLimit: 3, WindowLength: time.Minute}
	nairobi := limitedRequest{remoteAddr: "41.90.10.1:5000"}
	mombasa := limitedRequest{remoteAddr: "41.90.20.2:5000"}

	t.Run("allows up to the limit", func(t *testing.T) {
		handler := middleware.RateLimitByIP(cfg)(okHandler())
		codes := serveAll(handler, "/v1/ws/air-quality", repeat(nairobi, 3)...)
		assert.Equal(t, []int{200, 200, 200}, codes)
	})

	t.Run("rejects the next upgrade", func(t *testing.T) {
		handler := middleware.RateLimitByIP(cfg)(okHandler())
		codes := serveAll(handler, "/v1/ws/air-quality", repeat(nairobi, 4)...)
		assert.Equal(t, []int{200, 200, 200, http.StatusTooManyRequests}, codes)
	})

	t.Run("counts each IP separately", func(t *testing.T) {
		handler := middleware.RateLimitByIP(cfg)(okHandler())
		reqs := append(repeat(nairobi, 4), mombasa)
		codes := serveAll(handler, "/v1/ws/air-quality", reqs...)
		assert.Equal(t, http.StatusTooManyRequests, codes[3])
		assert.Equal(t, http.StatusOK, codes[4])
	})
}

func TestRateLimitByUser(t *testing.T) {
	cfg := middleware.RateLimitConfig{RequestLimit: 2, WindowLength: time.Minute}

	t.Run("keys by user across addresses", func(t *testing.T) {
		handler := middleware.RateLimitByUser(cfg)(okHandler())
		codes := serveAll(handler, "/v1/air-quality/latest",
			limitedRequest{remoteAddr: "10.0.0.1:1000", userID: "user-1"},
			limitedRequest{remoteAddr: "10.0.0.2:1000", userID: "user-1"},
			limitedRequest{remoteAddr: "10.0.0.3:1000", userID: "user-1"},
			limitedRequest{remoteAddr: "10.0.0.3:1000", userID: "user-2"},
		)
		assert.Equal(t, []int{200, 200, http.StatusTooManyRequests, 200}, codes)
	})

	t.Run("falls back to the client IP", func(t *testing.T) {
		handler := middleware.RateLimitByUser(cfg)(okHandler())
		anon := limitedRequest{remoteAddr: "10.0.0.9:1000"}
		codes := serveAll(handler, "/v1/air-quality/latest",
			anon, anon, anon,
			limitedRequest{remoteAddr: "10.0.0.10:1000"},
		)
		assert.Equal(t, []int{200, 200, http.StatusTooManyRequests, 200}, codes)
	})
}

func TestRateLimit_ProblemResponse(t *testing.T) {
	cfg := middleware.RateLimitConfig{RequestLimit: 1, WindowLength: time.Minute}
	handler := middleware.RequestID(middleware.RateLimitByIP(cfg)(okHandler()))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/air-quality/latest", http.NoBody)
		req.RemoteAddr = "203.0.113.1:12345"
		req.Header.Set("X-Request-Id", "req-limit-1")
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var problem models.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, models.ProblemTypeTooManyRequests, problem.Type)
	assert.Equal(t, "/v1/air-quality/latest", problem.Instance)
	assert.Equal(t, "req-limit-1", problem.TraceID)
	assert.Equal(t, "Rate limit exceeded: at most 1 requests per 1m0s.", problem.Detail)
}

func TestRateLimit_RetryAfterFollowsWindow(t *testing.T) {
	cfg := middleware.RateLimitConfig{RequestLimit: 1, WindowLength: 1500 * time.Millisecond}
	handler := middleware.RateLimitByIP(cfg)(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/ws/air-quality", http.NoBody)
		req.RemoteAddr = "198.51.100.7:40000"
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "at most 1 requests per 1.5s")
}

func TestDefaultRateLimitConfigs(t *testing.T) {
	tests := []struct {
		name  string
		cfg   middleware.RateLimitConfig
		limit int
	}{
		{"stream", middleware.StreamRateLimit, 10},
		{"expensive", middleware.ExpensiveRateLimit, 30},
		{"standard", middleware.StandardRateLimit, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.limit, tt.cfg.RequestLimit)
			assert.Equal(t, time.Minute, tt.cfg.WindowLength)
		})
	}
}

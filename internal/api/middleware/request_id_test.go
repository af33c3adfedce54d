package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/climateaction/airstream/internal/api/middleware"
)

func serveRequestID(t *testing.T, incoming string) (ctxID, headerID string) {
	t.Helper()
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = middleware.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	if incoming != "" {
		req.Header.Set("X-Request-Id", incoming)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return ctxID, w.Header().Get("X-Request-Id")
}

func TestRequestID_GeneratesNewID(t *testing.T) {
	ctxID, headerID := serveRequestID(t, "")

	assert.True(t, strings.HasPrefix(ctxID, "req_"))
	assert.Len(t, ctxID, len("req_")+32)
	assert.Equal(t, ctxID, headerID)
}

func TestRequestID_ClientSuppliedIDs(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "plain", incoming: "mobile-7f3a.42", keep: true},
		{name: "uuid", incoming: "0b6f6f2c-63a4-4c35-9a55-0f5d1c1f2f4d", keep: true},
		{name: "newline injection", incoming: "abc\ndef", keep: false},
		{name: "spaces", incoming: "abc def", keep: false},
		{name: "quotes", incoming: `abc"def`, keep: false},
		{name: "too long", incoming: strings.Repeat("a", 65), keep: false},
		{name: "max length", incoming: strings.Repeat("a", 64), keep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctxID, headerID := serveRequestID(t, tt.incoming)

			assert.Equal(t, ctxID, headerID)
			if tt.keep {
				assert.Equal(t, tt.incoming, ctxID)
			} else {
				assert.NotEqual(t, tt.incoming, ctxID)
				assert.True(t, strings.HasPrefix(ctxID, "req_"))
			}
		})
	}
}

func TestGetRequestID_ReturnsEmptyStringForMissingContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	assert.Empty(t, middleware.GetRequestID(req.Context()))
}

func TestRequestID_UniqueIDs(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, _ := serveRequestID(t, "")
		assert.False(t, ids[id], "duplicate request ID generated: %s", id)
		ids[id] = true
	}
}

package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/climateaction/airstream/internal/api/middleware"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr
}

// spanAttr returns the value of key on the only ended span.
func spanAttr(t *testing.T, sr *tracetest.SpanRecorder, key attribute.Key) (attribute.Value, bool) {
	t.Helper()
	spans := sr.Ended()
	require.Len(t, spans, 1)
	for _, attr := range spans[0].Attributes() {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_NamesSpanAfterRoute(t *testing.T) {
	sr := recordSpans(t)

	r := chi.NewRouter()
	r.Use(middleware.Tracing("airstream-api"))
	r.Get("/v1/air-quality/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
		_, _ = w.Write([]byte(`{"id":"r-1"}`))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/air-quality/reports/r-1", http.NoBody))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/air-quality/reports/{id}", spans[0].Name())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())

	route, ok := spanAttr(t, sr, "http.route")
	require.True(t, ok)
	assert.Equal(t, "/v1/air-quality/reports/{id}", route.AsString())

	size, ok := spanAttr(t, sr, "http.response.body.size")
	require.True(t, ok)
	assert.Equal(t, int64(len(`{"id":"r-1"}`)), size.AsInt64())
}

func TestTracing_UnroutedRequestKeepsPath(t *testing.T) {
	sr := recordSpans(t)

	handler := middleware.Tracing("airstream-api")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/ops/health", spans[0].Name())
	_, ok := spanAttr(t, sr, "http.route")
	assert.False(t, ok)
}

func TestTracing_ContinuesIncomingTrace(t *testing.T) {
	sr := recordSpans(t)

	handler := middleware.Tracing("airstream-api")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/air-quality/latest", http.NoBody)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "b7ad6b7169203331", spans[0].Parent().SpanID().String())
}

func TestTracing_StatusCode(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  codes.Code
		wantDescr string
	}{
		{"ok", http.StatusOK, codes.Unset, ""},
		{"client error", http.StatusNotFound, codes.Unset, ""},
		{"bad gateway", http.StatusBadGateway, codes.Error, "Bad Gateway"},
		{"internal", http.StatusInternalServerError, codes.Error, "Internal Server Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := recordSpans(t)
			handler := middleware.Tracing("airstream-api")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/air-quality/latest", http.NoBody))

			status, ok := spanAttr(t, sr, "http.response.status_code")
			require.True(t, ok)
			assert.Equal(t, int64(tt.status), status.AsInt64())

			spanStatus := sr.Ended()[0].Status()
			assert.Equal(t, tt.wantCode, spanStatus.Code)
			assert.Equal(t, tt.wantDescr, spanStatus.Description)
		})
	}
}

func TestTracing_IncludesRequestID(t *testing.T) {
	sr := recordSpans(t)

	handler := middleware.RequestID(
		middleware.Tracing("airstream-api")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/air-quality/latest", http.NoBody)
	req.Header.Set("X-Request-Id", "client-req.42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	id, ok := spanAttr(t, sr, "request.id")
	require.True(t, ok)
	assert.Equal(t, "client-req.42", id.AsString())
}

func TestTracing_RedactsAccessToken(t *testing.T) {
	sr := recordSpans(t)

	handler := middleware.Tracing("airstream-api")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/ws/air-quality?access_token=secret-token&lat=-1.2921", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	for _, attr := range spans[0].Attributes() {
		assert.NotContains(t, attr.Value.Emit(), "secret-token", string(attr.Key))
	}

	query, ok := spanAttr(t, sr, "url.query")
	require.True(t, ok)
	assert.Contains(t, query.AsString(), "access_token=REDACTED")
	assert.Contains(t, query.AsString(), "lat=-1.2921")
}

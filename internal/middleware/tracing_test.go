package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kenneth/letter-vault/internal/metrics"
)

func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func newTracedRouter(redact bool, status int) *mux.Router {
	router := mux.NewRouter()
	router.Use(TracingMiddleware(redact))
	router.HandleFunc("/v1/users/{userID}/letters", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}).Methods(http.MethodGet)
	return router
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	recorder := withSpanRecorder(t)
	router := newTracedRouter(true, http.StatusOK)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user-42/letters", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP GET /v1/users/{userID}/letters", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	a := attrs(span)
	assert.Equal(t, "[REDACTED]", a["http.request.header.authorization"].AsString())
	assert.Equal(t, "application/json", a["http.request.header.content-type"].AsString())
	assert.Equal(t, "/v1/users/{userID}/letters", a["http.route"].AsString())
	assert.Equal(t, int64(200), a["http.status_code"].AsInt64())
	_, hasTarget := a["http.target"]
	assert.False(t, hasTarget, "raw path carries the user id")
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	recorder := withSpanRecorder(t)
	router := newTracedRouter(false, http.StatusInternalServerError)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user-42/letters", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	a := attrs(spans[0])
	assert.Equal(t, "Bearer secret-token", a["http.request.header.authorization"].AsString())
	assert.Equal(t, "/v1/users/user-42/letters", a["http.target"].AsString())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestSpanName(t *testing.T) {
	assert.Equal(t, "HTTP GET", spanName("GET", ""))
	assert.Equal(t, "HTTP PUT /v1/users/{userID}/address", spanName("PUT", "/v1/users/{userID}/address"))
}

func TestRouteTemplate_Unmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, "/nowhere", routeTemplate(req))
}

func TestGetRemoteAddr(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{
			name:     "X-Real-IP header",
			headers:  map[string]string{"X-Real-IP": "192.168.1.100"},
			remote:   "10.0.0.1:12345",
			expected: "192.168.1.100",
		},
		{
			name:     "X-Forwarded-For single IP",
			headers:  map[string]string{"X-Forwarded-For": "192.168.1.200"},
			remote:   "10.0.0.1:12345",
			expected: "192.168.1.200",
		},
		{
			name:     "X-Forwarded-For multiple IPs",
			headers:  map[string]string{"X-Forwarded-For": "192.168.1.200, 10.0.0.2, 172.16.0.1"},
			remote:   "10.0.0.1:12345",
			expected: "192.168.1.200",
		},
		{
			name:     "X-Real-IP takes precedence",
			headers:  map[string]string{"X-Real-IP": "192.168.1.100", "X-Forwarded-For": "192.168.1.200"},
			remote:   "10.0.0.1:12345",
			expected: "192.168.1.100",
		},
		{
			name:     "fallback to RemoteAddr",
			remote:   "10.0.0.1:12345",
			expected: "10.0.0.1:12345",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, getRemoteAddr(req))
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	router := mux.NewRouter()
	router.Use(MetricsMiddleware(m))
	router.HandleFunc("/v1/users/{userID}/address", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address":null}`))
	}).Methods(http.MethodGet)

	for _, user := range []string{"a", "b"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/users/"+user+"/address", nil))
	}

	expected := `
# HELP http_requests_total Total number of HTTP requests
# TYPE http_requests_total counter
http_requests_total{method="GET",route="/v1/users/{userID}/address",status="200"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "http_requests_total"))
}

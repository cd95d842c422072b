package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/letter-vault/internal/metrics"
)

// MetricsMiddleware records request count, latency and response size by
// route template. Use it with router.Use so the template is known.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, routeTemplate(r), rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}

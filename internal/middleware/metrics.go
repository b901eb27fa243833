package middleware

import (
	"net/http"
	"time"

	"github.com/kenneth/tiered-segment-store/internal/metrics"
)

// MetricsMiddleware records request counts, latencies and response sizes
// labelled by route template so segment keys do not become labels.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, routeTemplate(r), rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}

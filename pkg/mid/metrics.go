package mid

import (
	"net/http"
	"strconv"
	"time"

	"github.com/taskrecall/recall/pkg/metrics"
)

// Metrics counts requests and observes latency per route. It must wrap the
// ServeMux directly so the matched pattern is visible after the call.
func Metrics(reg *metrics.Registry) Middleware {
	inFlight := reg.Gauge("http_requests_in_flight", "Requests currently being served.")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			inFlight.Inc()
			defer inFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			reg.Counter("http_requests_total", "HTTP requests by route and status.",
				"route", route, "status", strconv.Itoa(sw.status)).Inc()
			reg.Histogram("http_request_duration_seconds", "HTTP request latency.", nil,
				"route", route).ObserveSince(start)
		})
	}
}

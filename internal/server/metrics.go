package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusLabel pre-renders status codes so the hot path skips strconv.Itoa.
var statusLabel [600]string

func init() {
	for i := range statusLabel {
		statusLabel[i] = strconv.Itoa(i)
	}
}

func statusLabelFor(code int) string {
	if code >= 0 && code < len(statusLabel) {
		return statusLabel[code]
	}
	return strconv.Itoa(code)
}

// measure records the per-request series: active-request gauge, count by
// (method, route, status), duration by (method, route). Routes are labeled
// by chi pattern so path parameters cannot explode cardinality.
func (s *server) measure(next http.Handler) http.Handler {
	m := s.deps.Metrics
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		sw := borrowStatusWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start).Seconds()

		status := sw.status
		releaseStatusWriter(sw)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, statusLabelFor(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
	})
}

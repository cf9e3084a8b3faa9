package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leadsieve/leadsieve/internal/metrics"
	"github.com/leadsieve/leadsieve/internal/storage"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware records request counts and latency per route pattern.
// It is a no-op until metrics.Init has run, so tests that never register
// collectors skip instrumentation entirely.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if metrics.HTTPRequestsTotal == nil {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// updatePendingGauge refreshes the pending-record gauge after a mutation.
// Counting failures only cost a metric, so they are swallowed.
func updatePendingGauge(s *storage.Store) {
	if metrics.PendingRecords == nil {
		return
	}
	urls, err := s.PendingURLs()
	if err != nil {
		return
	}
	metrics.PendingRecords.Set(float64(len(urls)))
}

package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMetricsMiddleware records request metrics and spans around a net/http
// handler. The gateway mounts it globally through okapi UseMiddleware.
func HTTPMetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tracer != nil {
			ctx, span := tracer.Start(r.Context(), "http.request",
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				))
			defer span.End()
			r = r.WithContext(ctx)
		}
		if metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.record(r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func (m *MetricsCollector) record(method, path string, code int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for WebSocket upgrades.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack forwards to the wrapped writer so WebSocket upgrades work.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

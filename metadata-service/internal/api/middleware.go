package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/golden-integrity/metadata-service/internal/metrics"
)

// CollectorAuthMiddleware creates middleware that validates the collector
// bearer token against a bcrypt hash. An empty hash disables the check.
func (s *Server) CollectorAuthMiddleware(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokenHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				s.logger.Warn("collector auth failed: missing credentials",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				s.logger.Warn("collector auth failed: invalid token",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// limitBody bounds the request body. Handlers see an *http.MaxBytesError
// when decoding past the limit.
func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				w.Write([]byte(`{"error":"request body too large"}` + "\n"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records request count and latency under the route pattern.
func instrument(pattern string, next http.Handler) http.Handler {
	method, endpoint, ok := strings.Cut(pattern, " ")
	if !ok {
		method, endpoint = "", pattern
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m := method
		if m == "" {
			m = r.Method
		}
		statusCode := strconv.Itoa(rec.status)
		metrics.HTTPRequestsTotal.WithLabelValues(m, endpoint, statusCode).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(m, endpoint, statusCode).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}

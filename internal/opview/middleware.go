// Package opview exposes a read-only HTTP surface over session, prompt,
// and audit state for on-call observability (spec section 4.10). It is
// adapted from the teacher's pkg/api package, narrowed from an
// execute/continue/interrupt control surface to GET-only reporting
// endpoints: nothing reachable through opview can inject a reply, change
// a policy, or otherwise act on a session.
package opview

import (
	"net/http"
	"time"

	"github.com/mylxsw/asteria/log"
)

// LoggingMiddleware logs each request's method, path, status, and
// latency.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Debugf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// RecoveryMiddleware recovers from panics in a handler so one bad
// request can't take the whole opview listener down.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("opview: panic recovered: %v", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

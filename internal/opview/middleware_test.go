package opview

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggingMiddlewarePassesThroughStatus(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)

	LoggingMiddleware(inner).ServeHTTP(rr, req)

	require.Equal(t, http.StatusTeapot, rr.Code)
}

func TestRecoveryMiddlewareConvertsPanicTo500(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)

	RecoveryMiddleware(inner).ServeHTTP(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

package server

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimiterAllowsBurstThenLimits(t *testing.T) {
	l := newIPRateLimiter(1, 2)
	defer l.stop()

	handler := l.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	status := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, status("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, status("10.0.0.1:1111"))
	assert.Equal(t, http.StatusTooManyRequests, status("10.0.0.1:1111"))

	// A different IP gets its own bucket.
	assert.Equal(t, http.StatusOK, status("10.0.0.2:2222"))
}

func TestIPRateLimiterStopEndsCleanup(t *testing.T) {
	before := runtime.NumGoroutine()

	l := newIPRateLimiter(1, 1)
	l.stop()
	l.stop() // idempotent

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 20*time.Millisecond, "cleanup goroutine did not exit")
}

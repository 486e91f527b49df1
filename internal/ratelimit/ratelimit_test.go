package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d should fit in the burst", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request past the burst should be denied")
	}
}

func TestLimiter_ClientsIsolated(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 3; i++ {
		l.Allow("10.0.0.1")
	}
	if l.Allow("10.0.0.1") {
		t.Error("exhausted client should be denied")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("fresh client should not inherit another client's exhaustion")
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 600,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	if !l.Allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("second immediate request should be denied")
	}

	// At 600/min a token comes back every 100ms.
	time.Sleep(110 * time.Millisecond)
	if !l.Allow("10.0.0.1") {
		t.Error("request after refill interval should be allowed")
	}
}

func TestLimiter_MiddlewareRejectsWith429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/users/:id/wallet", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	do := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/users/u1/wallet", nil)
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", code)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiter(t *testing.T, r rate.Limit, burst int) *IPRateLimiter {
	t.Helper()
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestIPRateLimiterAllowWithinBurst(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d unexpectedly limited", i)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("expected request past burst to be limited")
	}
}

func TestIPRateLimiterIsolatesIPs(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 1)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first ip should be allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second ip should have its own bucket")
	}
}

func TestIPRateLimiterCleanupEvictsStale(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 1)

	rl.Allow("10.0.0.1")
	rl.mu.Lock()
	rl.entries["10.0.0.1"].lastSeen = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) != 0 {
		t.Errorf("expected stale entry evicted, %d remain", len(rl.entries))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 1)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/call", nil)
	req.RemoteAddr = "192.0.2.7:54321"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.7:54321", "192.0.2.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"no-port-here", "no-port-here"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}

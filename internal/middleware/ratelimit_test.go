package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable clock for limiter tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterAllow(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(60*time.Second, 3, WithLimiterClock(clock.Now))

	for i := 1; i <= 3; i++ {
		d := rl.Allow("key")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Count != i || d.Remaining != 3-i {
			t.Errorf("request %d: count = %d, remaining = %d", i, d.Count, d.Remaining)
		}
	}

	clock.Advance(10 * time.Second)
	d := rl.Allow("key")
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 60 {
		t.Errorf("retryAfter = %d, want in (0, 60]", d.RetryAfter)
	}
	if d.RetryAfter != 50 {
		t.Errorf("retryAfter = %d, want 50", d.RetryAfter)
	}
}

func TestRateLimiterRetryAfterRoundsUp(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(time.Minute, 1, WithLimiterClock(clock.Now))

	rl.Allow("key")
	clock.Advance(59*time.Second + 100*time.Millisecond)
	if d := rl.Allow("key"); d.RetryAfter != 1 {
		t.Errorf("retryAfter = %d, want 1", d.RetryAfter)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(60*time.Second, 3, WithLimiterClock(clock.Now))

	for i := 0; i < 4; i++ {
		rl.Allow("key")
	}

	// The window resets exactly at resetAt.
	clock.Advance(60 * time.Second)
	d := rl.Allow("key")
	if !d.Allowed {
		t.Fatal("should be allowed after window expires")
	}
	if d.Count != 1 {
		t.Errorf("count = %d, want 1", d.Count)
	}
}

func TestRateLimiterKeysIndependent(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)

	if !rl.Allow("a").Allowed || !rl.Allow("b").Allowed {
		t.Fatal("first request per key should be allowed")
	}
	if rl.Allow("a").Allowed {
		t.Error("second request for a should be denied")
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.Allow("shared")
			}
		}()
	}
	wg.Wait()

	if d := rl.Allow("shared"); d.Count != 501 {
		t.Errorf("count = %d, want 501", d.Count)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(time.Minute, 5, WithLimiterClock(clock.Now))

	rl.Allow("expired")
	clock.Advance(30 * time.Second)
	rl.Allow("active")
	clock.Advance(31 * time.Second)

	if n := rl.Sweep(); n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
	if _, ok := rl.buckets["expired"]; ok {
		t.Error("expired bucket should have been removed")
	}
	if _, ok := rl.buckets["active"]; !ok {
		t.Error("active bucket should still exist")
	}
}

func TestRateLimiterMaxKeys(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(time.Minute, 5, WithLimiterClock(clock.Now), WithMaxKeys(3))

	for i := 0; i < 3; i++ {
		rl.Allow(fmt.Sprintf("k%d", i))
		clock.Advance(time.Second)
	}
	rl.Allow("k3")

	if n := rl.Len(); n != 3 {
		t.Errorf("len = %d, want 3", n)
	}
	if _, ok := rl.buckets["k0"]; ok {
		t.Error("bucket closest to reset should have been evicted")
	}

	// Existing keys never trigger eviction.
	rl.Allow("k3")
	if _, ok := rl.buckets["k1"]; !ok {
		t.Error("k1 should survive a repeat request for a tracked key")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	clock := newFakeClock()
	rl := NewRateLimiter(time.Minute, 2, WithLimiterClock(clock.Now))
	policy := Policy{
		Name:    "test",
		Limiter: rl,
		Key:     func(r *http.Request) string { return "test" },
		Message: "Too many requests",
	}

	handler := RateLimit(policy, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// First 2 requests should pass
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("request %d: remaining = %q", i+1, got)
		}
	}

	// 3rd request should be rate limited
	req := httptest.NewRequest("POST", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "Too many requests" || body.RetryAfter != 60 {
		t.Errorf("body = %+v", body)
	}
}

func TestKeyPolicyBypassesWithoutKey(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	handler := RateLimit(KeyPolicy(rl), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, rec.Code)
		}
	}
	if rl.Len() != 0 {
		t.Errorf("len = %d, want no buckets for keyless requests", rl.Len())
	}
}

func TestKeyPolicyUsesFingerprint(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	handler := RateLimit(KeyPolicy(rl), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(header, value string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(header, value)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("X-API-Key", "secret"); code != http.StatusOK {
		t.Fatalf("first: %d", code)
	}
	// Same key through the bearer header shares the bucket.
	if code := send("Authorization", "Bearer secret"); code != http.StatusTooManyRequests {
		t.Errorf("second: %d, want 429", code)
	}
	if _, ok := rl.buckets["secret"]; ok {
		t.Error("raw key must not be used as a bucket key")
	}
	if _, ok := rl.buckets[Fingerprint("secret")]; !ok {
		t.Error("expected fingerprint bucket")
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"cloudflare", map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1", "1.1.1.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "2.2.2.2, 10.0.0.1"}, "3.3.3.3:1", "2.2.2.2"},
		{"remote addr", nil, "3.3.3.3:1234", "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := RealIP(req); got != tt.want {
				t.Errorf("RealIP = %q, want %q", got, tt.want)
			}
		})
	}
}

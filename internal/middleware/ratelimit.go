package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/gptpaywall/internal/metrics"
)

// RealIP extracts the client's real IP address, preferring Cloudflare's
// CF-Connecting-IP header, then X-Forwarded-For, and falling back to RemoteAddr.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Count     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is the whole seconds until the window resets, set when
	// the request is rejected.
	RetryAfter int
}

// RateLimiter is a fixed-window counter per key. One mutex guards the
// bucket map.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	window  time.Duration
	max     int
	maxKeys int
	now     func() time.Time
}

type LimiterOption func(*RateLimiter)

// WithMaxKeys bounds the number of tracked keys. When full, expired buckets
// are dropped first, then the bucket closest to reset.
func WithMaxKeys(n int) LimiterOption {
	return func(rl *RateLimiter) { rl.maxKeys = n }
}

func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

func NewRateLimiter(window time.Duration, max int, opts ...LimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		window:  window,
		max:     max,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow counts a request for key. A new window starts when the key has no
// bucket or its reset time has been reached.
func (rl *RateLimiter) Allow(key string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		if !ok && rl.maxKeys > 0 && len(rl.buckets) >= rl.maxKeys {
			rl.evict(now)
		}
		b = &bucket{count: 1, resetAt: now.Add(rl.window)}
		rl.buckets[key] = b
	} else {
		b.count++
	}

	d := Decision{
		Allowed:   b.count <= rl.max,
		Limit:     rl.max,
		Count:     b.count,
		Remaining: max(rl.max-b.count, 0),
		ResetAt:   b.resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = int(math.Ceil(b.resetAt.Sub(now).Seconds()))
	}
	return d
}

// evict drops expired buckets, or the one closest to reset when none have
// expired. Caller holds mu.
func (rl *RateLimiter) evict(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, key)
			continue
		}
		if oldestKey == "" || b.resetAt.Before(oldest) {
			oldestKey, oldest = key, b.resetAt
		}
	}
	if len(rl.buckets) >= rl.maxKeys && oldestKey != "" {
		delete(rl.buckets, oldestKey)
	}
}

// Sweep removes expired buckets and returns how many remain.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
	return len(rl.buckets)
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Policy names a limiter and says how to key and reject requests. Requests
// for which Key returns "" bypass the limiter.
type Policy struct {
	Name    string
	Limiter *RateLimiter
	Key     func(*http.Request) string
	Message string
}

// GatewayPolicy limits every client by IP address.
func GatewayPolicy(rl *RateLimiter) Policy {
	return Policy{
		Name:    "gateway",
		Limiter: rl,
		Key:     RealIP,
		Message: "Too many requests from this IP, please try again later.",
	}
}

// KeyPolicy limits by presented API key, keyed by its fingerprint.
func KeyPolicy(rl *RateLimiter) Policy {
	return Policy{
		Name:    "key",
		Limiter: rl,
		Key: func(r *http.Request) string {
			if k := Credential(r); k != "" {
				return Fingerprint(k)
			}
			return ""
		},
		Message: "Too many requests",
	}
}

// RateLimit returns middleware that enforces p and sets the X-RateLimit headers.
func RateLimit(p Policy, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := p.Key(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d := p.Limiter.Allow(key)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				m.RateLimited(p.Name)
				h.Set("Retry-After", strconv.Itoa(d.RetryAfter))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":      p.Message,
					"retryAfter": d.RetryAfter,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

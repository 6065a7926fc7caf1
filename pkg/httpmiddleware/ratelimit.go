package httpmiddleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	// Max is the bucket capacity, refilled evenly over Window.
	Max    int
	Window time.Duration
	// KeyFunc identifies the client. Defaults to CredentialKey.
	KeyFunc func(*http.Request) string
}

type bucket struct {
	tokens float64
	last   time.Time
}

type limiter struct {
	max    float64
	rate   float64 // tokens per second
	window time.Duration
	key    func(*http.Request) string
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.Max <= 0 {
		cfg.Max = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = CredentialKey
	}
	return &limiter{
		max:     float64(cfg.Max),
		rate:    float64(cfg.Max) / cfg.Window.Seconds(),
		window:  cfg.Window,
		key:     cfg.KeyFunc,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// take consumes one token for key. When denied, wait is the time until the
// next token is available.
func (l *limiter) take(key string) (remaining int, wait time.Duration, ok bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: l.max, last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.max, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens < 1 {
		missing := 1 - b.tokens
		return 0, time.Duration(missing / l.rate * float64(time.Second)), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// evict drops buckets that have refilled completely.
func (l *limiter) evict() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.last) >= l.window {
			delete(l.buckets, key)
		}
	}
}

// RateLimit limits requests per client key. Denied requests get 429 with a
// Retry-After header.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle
// clients every window until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		t := time.NewTicker(l.window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.evict()
			}
		}
	}()
	return l.middleware
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, ok := l.take(l.key(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(l.max)))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CredentialKey keys clients by a digest of their API credential, falling
// back to the client IP for anonymous requests.
func CredentialKey(r *http.Request) string {
	cred := r.Header.Get("api_key")
	if cred == "" {
		cred = r.Header.Get("Authorization")
	}
	if cred != "" {
		sum := sha256.Sum256([]byte(cred))
		return "cred:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + ClientIP(r)
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP or the remote
// address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

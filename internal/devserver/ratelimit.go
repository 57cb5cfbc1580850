package devserver

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RateLimit configures the per-client token bucket. Zero MaxRequests disables
// limiting.
type RateLimit struct {
	Window      time.Duration
	MaxRequests int
	Burst       int
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow consumes a token if one is available. When none is, it returns the
// time the next token becomes available.
func (tb *tokenBucket) allow() (bool, int, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.refillRate)
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now
	}
	wait := (1.0 - tb.tokens) / tb.refillRate
	return false, 0, now.Add(time.Duration(wait * float64(time.Second)))
}

// rateLimiter keeps one bucket per client address
type rateLimiter struct {
	cfg     RateLimit
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	done    chan struct{}
}

func newRateLimiter(cfg RateLimit) *rateLimiter {
	rl := &rateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		done:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) bucket(key string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = newTokenBucket(rl.cfg.Burst, float64(rl.cfg.MaxRequests)/rl.cfg.Window.Seconds())
		rl.buckets[key] = b
	}
	return b
}

// cleanupLoop drops buckets idle for more than an hour
func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for key, b := range rl.buckets {
			b.mu.Lock()
			if time.Since(b.lastRefill) > time.Hour {
				delete(rl.buckets, key)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) stop() {
	close(rl.done)
}

// middleware answers 429 with Retry-After once a client's bucket is empty
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		allowed, remaining, nextToken := rl.bucket(key).allow()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retryAfter := max(1, int(time.Until(nextToken).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			log.Warn().Str("client", key).Str("path", r.URL.Path).Int("retryAfter", retryAfter).Msg("Rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

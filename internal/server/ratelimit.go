package server

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements per-client token bucket rate limiting
type RateLimiter struct {
	requestsPerMinute int
	buckets           map[string]*tokenBucket
	mu                sync.Mutex
	cleanupInterval   time.Duration
	now               func() time.Time
	stop              chan struct{}
	stopOnce          sync.Once
}

// tokenBucket represents a token bucket for rate limiting
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per client.
// Zero or less disables limiting.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		buckets:           make(map[string]*tokenBucket),
		cleanupInterval:   5 * time.Minute,
		now:               time.Now,
		stop:              make(chan struct{}),
	}
	if requestsPerMinute > 0 {
		go rl.cleanup()
	}
	return rl
}

// Middleware rejects requests over the limit with 429
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.requestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}

		if !r.Allow(clientKey(req)) {
			w.Header().Set("Retry-After", "60")
			respondJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Allow consumes one token for key
func (r *RateLimiter) Allow(key string) bool {
	if r.requestsPerMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(r.requestsPerMinute),
			maxTokens:  float64(r.requestsPerMinute),
			refillRate: float64(r.requestsPerMinute) / 60.0,
			lastRefill: now,
		}
		r.buckets[key] = bucket
	}
	return bucket.consume(now, 1)
}

func (b *tokenBucket) consume(now time.Time, count float64) bool {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	b.lastRefill = now
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}

	if b.tokens >= count {
		b.tokens -= count
		return true
	}
	return false
}

// Stop ends the cleanup goroutine
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *RateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.prune()
		}
	}
}

// prune drops buckets idle for longer than the cleanup interval
func (r *RateLimiter) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, bucket := range r.buckets {
		if now.Sub(bucket.lastRefill) > r.cleanupInterval {
			delete(r.buckets, key)
		}
	}
}

// clientKey identifies a client by bearer credential, falling back to address
func clientKey(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); auth != "" {
		return "auth:" + auth
	}
	if ip := req.RemoteAddr; ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}

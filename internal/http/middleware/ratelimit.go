// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the in-memory token-bucket limiter in front of the
// webhook and the admin API. Buckets are keyed by caller (admin identity or
// client IP). Webhook deliveries that passed WebhookSecret skip the limiter,
// so it only bites on unauthenticated or operator traffic.
//
// The limiter is process-local; with several replicas each enforces its own
// budget.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	bucketIdleTTL = 10 * time.Minute
	// sweepEvery is the number of lookups between idle-bucket sweeps.
	sweepEvery = 1024
	// retryAfterNever is sent when the configured rate never refills.
	retryAfterNever = 60 * time.Second
)

// keyFunc selects the bucket of a request, e.g. "user:<id>" or "ip:<addr>".
type keyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the identity recorded by SetUserID and falls back to
// the client IP. Keys are prefixed so the two namespaces cannot collide.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := c.GetString(userIDKey); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token-bucket limiter. Safe for concurrent use.
type RateLimiter struct {
	limit rate.Limit
	burst int
	keyFn keyFunc
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int
}

// NewRateLimiter allows rps requests per second per key with the given
// burst. A burst <= 0 is treated as 1.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// take consumes one token of key's bucket. When none is available it returns
// false and how long until one will be.
func (rl *RateLimiter) take(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	rl.lookups++
	if rl.lookups >= sweepEvery {
		rl.sweepLocked(now)
		rl.lookups = 0
	}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, retryAfterNever
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		if d == rate.InfDuration {
			d = retryAfterNever
		}
		return false, d
	}
	return true, 0
}

// sweep drops idle buckets and reports how many remain.
func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweepLocked(rl.now())
	return len(rl.buckets)
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for k, b := range rl.buckets {
		if now.Sub(b.lastSeen) >= bucketIdleTTL {
			delete(rl.buckets, k)
		}
	}
}

// IsRateBypass reports whether WebhookSecret marked this request as a
// verified Telegram delivery.
func IsRateBypass(c *gin.Context) bool {
	return c.GetBool(ctxKeyRateBypass)
}

// Handler enforces the limit. Rejected requests get 429 with the standard
// error envelope and a Retry-After rounded up to whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		allowed, wait := rl.take(rl.keyFn(c))
		if allowed {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfterSeconds(wait))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

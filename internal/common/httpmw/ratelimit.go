package httpmw

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter throttles requests per client IP with token buckets.
// Buckets for idle IPs are dropped after maxIdle to bound memory.
type IPRateLimiter struct {
	mu        sync.RWMutex
	buckets   map[string]*ipBucket
	perMinute int
	burst     int
	maxIdle   time.Duration
}

type ipBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewIPRateLimiter creates a limiter allowing perMinute requests per IP with
// the given burst size, and starts a background sweep of idle buckets.
func NewIPRateLimiter(perMinute, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		buckets:   make(map[string]*ipBucket),
		perMinute: perMinute,
		burst:     burst,
		maxIdle:   10 * time.Minute,
	}
	go rl.sweepLoop(time.Minute)
	return rl
}

// Middleware rejects requests over the per-IP budget with 429 and the
// standard rate limit headers.
func (rl *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.limiterFor(c.ClientIP())
		if !limiter.Allow() {
			c.Header("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "rate limit exceeded",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		c.Next()
	}
}

func (rl *IPRateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.RLock()
	entry, ok := rl.buckets[ip]
	rl.mu.RUnlock()

	if ok {
		rl.mu.Lock()
		entry.lastAccess = time.Now()
		rl.mu.Unlock()
		return entry.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, ok := rl.buckets[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.burst)
	rl.buckets[ip] = &ipBucket{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (rl *IPRateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		rl.sweep(time.Now())
	}
}

func (rl *IPRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, entry := range rl.buckets {
		if now.Sub(entry.lastAccess) > rl.maxIdle {
			delete(rl.buckets, ip)
		}
	}
}

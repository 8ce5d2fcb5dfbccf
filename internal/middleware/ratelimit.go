package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	// Idle buckets are evicted so the visitor map stays bounded by recent
	// traffic rather than by every IP ever seen.
	visitorIdleEvict = 10 * time.Minute
	// Insertions between eviction sweeps.
	visitorPruneEvery = 1024
)

// RateLimiter applies a per-client-IP token bucket in front of the auth
// endpoints. A nil limiter disables throttling entirely.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	inserts  int
}

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter sizes a limiter from a requests-per-minute budget. The
// burst covers roughly ten seconds of the budget so a login page loading a
// handful of endpoints at once does not trip it.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// Handler returns the gin middleware. Rejections use the same error shape
// the handlers emit for service errors.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if !r.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests.",
			})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) allow(ip string) bool {
	now := time.Now()

	r.mu.Lock()
	v, ok := r.visitors[ip]
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[ip] = v
		r.inserts++
		if r.inserts >= visitorPruneEvery {
			r.inserts = 0
			r.pruneLocked(now)
		}
	}
	v.lastSeen = now
	bucket := v.bucket
	r.mu.Unlock()

	return bucket.Allow()
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	for ip, v := range r.visitors {
		if now.Sub(v.lastSeen) > visitorIdleEvict {
			delete(r.visitors, ip)
		}
	}
}

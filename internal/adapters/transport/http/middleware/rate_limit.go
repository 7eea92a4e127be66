package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter *rate.Limiter

	mu   sync.Mutex
	last time.Time
}

func (v *visitor) touch(now time.Time) {
	v.mu.Lock()
	v.last = now
	v.mu.Unlock()
}

func (v *visitor) idle(now time.Time) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return now.Sub(v.last)
}

// NewHTTPRateLimitPerIP limits requests per client IP. Visitors live in an
// LRU of cacheSize entries and are dropped after ttl of inactivity; the
// sweeper stops with ctx.
func NewHTTPRateLimitPerIP(
	ctx context.Context,
	limit, burst, cacheSize int,
	ttl time.Duration,
) gin.HandlerFunc {

	visitors, _ := lru.New[string, *visitor](cacheSize)

	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				for _, key := range visitors.Keys() {
					if v, ok := visitors.Peek(key); ok && v.idle(now) > ttl {
						visitors.Remove(key)
					}
				}
			}
		}
	}()

	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}

		v, ok := visitors.Get(host)
		if !ok {
			// first requests from a host may race; PeekOrAdd keeps one limiter
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(limit), burst)}
			if prev, found, _ := visitors.PeekOrAdd(host, v); found {
				v = prev
			}
		}
		v.touch(time.Now())

		if !v.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

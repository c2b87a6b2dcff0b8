package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ipRateLimiter keeps one token bucket per client address.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(limit rate.Limit, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *ipRateLimiter) limiterFor(address string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[address]
	if !exists {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[address] = limiter
	}
	return limiter
}

// rateLimitMiddleware rejects requests beyond the per-address budget with 429.
func rateLimitMiddleware(limit rate.Limit, burst int) gin.HandlerFunc {
	limiter := newIPRateLimiter(limit, burst)
	return func(c *gin.Context) {
		if !limiter.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Status:  responseStatusError,
				Message: "too many requests",
				Code:    "rate_limited",
			})
			return
		}
		c.Next()
	}
}

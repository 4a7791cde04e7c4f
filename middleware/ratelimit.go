package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clone-stats-service/utils"

	"github.com/gin-gonic/gin"
)

type rateLimitEntry struct {
	count     int
	resetTime time.Time
	locked    bool
	lockUntil time.Time
}

// RateLimiter counts requests per client IP, method and route. The client IP
// comes from gin, so forwarding headers only count from trusted proxies.
type RateLimiter struct {
	maxRequests  int
	window       time.Duration
	lockDuration time.Duration

	mu      sync.Mutex
	entries map[string]*rateLimitEntry

	now func() time.Time
}

// NewRateLimiter creates a limiter.
// maxRequests: maximum requests allowed per window
// window: time window duration
// lockDuration: how long to lock after exceeding limit
func NewRateLimiter(maxRequests int, window, lockDuration time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests:  maxRequests,
		window:       window,
		lockDuration: lockDuration,
		entries:      make(map[string]*rateLimitEntry),
		now:          time.Now,
	}
}

func getRateLimitKey(ip string, method string, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", ip, method, endpoint)
}

// Middleware returns the gin handler. A limiter with maxRequests <= 0 lets everything through.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.maxRequests <= 0 {
			c.Next()
			return
		}

		key := getRateLimitKey(c.ClientIP(), c.Request.Method, c.FullPath())
		if msg, ok := l.allow(key); !ok {
			utils.TooManyRequestsResponse(c, msg)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allow(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, exists := l.entries[key]

	if !exists {
		l.entries[key] = &rateLimitEntry{
			count:     1,
			resetTime: now.Add(l.window),
		}
		return "", true
	}

	if entry.locked {
		if now.Before(entry.lockUntil) {
			return fmt.Sprintf("Too many requests. Locked until %s", entry.lockUntil.Format(time.RFC3339)), false
		}
		// Lock expired, reset
		entry.locked = false
		entry.count = 1
		entry.resetTime = now.Add(l.window)
		return "", true
	}

	if now.After(entry.resetTime) {
		entry.count = 1
		entry.resetTime = now.Add(l.window)
		return "", true
	}

	entry.count++
	if entry.count > l.maxRequests {
		entry.locked = true
		entry.lockUntil = now.Add(l.lockDuration)
		return fmt.Sprintf("Too many requests. Locked for %s", l.lockDuration), false
	}

	return "", true
}

// Cleanup drops stale entries every interval until ctx is done
func (l *RateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (l *RateLimiter) sweep(grace time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, entry := range l.entries {
		if !entry.locked && now.After(entry.resetTime.Add(grace)) {
			delete(l.entries, key)
		}
		if entry.locked && now.After(entry.lockUntil.Add(grace)) {
			delete(l.entries, key)
		}
	}
}

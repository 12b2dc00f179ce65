package mw

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type client struct {
	limiter *rate.Limiter
	seen    time.Time
}

// ClientLimiter keeps one token bucket per client and forgets clients idle for longer than idle.
type ClientLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// NewClientLimiter creates a limiter allowing limit events per second with the given burst.
// A non-positive limit disables limiting.
func NewClientLimiter(limit rate.Limit, burst int, idle time.Duration) *ClientLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	return &ClientLimiter{
		clients: make(map[string]*client),
		limit:   limit,
		burst:   max(burst, 1),
		idle:    idle,
		now:     time.Now,
	}
}

// Limiter returns the bucket for key, creating it on first use.
func (l *ClientLimiter) Limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.seen = now
	return c.limiter
}

// Clients reports how many clients are currently tracked.
func (l *ClientLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// sweep drops idle clients, at most once per idle period. Callers hold mu.
func (l *ClientLimiter) sweep(now time.Time) {
	if l.idle <= 0 || now.Sub(l.lastSweep) < l.idle {
		return
	}
	for key, c := range l.clients {
		if now.Sub(c.seen) > l.idle {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}

// RateLimit rejects a request with 429 and Retry-After once its client has used up its bucket.
// scope names the limited surface in the response body.
func RateLimit(l *ClientLimiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := l.Limiter(c.ClientIP()).Reserve()
		if !r.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "scope": scope})
			return
		}
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "scope": scope})
			return
		}
		c.Next()
	}
}

package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the per-client request budget.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts limiters for clients not seen within this window.
	IdleTTL time.Duration
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter. A non-positive rate disables limiting.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
	rl.Configure(config)
	return rl
}

// Configure updates limits, adjusting existing buckets in place.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config = config
	for _, c := range rl.clients {
		c.limiter.SetLimit(rate.Limit(config.RequestsPerSecond))
		c.limiter.SetBurst(config.BurstSize)
	}
}

// Enabled reports whether a positive rate is configured.
func (rl *RateLimiter) Enabled() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.config.RequestsPerSecond > 0
}

// Allow reports whether the client identified by key may proceed, and the
// number of tokens left in its bucket.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	if rl.config.RequestsPerSecond <= 0 {
		rl.mu.Unlock()
		return true, -1
	}
	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		rl.evictIdleLocked(now)
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	limiter := c.limiter
	rl.mu.Unlock()

	allowed := limiter.AllowN(now, 1)
	remaining := int(limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// Limit returns the configured burst size used in response headers.
func (rl *RateLimiter) Limit() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.config.BurstSize
}

func (rl *RateLimiter) evictIdleLocked(now time.Time) {
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.config.IdleTTL {
			delete(rl.clients, key)
		}
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}

package ws

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/Lobby/internal/config"
)

// opLimiter holds one token bucket per operation for a single connection,
// so a burst of searches does not starve pings.
type opLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newOpLimiter(cfg config.RateLimitConfig) *opLimiter {
	limit := rate.Limit(cfg.PerSecond)
	if cfg.PerSecond <= 0 {
		limit = rate.Inf
	}
	return &opLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    cfg.Burst,
	}
}

func (l *opLimiter) Allow(op string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[op]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[op] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

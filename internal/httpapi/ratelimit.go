package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// perIPLimiter is a per-client-IP token bucket, grounded in the teacher's
// cmd/sprint RateLimiter: one rate.Limiter per key, created lazily, with a
// periodic sweep of limiters sitting at full tokens (idle clients).
type perIPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	ticker   *time.Ticker
	stop     chan struct{}
}

// newPerIPLimiter returns a limiter allowing ratePerSecond requests per IP,
// with a burst of twice that rate plus one, and starts a background sweep that evicts
// idle entries every 5 minutes.
func newPerIPLimiter(ratePerSecond float64) *perIPLimiter {
	l := &perIPLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(ratePerSecond),
		burst:    int(ratePerSecond*2) + 1,
		ticker:   time.NewTicker(5 * time.Minute),
		stop:     make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *perIPLimiter) sweep() {
	for {
		select {
		case <-l.ticker.C:
			l.mu.Lock()
			for ip, lim := range l.limiters {
				if lim.Tokens() >= float64(l.burst) {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			l.ticker.Stop()
			return
		}
	}
}

// Allow reports whether a request from clientIP may proceed.
func (l *perIPLimiter) Allow(clientIP string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[clientIP]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[clientIP] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Close stops the background sweep.
func (l *perIPLimiter) Close() {
	close(l.stop)
}

package fetch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter spaces requests to the same host by at least the configured delay.
// Each host gets its own token bucket with a burst of one.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter // host -> bucket
	delay    time.Duration
	log      *logrus.Entry
}

// NewRateLimiter creates a RateLimiter; a zero delay disables limiting
func NewRateLimiter(delay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		delay:    delay,
		log:      log,
	}
}

// SetDelay changes the per-host delay for existing and future hosts
func (rl *RateLimiter) SetDelay(delay time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if delay == rl.delay {
		return
	}
	rl.delay = delay
	for _, l := range rl.limiters {
		l.SetLimit(limitFor(delay))
	}
}

// Delay returns the current per-host delay
func (rl *RateLimiter) Delay() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.delay
}

func limitFor(delay time.Duration) rate.Limit {
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}

// Wait blocks until a request to host is allowed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)

	rl.mu.Lock()
	if rl.delay <= 0 {
		rl.mu.Unlock()
		return nil
	}
	limiter, ok := rl.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(limitFor(rl.delay), 1)
		rl.limiters[host] = limiter
	}
	rl.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		rl.log.WithFields(logrus.Fields{"host": host, "waited": waited}).Debug("Rate limit applied")
	}
	return nil
}

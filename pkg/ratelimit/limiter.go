// Package ratelimit implements HubSpot request quota enforcement.
// The private app quota is 150 requests per rolling 10 second window and is
// global to the credential, so one Limiter is shared by all concurrent scans.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Default HubSpot private app quota.
const (
	DefaultLimit  = 150
	DefaultWindow = 10 * time.Second
)

// Prometheus metrics for rate limit gating.
var (
	etlRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "etl_rate_limit_waits_total",
		Help: "Total number of requests that had to wait for quota",
	})

	etlRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etl_rate_limit_wait_seconds",
		Help:    "Time spent waiting for rate limit quota",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
	})

	etlRateLimitWindowOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "etl_rate_limit_window_occupancy",
		Help: "Number of requests issued inside the current rolling window",
	})
)

// Limiter enforces a rolling-window request quota.
// Acquire blocks callers without busy-waiting until issuing one more request
// stays within the quota. Safe for concurrent use.
type Limiter struct {
	limit  int
	window time.Duration
	logger zerolog.Logger

	mu     sync.Mutex
	stamps []time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter allowing limit requests per rolling window.
func NewLimiter(limit int, window time.Duration, logger zerolog.Logger) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Acquire blocks until one more request fits inside the rolling window, then
// records the request and returns. It returns early with the context error if
// ctx is cancelled while waiting. No request may be issued without a
// successful Acquire.
func (l *Limiter) Acquire(ctx context.Context) error {
	waited := false
	start := l.now()

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			etlRateLimitWindowOccupancy.Set(float64(len(l.stamps)))
			l.mu.Unlock()

			if waited {
				etlRateLimitWaitSeconds.Observe(l.now().Sub(start).Seconds())
			}
			return nil
		}

		// Window is full: wait until the oldest request exits it.
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if !waited {
			waited = true
			etlRateLimitWaitsTotal.Inc()
			l.logger.Warn().
				Dur("wait", wait).
				Int("limit", l.limit).
				Dur("window", l.window).
				Msg("Rate limit reached, waiting for quota")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Occupancy returns the number of requests currently inside the window.
func (l *Limiter) Occupancy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}

// prune drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}

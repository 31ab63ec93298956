// Package ratelimit gates outbound API calls so that no more than a configured
// number of calls is issued in any rolling window.
//
// Every call reserves one slot of a fixed-size ring holding the grant times of
// the last N calls. The slot being reused belongs to the call that leaves the
// window soonest; if that call is still inside the window the new caller
// writes its future grant time into the slot before the lock is released and
// then sleeps outside the lock. Concurrent callers therefore only serialize on
// the O(1) reservation, never on each other's waits.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrInvalidConfig is returned when the call quota or the window is not positive.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrNotGranted is returned when a wait was interrupted before the call was admitted.
	ErrNotGranted = errors.New("rate limit slot not granted")
)

// Prometheus metrics for rate limiting.
var (
	rateLimitAcquiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_rate_limit_acquired_total",
		Help: "Total calls admitted by the rate limiter, by whether the caller had to wait",
	}, []string{"limiter", "waited"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sdp_rate_limit_wait_seconds",
		Help:    "Time callers spent waiting for a rate limit slot",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"limiter"})

	rateLimitCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_rate_limit_cancelled_total",
		Help: "Total waits interrupted before the call was admitted",
	}, []string{"limiter"})
)

// Limiter is implemented by every rate limiter in this package.
type Limiter interface {
	// Acquire blocks until the caller may issue one call.
	Acquire(ctx context.Context) error
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(calls int, window time.Duration) error {
	if calls <= 0 {
		return fmt.Errorf("%w: calls per window must be > 0 (got %d)", ErrInvalidConfig, calls)
	}
	if window <= 0 {
		return fmt.Errorf("%w: window must be > 0 (got %s)", ErrInvalidConfig, window)
	}
	return nil
}

// waitFor sleeps for d unless ctx is done first.
func waitFor(ctx context.Context, name string, d time.Duration) error {
	if d <= 0 {
		rateLimitAcquiredTotal.WithLabelValues(name, "false").Inc()
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		rateLimitCancelledTotal.WithLabelValues(name).Inc()
		return fmt.Errorf("%w: %w", ErrNotGranted, ctx.Err())
	case <-timer.C:
		rateLimitAcquiredTotal.WithLabelValues(name, "true").Inc()
		rateLimitWaitSeconds.WithLabelValues(name).Observe(d.Seconds())
		return nil
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Window is an in-process sliding window limiter admitting at most Calls
// calls in any rolling Window duration.
type Window struct {
	mu     sync.Mutex
	slots  []time.Time
	head   int
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewWindow creates a limiter admitting calls per window.
// All slots start in the distant past so the first calls pass immediately.
func NewWindow(calls int, window time.Duration, logger zerolog.Logger, opts ...Option) (*Window, error) {
	if err := validate(calls, window); err != nil {
		return nil, err
	}

	o := buildOptions(opts)

	return &Window{
		slots:  make([]time.Time, calls),
		window: window,
		now:    o.now,
		logger: logger,
	}, nil
}

// Calls returns the quota per window.
func (w *Window) Calls() int {
	return len(w.slots)
}

// Duration returns the window length.
func (w *Window) Duration() time.Duration {
	return w.window
}

// Acquire blocks until the caller may issue one call.
// A context that is already done never consumes a slot.
func (w *Window) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		rateLimitCancelledTotal.WithLabelValues("memory").Inc()
		return fmt.Errorf("%w: %w", ErrNotGranted, err)
	}

	_, wait := w.reserve()
	if wait > 0 {
		w.logger.Debug().
			Dur("wait", wait).
			Int("calls", len(w.slots)).
			Dur("window", w.window).
			Msg("Rate limit reached, waiting for slot")
	}

	return waitFor(ctx, "memory", wait)
}

// reserve claims the oldest slot and returns the caller's grant time and how
// long it must wait for it. Must stay O(1): it runs under the only lock.
func (w *Window) reserve() (time.Time, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	availableAt := w.slots[w.head].Add(w.window)

	grant := now
	if now.Before(availableAt) {
		grant = availableAt
	}
	w.slots[w.head] = grant
	w.head = (w.head + 1) % len(w.slots)

	return grant, grant.Sub(now)
}

// InUse returns how many of the slots hold a grant time inside the trailing
// window (including future reservations).
func (w *Window) InUse() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.window)
	used := 0
	for _, ts := range w.slots {
		if ts.After(cutoff) {
			used++
		}
	}
	return used
}

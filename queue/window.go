// Package queue provides the execution pacing window the worker layers on
// top of per-job delays: a fixed count of allowed executions per rolling
// interval, independent of priority and jitter.
package queue

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Window limits executions to max per interval using a token bucket with
// burst max — the bucket analogue of a "max N per duration" window. It is
// safe for concurrent use, though the worker holds exactly one.
type Window struct {
	limiter *rate.Limiter
}

// NewWindow creates a Window allowing max executions per interval.
// max <= 0 disables limiting.
func NewWindow(max int, interval time.Duration) *Window {
	if max <= 0 {
		return &Window{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	per := interval / time.Duration(max)
	return &Window{limiter: rate.NewLimiter(rate.Every(per), max)}
}

// Wait blocks until an execution slot is available or ctx is done.
func (w *Window) Wait(ctx context.Context) error {
	return w.limiter.Wait(ctx)
}

// Allow reports whether an execution slot is available right now,
// consuming one if so.
func (w *Window) Allow() bool {
	return w.limiter.Allow()
}

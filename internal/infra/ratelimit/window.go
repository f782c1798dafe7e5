// Package ratelimit implements the sliding-window admission control used in
// front of every provider call.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window admits at most capacity calls in any trailing interval of length
// window. Admit blocks until a slot frees up. Waiters are not queued: after
// waking, every waiter re-prunes and competes for the next free slot.
type Window struct {
	name     string
	capacity int
	window   time.Duration

	mu     sync.Mutex
	stamps []time.Time // admission times, oldest first

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
	waitLog rate.Sometimes
}

// Option configures a Window.
type Option func(*Window)

// WithLogger sets the logger and the name reported in log lines.
func WithLogger(logger *slog.Logger, name string) Option {
	return func(w *Window) {
		w.logger = logger
		w.name = name
	}
}

// WithClock replaces the time source and the sleep function.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Window) {
		w.now = now
		w.sleep = sleep
	}
}

// New creates a Window. A non-positive capacity or window disables limiting.
func New(capacity int, window time.Duration, opts ...Option) *Window {
	w := &Window{
		capacity: capacity,
		window:   window,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   slog.Default(),
		waitLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Admit blocks until a slot is available, records the admission and returns.
// It returns ctx.Err() without recording when ctx ends first.
func (w *Window) Admit(ctx context.Context) error {
	if w.capacity <= 0 || w.window <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		notifyAdmitted(ctx)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.mu.Lock()
		now := w.now()
		w.prune(now)
		if len(w.stamps) < w.capacity {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			notifyAdmitted(ctx)
			return nil
		}
		wait := w.window - now.Sub(w.stamps[0])
		w.mu.Unlock()

		w.waitLog.Do(func() {
			w.logger.Info("rate limit reached, waiting",
				"limiter", w.name, "capacity", w.capacity, "wait", wait)
		})

		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Len reports how many admissions fall inside the current window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.stamps)
}

// Capacity returns the configured capacity.
func (w *Window) Capacity() int { return w.capacity }

// prune drops stamps that are at least one window old. Caller holds mu.
func (w *Window) prune(now time.Time) {
	i := 0
	for i < len(w.stamps) && now.Sub(w.stamps[i]) >= w.window {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

type admittedKey struct{}

// WithAdmitted returns a context that makes Admit call fn once a slot has
// been recorded. fn runs on the admitted caller's goroutine.
func WithAdmitted(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, admittedKey{}, fn)
}

func notifyAdmitted(ctx context.Context) {
	if fn, ok := ctx.Value(admittedKey{}).(func()); ok && fn != nil {
		fn()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when something sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func TestAdmitUnderCapacityDoesNotWait(t *testing.T) {
	clk := newFakeClock()
	w := New(3, time.Minute, WithClock(clk.Now, clk.Sleep))
	start := clk.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Admit(context.Background()))
	}
	assert.Equal(t, start, clk.Now())
	assert.Equal(t, 3, w.Len())
}

func TestAdmitWaitsForOldestToExpire(t *testing.T) {
	clk := newFakeClock()
	w := New(2, time.Second, WithClock(clk.Now, clk.Sleep))
	start := clk.Now()

	require.NoError(t, w.Admit(context.Background()))
	require.NoError(t, w.Admit(context.Background()))
	require.NoError(t, w.Admit(context.Background()))

	assert.Equal(t, time.Second, clk.Now().Sub(start))
}

func TestNoWindowExceedsCapacity(t *testing.T) {
	const capacity = 3
	window := 500 * time.Millisecond

	clk := newFakeClock()
	w := New(capacity, window, WithClock(clk.Now, clk.Sleep))

	var admitted []time.Time
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Admit(context.Background()))
		admitted = append(admitted, clk.Now())
	}

	for i := range admitted {
		inWindow := 0
		for _, ts := range admitted {
			if !ts.Before(admitted[i]) && ts.Sub(admitted[i]) < window {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, capacity, "window starting at admission %d", i)
	}
}

func TestAdmitConcurrentRealClock(t *testing.T) {
	const capacity = 3
	window := 100 * time.Millisecond
	w := New(capacity, window)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3*capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Admit(context.Background()))
		}()
	}
	wg.Wait()

	// Nine admissions at three per window need two full windows of waiting.
	assert.GreaterOrEqual(t, time.Since(start), 2*window)
	assert.LessOrEqual(t, w.Len(), capacity)
}

func TestAdmitCancelled(t *testing.T) {
	w := New(1, time.Hour)
	require.NoError(t, w.Admit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.Admit(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, w.Len())
}

func TestAdmitAlreadyCancelledDoesNotRecord(t *testing.T) {
	w := New(5, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, w.Admit(ctx), context.Canceled)
	assert.Equal(t, 0, w.Len())
}

func TestDisabledWindow(t *testing.T) {
	w := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Admit(context.Background()))
	}
	assert.Equal(t, 0, w.Len())
}

func TestLenPrunesExpired(t *testing.T) {
	clk := newFakeClock()
	w := New(2, time.Second, WithClock(clk.Now, clk.Sleep))
	require.NoError(t, w.Admit(context.Background()))

	_ = clk.Sleep(context.Background(), time.Second)
	assert.Equal(t, 0, w.Len())
}

func TestAdmitNotifiesHook(t *testing.T) {
	clk := newFakeClock()
	w := New(1, time.Minute, WithClock(clk.Now, clk.Sleep))

	var calls int
	ctx := WithAdmitted(context.Background(), func() { calls++ })
	require.NoError(t, w.Admit(ctx))
	require.NoError(t, w.Admit(ctx))
	assert.Equal(t, 2, calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, w.Admit(cancelled))
	assert.Equal(t, 2, calls, "cancelled admission does not notify")

	assert.NoError(t, New(0, 0).Admit(ctx))
	assert.Equal(t, 3, calls)
}

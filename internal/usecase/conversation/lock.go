package conversation

import (
	"context"
	"fmt"
	"sync"
)

// Locker provides turn-level mutual exclusion per conversation. It keeps
// two concurrent calls on the same conversation from interleaving their
// user and assistant messages.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewLocker creates a new locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for id. It blocks until the lock is acquired or
// ctx is cancelled. The returned unlock function must be called once the
// turn is complete.
func (l *Locker) Lock(ctx context.Context, id string) (unlock func(), err error) {
	l.mu.Lock()
	rm, ok := l.locks[id]
	if !ok {
		rm = &refMutex{}
		l.locks[id] = rm
	}
	rm.refCount++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		rm.mu.Lock()
		close(acquired)
	}()

	release := func() {
		rm.mu.Unlock()
		l.mu.Lock()
		rm.refCount--
		if rm.refCount == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}

	select {
	case <-acquired:
		return release, nil
	case <-ctx.Done():
		// The goroutine still owns a pending Lock; release it once granted.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("conversation lock: %w", ctx.Err())
	}
}

// ActiveCount returns the number of conversations with held or pending locks.
func (l *Locker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

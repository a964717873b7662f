// Package semaphore implements a fair, counting admission primitive with
// graceful and forced shutdown, used to bound both global and per-stage
// concurrency in the worker pool.
package semaphore

import (
	"container/list"
	"context"
	"sync"

	"github.com/pipelineflow/pipelineflow/pkg/pipelineerr"
)

// Semaphore is a FIFO-fair counting semaphore. Waiters are admitted in the
// order they called Acquire, unlike a bare buffered-channel semaphore where
// a goroutine that wakes up and re-sends can cut the queue under contention.
type Semaphore struct {
	mu       sync.Mutex
	max      int
	held     int
	waiters  *list.List // of *waiter
	shutdown bool
	forced   bool
}

type waiter struct {
	ready chan struct{}
	done  bool
}

// New creates a semaphore that admits at most max concurrent holders.
// max must be greater than zero.
func New(max int) *Semaphore {
	if max <= 0 {
		panic("semaphore: max must be > 0")
	}
	return &Semaphore{max: max, waiters: list.New()}
}

// Acquire blocks until a slot is available, ctx is canceled, or the
// semaphore is force-shut down. After Shutdown, new callers are rejected
// immediately while callers already queued keep waiting for a slot. On
// cancellation, the caller is removed from the queue.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.forced {
		s.mu.Unlock()
		return pipelineerr.ErrSemaphoreShutdown
	}
	if !s.shutdown && s.held < s.max && s.waiters.Len() == 0 {
		s.held++
		s.mu.Unlock()
		return nil
	}
	if s.shutdown {
		s.mu.Unlock()
		return pipelineerr.ErrSemaphoreShutdown
	}

	w := &waiter{ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.forced {
			return pipelineerr.ErrSemaphoreShutdown
		}
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		if w.done {
			if s.forced {
				// Woken by ForceShutdown, not admitted.
				return pipelineerr.ErrSemaphoreShutdown
			}
			// Already admitted concurrently with cancellation; honor the
			// admission rather than leak a held slot.
			return nil
		}
		s.waiters.Remove(elem)
		return ctx.Err()
	}
}

// TryAcquire attempts to acquire a slot without blocking. It returns false
// if no slot is immediately available or the semaphore is shut down.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown || s.forced {
		return false
	}
	if s.held < s.max && s.waiters.Len() == 0 {
		s.held++
		return true
	}
	return false
}

// Release returns a slot to the pool, waking the longest-waiting queued
// caller if one exists. It returns ErrReleasedTooMany if called more times
// than Acquire succeeded, except while the semaphore is shut down, where a
// stray release from a caller that already lost the race with shutdown is
// expected and silently ignored.
func (s *Semaphore) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == 0 {
		if s.shutdown || s.forced {
			return nil
		}
		return pipelineerr.ErrReleasedTooMany
	}

	if front := s.waiters.Front(); front != nil {
		w := front.Value.(*waiter)
		s.waiters.Remove(front)
		w.done = true
		close(w.ready)
		// held count is unchanged: the released slot transfers directly
		// to the woken waiter.
		return nil
	}

	s.held--
	return nil
}

// CurrentConcurrency reports the number of currently held slots.
func (s *Semaphore) CurrentConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Pending reports the number of callers currently queued waiting for a slot.
func (s *Semaphore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// Shutdown stops admitting new waiters; callers already queued are still
// admitted as slots free up. New calls to Acquire return
// ErrSemaphoreShutdown immediately.
func (s *Semaphore) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

// ForceShutdown immediately rejects every queued waiter (each Acquire call
// returns ErrSemaphoreShutdown) and stops admitting new ones.
func (s *Semaphore) ForceShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	s.forced = true
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.done = true
		close(w.ready)
	}
	s.waiters.Init()
}

package fluid

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds in-flight executions. Waiters are admitted in FIFO order.
type Semaphore struct {
	sem     *semaphore.Weighted
	max     int64
	active  atomic.Int64
	waiting atomic.Int64
}

// NewSemaphore returns a semaphore with max permits (at least one).
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire blocks until a permit is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.waiting.Add(1)
	err := s.sem.Acquire(ctx, 1)
	s.waiting.Add(-1)
	if err != nil {
		return err
	}
	s.active.Add(1)
	return nil
}

// Release returns a permit.
func (s *Semaphore) Release() {
	s.active.Add(-1)
	s.sem.Release(1)
}

// Active is the number of permits currently held.
func (s *Semaphore) Active() int64 { return s.active.Load() }

// Waiting is the number of callers queued for a permit.
func (s *Semaphore) Waiting() int64 { return s.waiting.Load() }

// Max is the permit capacity.
func (s *Semaphore) Max() int64 { return s.max }

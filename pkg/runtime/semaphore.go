package runtime

import (
	"context"
	goruntime "runtime"

	"github.com/cockroachdb/errors"
)

// Semaphore is a controlled counting semaphore.
type Semaphore struct {
	initial, max int

	s       *Scheduler
	id      ResourceID
	count   int
	waiters []*Operation
}

// NewSemaphore returns a semaphore holding initial permits. max bounds the
// count; releasing past it fails the iteration. A max of 0 means unbounded.
func NewSemaphore(initial, max int) *Semaphore {
	return &Semaphore{initial: initial, max: max}
}

func (sem *Semaphore) bindLocked(s *Scheduler) {
	if sem.s == s {
		return
	}
	sem.s = s
	sem.id = s.newResourceLocked()
	sem.count = sem.initial
	sem.waiters = nil
}

// Acquire takes a permit, blocking while none is available. It is always a
// scheduling point.
func (sem *Semaphore) Acquire(ctx context.Context) {
	op := current(ctx)
	s := op.sched

	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	sem.bindLocked(s)
	s.mu.Unlock()

	s.yield(op)

	s.mu.Lock()
	if sem.count > 0 {
		sem.count--
		s.mu.Unlock()
		return
	}
	sem.waiters = append(sem.waiters, op)
	s.blockLocked(op, StatusBlockedOnResource, sem.id)
	s.mu.Unlock()

	// Release hands its permit straight to us.
	s.yield(op)
}

// TryAcquire takes a permit if one is available without blocking.
func (sem *Semaphore) TryAcquire(ctx context.Context) bool {
	op := current(ctx)
	s := op.sched

	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	sem.bindLocked(s)
	s.mu.Unlock()

	s.yield(op)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sem.count > 0 {
		sem.count--
		return true
	}
	return false
}

// Release returns a permit, waking the longest waiter if any.
func (sem *Semaphore) Release(ctx context.Context) {
	op := current(ctx)
	s := op.sched

	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	sem.bindLocked(s)
	if len(sem.waiters) > 0 {
		w := sem.waiters[0]
		sem.waiters = sem.waiters[1:]
		s.enableLocked(w)
	} else {
		if sem.max > 0 && sem.count >= sem.max {
			s.haltLocked(errors.Wrapf(ErrAssertion, "operation %d (%s) released semaphore %d beyond its maximum of %d",
				op.id, op.name, sem.id, sem.max))
			s.mu.Unlock()
			goruntime.Goexit()
		}
		sem.count++
	}
	s.mu.Unlock()

	s.yield(op)
}

// Count returns the number of available permits.
func (sem *Semaphore) Count() int {
	if sem.s == nil {
		return sem.initial
	}
	sem.s.mu.Lock()
	defer sem.s.mu.Unlock()
	return sem.count
}

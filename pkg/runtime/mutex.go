package runtime

import (
	"context"
	goruntime "runtime"

	"github.com/cockroachdb/errors"
)

// Mutex is a controlled reentrant mutual-exclusion lock. Waiters acquire it
// in FIFO order: Unlock hands ownership to the longest-waiting operation.
type Mutex struct {
	s       *Scheduler
	id      ResourceID
	owner   *Operation
	depth   int
	waiters []*Operation
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// bindLocked attaches m to the running iteration, dropping state left over
// from an earlier one.
func (m *Mutex) bindLocked(s *Scheduler) {
	if m.s == s {
		return
	}
	*m = Mutex{s: s, id: s.newResourceLocked()}
}

// Lock acquires m. Acquiring a lock the caller already owns only increases
// its depth and is not a scheduling point.
func (m *Mutex) Lock(ctx context.Context) {
	op := current(ctx)
	s := op.sched

	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	m.bindLocked(s)
	if m.owner == op {
		m.depth++
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.yield(op)

	s.mu.Lock()
	if m.owner == nil {
		m.owner, m.depth = op, 1
		s.mu.Unlock()
		return
	}
	m.waiters = append(m.waiters, op)
	s.blockLocked(op, StatusBlockedOnResource, m.id)
	s.mu.Unlock()

	// Unlock transfers ownership before enabling us.
	s.yield(op)
}

// Unlock releases one level of ownership. Releasing the last level hands
// the lock to the first waiter and is a scheduling point.
func (m *Mutex) Unlock(ctx context.Context) {
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
	if m.s != s || m.owner != op {
		s.haltLocked(errors.Wrapf(ErrAssertion, "operation %d (%s) unlocked a mutex it does not hold", op.id, op.name))
		s.mu.Unlock()
		goruntime.Goexit()
	}
	m.depth--
	if m.depth > 0 {
		s.mu.Unlock()
		return
	}
	m.owner = nil
	if len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.owner, m.depth = w, 1
		s.enableLocked(w)
	}
	s.mu.Unlock()

	s.yield(op)
}

// Locked reports whether some operation holds m.
func (m *Mutex) Locked() bool {
	if m.s == nil {
		return false
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.owner != nil
}

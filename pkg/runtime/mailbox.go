package runtime

import (
	"context"
	goruntime "runtime"
)

// BlockOnReceive parks the calling operation until pred reports true.
// Message-driven operations use it to wait on their inbox; pred is only
// evaluated by the scheduler while the caller does not run, when the
// operation first blocks and on every NotifyReceivers.
func BlockOnReceive(ctx context.Context, pred func() bool) {
	op := current(ctx)
	s := op.sched
	for {
		s.mu.Lock()
		if !s.enterLocked(op) {
			s.mu.Unlock()
			goruntime.Goexit()
		}
		if pred() {
			s.mu.Unlock()
			return
		}
		s.blockLocked(op, StatusBlockedOnReceive, 0)
		op.receive = pred
		s.mu.Unlock()
		s.yield(op)
	}
}

// NotifyReceivers re-evaluates the predicate of every operation blocked on
// receive and enables those now satisfied. Enqueueing a message calls it,
// and it is a scheduling point so delivery order is a scheduling decision.
func NotifyReceivers(ctx context.Context) {
	op := current(ctx)
	s := op.sched

	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	s.notifyReceiversLocked()
	s.mu.Unlock()

	s.yield(op)
}

func (s *Scheduler) notifyReceiversLocked() {
	for _, w := range s.ops.ops {
		if w.status == StatusBlockedOnReceive && w.receive != nil && w.receive() {
			s.enableLocked(w)
		}
	}
}

// Mailbox is a controlled unbounded message queue.
type Mailbox[T any] struct {
	s     *Scheduler
	id    ResourceID
	items []T
}

// NewMailbox returns an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{}
}

func (m *Mailbox[T]) bindLocked(s *Scheduler) {
	if m.s == s {
		return
	}
	m.s = s
	m.id = s.newResourceLocked()
	m.items = nil
}

// Send enqueues v and wakes receivers whose match accepts a queued message.
func (m *Mailbox[T]) Send(ctx context.Context, v T) {
	op := current(ctx)
	s := op.sched

	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	m.bindLocked(s)
	m.items = append(m.items, v)
	s.mu.Unlock()

	NotifyReceivers(ctx)
}

// Receive dequeues the oldest message accepted by match, blocking until one
// arrives. A nil match accepts any message.
func (m *Mailbox[T]) Receive(ctx context.Context, match func(T) bool) T {
	op := current(ctx)
	s := op.sched

	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	m.bindLocked(s)
	s.mu.Unlock()

	BlockOnReceive(ctx, func() bool { return m.find(match) >= 0 })

	s.mu.Lock()
	defer s.mu.Unlock()
	i := m.find(match)
	v := m.items[i]
	m.items = append(m.items[:i], m.items[i+1:]...)
	return v
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	if m.s == nil {
		return 0
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return len(m.items)
}

func (m *Mailbox[T]) find(match func(T) bool) int {
	for i, v := range m.items {
		if match == nil || match(v) {
			return i
		}
	}
	return -1
}

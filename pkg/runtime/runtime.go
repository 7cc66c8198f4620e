// Package runtime provides controlled execution of concurrent Go code: a
// scheduler that serializes operations onto one logical thread, the
// exploration strategies that pick each interleaving, and the controlled
// primitives a program under test uses in place of goroutines, mutexes,
// semaphores and channels.
//
// Every controlled API takes the context.Context handed to the calling
// operation; that is how the scheduler knows who is asking.
package runtime

import (
	"context"
	goruntime "runtime"

	"github.com/cockroachdb/errors"
)

// GoOption configures an operation started with Go.
type GoOption func(*spawnConfig)

// WithName sets the operation's diagnostic name.
func WithName(name string) GoOption {
	return func(c *spawnConfig) { c.name = name }
}

// WithNewGroup makes the operation the causal root of a new group instead
// of joining its spawner's group.
func WithNewGroup() GoOption {
	return func(c *spawnConfig) { c.newGroup = true }
}

// Task is the handle of an operation started with Go.
type Task struct {
	op *Operation
}

// ID returns the operation id of the task.
func (t *Task) ID() OperationID { return t.op.id }

// Go starts fn as a new controlled operation. The new operation is enabled
// but does not run before the spawner reaches its next scheduling point;
// spawning itself is not a choice, so search effort goes to the orders
// in which operations actually interact.
func Go(ctx context.Context, fn func(ctx context.Context) error, opts ...GoOption) *Task {
	parent := current(ctx)
	s := parent.sched
	var cfg spawnConfig
	for _, o := range opts {
		o(&cfg)
	}

	s.mu.Lock()
	if !s.enterLocked(parent) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	child, err := s.spawnLocked(parent, cfg)
	if err != nil {
		s.haltLocked(err)
		s.mu.Unlock()
		goruntime.Goexit()
	}
	s.mu.Unlock()

	s.start(ctx, child, fn)
	return &Task{op: child}
}

// Wait blocks until the task's operation completes and returns the error
// its function returned. Waiting on a completed task does not yield.
func (t *Task) Wait(ctx context.Context) error {
	op := current(ctx)
	s := op.sched
	for {
		s.mu.Lock()
		if !s.enterLocked(op) {
			s.mu.Unlock()
			goruntime.Goexit()
		}
		if t.op.sched != s {
			s.haltLocked(errors.Wrapf(ErrUncontrolled, "operation %d waits on a task of another iteration", op.id))
			s.mu.Unlock()
			goruntime.Goexit()
		}
		if t.op.status == StatusCompleted {
			err := t.op.err
			s.mu.Unlock()
			return err
		}
		t.op.joiners = append(t.op.joiners, op)
		op.joining = t.op.id
		s.blockLocked(op, StatusBlockedOnJoin, 0)
		s.mu.Unlock()
		s.yield(op)
	}
}

// WaitAll waits for every task in order and returns the first error.
func WaitAll(ctx context.Context, tasks ...*Task) error {
	var first error
	for _, t := range tasks {
		if err := t.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Yield is an explicit scheduling point. Long computations call it to
// bound how much work runs between decisions.
func Yield(ctx context.Context) {
	op := current(ctx)
	op.sched.yield(op)
}

// RandomBool returns a controlled nondeterministic boolean.
func RandomBool(ctx context.Context) bool {
	op := current(ctx)
	return op.sched.nextBoolean(op)
}

// RandomInt returns a controlled nondeterministic integer in [0, n).
func RandomInt(ctx context.Context, n int) int {
	op := current(ctx)
	return op.sched.nextInteger(op, n)
}

// Assert fails the iteration when cond is false.
func Assert(ctx context.Context, cond bool, format string, args ...any) {
	if cond {
		return
	}
	op := current(ctx)
	op.sched.fail(errors.Wrapf(ErrAssertion, format, args...))
	goruntime.Goexit()
}

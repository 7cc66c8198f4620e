package runtime

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// OperationID identifies an operation; ids are dense and assigned in
// creation order starting from the root operation 0.
type OperationID = trace.OperationID

// ResourceID identifies a controlled primitive within one iteration.
type ResourceID uint64

// Status is the scheduling state of an operation.
type Status uint8

const (
	StatusEnabled Status = iota
	StatusBlockedOnResource
	StatusBlockedOnReceive
	StatusBlockedOnJoin
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusEnabled:
		return "enabled"
	case StatusBlockedOnResource:
		return "blocked-on-resource"
	case StatusBlockedOnReceive:
		return "blocked-on-receive"
	case StatusBlockedOnJoin:
		return "blocked-on-join"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Operation is a unit of schedulable work: the root test function, every
// goroutine started with Go, or a message-driven entity built on
// BlockOnReceive.
type Operation struct {
	id    OperationID
	group OperationID
	name  string
	sched *Scheduler
	// goroutine is the id of the goroutine running the operation.
	goroutine int64

	status   Status
	resource ResourceID
	joining  OperationID
	receive  func() bool

	// gate is the private resumption signal; only the scheduler sends on it.
	gate chan struct{}

	joiners []*Operation
	err     error
}

func newOperation(s *Scheduler, id, group OperationID, name string) *Operation {
	if name == "" {
		name = fmt.Sprintf("op-%d", id)
	}
	return &Operation{
		id:    id,
		group: group,
		name:  name,
		sched: s,
		gate:  make(chan struct{}, 1),
	}
}

// ID returns the operation id.
func (op *Operation) ID() OperationID { return op.id }

// Group returns the id of the causal root that created this operation.
func (op *Operation) Group() OperationID { return op.group }

// Name returns the operation's diagnostic name.
func (op *Operation) Name() string { return op.name }

func (op *Operation) describe() string {
	switch op.status {
	case StatusBlockedOnResource:
		return fmt.Sprintf("operation %d (%s, group %d) blocked on resource %d", op.id, op.name, op.group, op.resource)
	case StatusBlockedOnJoin:
		return fmt.Sprintf("operation %d (%s, group %d) waiting for operation %d", op.id, op.name, op.group, op.joining)
	case StatusBlockedOnReceive:
		return fmt.Sprintf("operation %d (%s, group %d) blocked on receive", op.id, op.name, op.group)
	}
	return fmt.Sprintf("operation %d (%s, group %d) %s", op.id, op.name, op.group, op.status)
}

// resume opens the operation's gate.
func (op *Operation) resume() {
	select {
	case op.gate <- struct{}{}:
	default:
	}
}

// park blocks until the scheduler resumes op. It reports false when the
// iteration terminated while op was parked.
func (op *Operation) park() bool {
	select {
	case <-op.gate:
		return !op.sched.Halted()
	case <-op.sched.done:
		return false
	}
}

// registry tracks every operation of one iteration, indexed by id.
type registry struct {
	ops []*Operation
}

func (r *registry) register(op *Operation) error {
	if int(op.id) < len(r.ops) {
		return errors.Wrapf(ErrInternal, "duplicate registration of operation %d", op.id)
	}
	if int(op.id) != len(r.ops) {
		return errors.Wrapf(ErrInternal, "operation id %d registered out of order, expected %d", op.id, len(r.ops))
	}
	r.ops = append(r.ops, op)
	return nil
}

func (r *registry) get(id OperationID) *Operation {
	if int(id) >= len(r.ops) {
		return nil
	}
	return r.ops[id]
}

func (r *registry) len() int { return len(r.ops) }

// setStatus moves op to status st. Completed operations never change state.
func (r *registry) setStatus(op *Operation, st Status) error {
	if op.status == StatusCompleted && st != StatusCompleted {
		return errors.Wrapf(ErrInternal, "operation %d left the completed state for %s", op.id, st)
	}
	op.status = st
	if st != StatusBlockedOnReceive {
		op.receive = nil
	}
	return nil
}

// enabled returns the ids of enabled operations in ascending order.
func (r *registry) enabled() []OperationID {
	var ids []OperationID
	for _, op := range r.ops {
		if op.status == StatusEnabled {
			ids = append(ids, op.id)
		}
	}
	return ids
}

func (r *registry) allCompleted() bool {
	for _, op := range r.ops {
		if op.status != StatusCompleted {
			return false
		}
	}
	return true
}

func (r *registry) blocked() []*Operation {
	var out []*Operation
	for _, op := range r.ops {
		switch op.status {
		case StatusBlockedOnResource, StatusBlockedOnReceive, StatusBlockedOnJoin:
			out = append(out, op)
		}
	}
	return out
}

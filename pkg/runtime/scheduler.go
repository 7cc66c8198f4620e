package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/petermattis/goid"
	"go.uber.org/zap"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// TestFunc is a program under test. It runs as the root operation and must
// reach every blocking or signaling point through the controlled primitives
// of this package, passing along the context it was given.
type TestFunc func(ctx context.Context) error

// Options bound a single controlled iteration.
type Options struct {
	// MaxSteps caps the number of scheduling steps; 0 means unbounded.
	MaxSteps int
	// LivenessThreshold is the number of consecutive steps a monitor may
	// stay hot; 0 disables the check until MaxSteps is reached.
	LivenessThreshold int
	// StallTimeout flags an operation that holds the permit without
	// reaching a scheduling point for this long; 0 disables the watchdog.
	StallTimeout time.Duration
	// LeakTimeout is how long operation goroutines get to exit once the
	// iteration has ended; 0 skips the check.
	LeakTimeout time.Duration
	// Logger receives debug output. Nil means no logging.
	Logger *zap.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxSteps:     10000,
		StallTimeout: 10 * time.Second,
		LeakTimeout:  2 * time.Second,
	}
}

// OperationInfo describes an operation in a Result.
type OperationInfo struct {
	ID       OperationID
	Group    OperationID
	Name     string
	Status   Status
	Resource ResourceID
}

// Result is the outcome of one controlled iteration.
type Result struct {
	Verdict    Verdict
	Err        error
	Trace      *trace.Trace
	Steps      int
	Operations int
	// Blocked lists the operations that were blocked when the iteration
	// ended; it explains deadlocks.
	Blocked []OperationInfo
}

// Scheduler serializes every operation of one iteration onto a single
// logical thread of control. Each operation runs on its own goroutine but
// only the holder of the permit executes; all others are parked on their
// private gate. A Scheduler is used for exactly one iteration.
type Scheduler struct {
	strategy Strategy
	opts     Options
	log      *zap.Logger

	mu        sync.Mutex
	started   bool
	trace     *trace.Trace
	ops       registry
	current   *Operation
	steps     int
	resources ResourceID
	monitors  []*Monitor

	halted  bool
	verdict Verdict
	err     error
	done    chan struct{}

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler that asks strategy for every decision.
func NewScheduler(strategy Strategy, opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		strategy: strategy,
		opts:     opts,
		log:      log,
		trace:    trace.New(),
		done:     make(chan struct{}),
	}
}

// Run executes fn as the root operation and drives the iteration to a
// terminal outcome. Cancelling ctx abandons the iteration.
func (s *Scheduler) Run(ctx context.Context, fn TestFunc) Result {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Result{Verdict: VerdictInternal, Err: errors.Wrap(ErrInternal, "scheduler reused for a second iteration")}
	}
	s.started = true
	root, err := s.spawnLocked(nil, spawnConfig{name: "main"})
	if err != nil {
		s.haltLocked(err)
		s.mu.Unlock()
		return s.Result()
	}
	s.current = root
	s.mu.Unlock()

	s.start(ctx, root, fn)
	root.resume()
	s.wait(ctx)
	s.reap()
	return s.Result()
}

// Result returns the outcome recorded so far.
func (s *Scheduler) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := Result{
		Verdict:    s.verdict,
		Err:        s.err,
		Trace:      s.trace.Clone(),
		Steps:      s.steps,
		Operations: s.ops.len(),
	}
	for _, op := range s.ops.blocked() {
		r.Blocked = append(r.Blocked, OperationInfo{
			ID: op.id, Group: op.group, Name: op.name, Status: op.status, Resource: op.resource,
		})
	}
	return r
}

// Halted reports whether the iteration has reached a terminal outcome.
func (s *Scheduler) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Halt terminates the iteration with err unless it already ended.
func (s *Scheduler) Halt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked(err)
}

// Steps returns the number of scheduling steps taken.
func (s *Scheduler) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

func (s *Scheduler) haltLocked(err error) {
	s.finishLocked(VerdictOf(err), err)
}

func (s *Scheduler) finishLocked(v Verdict, err error) {
	if s.halted {
		return
	}
	s.halted = true
	s.verdict = v
	s.err = err
	close(s.done)
	s.log.Debug("iteration halted",
		zap.Stringer("verdict", v),
		zap.Int("steps", s.steps),
		zap.Error(err))
}

type spawnConfig struct {
	name     string
	newGroup bool
}

func (s *Scheduler) spawnLocked(parent *Operation, cfg spawnConfig) (*Operation, error) {
	id := OperationID(s.ops.len())
	group := id
	if parent != nil && !cfg.newGroup {
		group = parent.group
	}
	op := newOperation(s, id, group, cfg.name)
	if err := s.ops.register(op); err != nil {
		return nil, err
	}
	return op, nil
}

// start launches op's goroutine. It parks until first scheduled.
func (s *Scheduler) start(ctx context.Context, op *Operation, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		op.goroutine = goid.Get()
		s.mu.Unlock()
		if !op.park() {
			return
		}
		returned := false
		defer func() {
			if returned {
				return
			}
			if r := recover(); r != nil {
				s.fail(panicError(op, r))
				return
			}
			// Goexit: either the iteration was halted while op was parked,
			// or user code ended the goroutine itself.
			if !s.Halted() {
				s.complete(op, nil)
			}
		}()
		err := fn(withOperation(ctx, op))
		returned = true
		s.complete(op, err)
	}()
}

func panicError(op *Operation, r any) error {
	if err, ok := r.(error); ok && (errors.Is(err, ErrUncontrolled) || errors.Is(err, ErrInternal)) {
		return err
	}
	return errors.Wrapf(ErrAssertion, "operation %d (%s) panicked: %v", op.id, op.name, r)
}

// wait blocks until the iteration halts, ctx is done or the running
// operation stalls outside the controlled primitives.
func (s *Scheduler) wait(ctx context.Context) {
	var tick <-chan time.Time
	if s.opts.StallTimeout > 0 {
		t := time.NewTicker(s.opts.StallTimeout)
		defer t.Stop()
		tick = t.C
	}
	last := -1
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.Halt(errors.Wrap(ctx.Err(), "iteration abandoned"))
			return
		case <-tick:
			s.mu.Lock()
			if s.steps == last && !s.halted {
				cur := s.current
				s.haltLocked(errors.WithHint(
					errors.Wrapf(ErrUncontrolled, "operation %d (%s) held the permit for %s without reaching a scheduling point",
						cur.id, cur.name, s.opts.StallTimeout),
					"blocking on channels, sync or timers outside the controlled primitives escapes the scheduler"))
			}
			last = s.steps
			s.mu.Unlock()
		}
	}
}

// reap waits for operation goroutines to unwind after the iteration ended.
func (s *Scheduler) reap() {
	if s.opts.LeakTimeout <= 0 {
		return
	}
	exited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(exited)
	}()
	timer := time.NewTimer(s.opts.LeakTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.verdict.IsFatal() || s.verdict == VerdictCanceled {
			return
		}
		s.verdict = VerdictUncontrolledConcurrency
		s.err = errors.WithHint(
			errors.Wrapf(ErrUncontrolled, "operation goroutines still running %s after the iteration ended", s.opts.LeakTimeout),
			"an operation is blocked outside the controlled primitives")
	}
}

// checkCallerLocked validates that op may reach a scheduling point now.
func (s *Scheduler) checkCallerLocked(op *Operation) error {
	switch {
	case op.sched != s:
		return errors.Wrapf(ErrUncontrolled, "operation %d belongs to a different iteration", op.id)
	case op.status == StatusCompleted:
		return errors.Wrapf(ErrUncontrolled, "completed operation %d (%s) reached a scheduling point", op.id, op.name)
	case s.current != op:
		return errors.WithHint(
			errors.Wrapf(ErrUncontrolled, "operation %d (%s) reached a scheduling point while operation %d holds the permit",
				op.id, op.name, s.current.id),
			"a goroutine not started with Go is using a controlled primitive")
	case op.goroutine != goid.Get():
		return errors.WithHint(
			errors.Wrapf(ErrUncontrolled, "goroutine %d reached a scheduling point with the context of operation %d (%s), which runs on goroutine %d",
				goid.Get(), op.id, op.name, op.goroutine),
			"start goroutines that use controlled primitives with Go")
	}
	return nil
}

// enterLocked admits op to a scheduling point. It reports false when the
// iteration is over and the caller must unwind.
func (s *Scheduler) enterLocked(op *Operation) bool {
	if s.halted {
		return false
	}
	if err := s.checkCallerLocked(op); err != nil {
		s.haltLocked(err)
		return false
	}
	return true
}

// stepLocked accounts for one scheduling step. It reports false when the
// step ended the iteration.
func (s *Scheduler) stepLocked() bool {
	if s.opts.MaxSteps > 0 && s.steps >= s.opts.MaxSteps {
		if m := s.hotMonitorLocked(); m != nil {
			s.haltLocked(errors.Wrapf(ErrLiveness, "monitor %q still hot after %d steps when the step bound was reached",
				m.name, m.temperature))
		} else {
			s.finishLocked(VerdictStepBoundReached, nil)
		}
		return false
	}
	s.steps++
	if err := s.heatLocked(); err != nil {
		s.haltLocked(err)
		return false
	}
	return true
}

// pickLocked asks the strategy for the next operation after op. It returns
// nil when the iteration ended.
func (s *Scheduler) pickLocked(op *Operation) *Operation {
	enabled := s.ops.enabled()
	if len(enabled) == 0 {
		if s.ops.allCompleted() {
			s.finishLocked(VerdictPass, nil)
		} else {
			s.haltLocked(s.deadlockLocked())
		}
		return nil
	}
	if !s.stepLocked() {
		return nil
	}
	id, err := s.strategy.NextOperation(op.id, enabled, s.trace)
	if err != nil {
		s.haltLocked(errors.Wrapf(err, "at decision %d", s.trace.Len()))
		return nil
	}
	next := s.ops.get(id)
	if next == nil || next.status != StatusEnabled {
		s.haltLocked(errors.Wrapf(ErrInternal, "strategy %s scheduled operation %d, enabled set is %v",
			s.strategy.Kind(), id, enabled))
		return nil
	}
	s.trace.AppendScheduling(id)
	s.current = next
	return next
}

func (s *Scheduler) deadlockLocked() error {
	blocked := s.ops.blocked()
	err := errors.Wrapf(ErrDeadlock, "%d operations blocked and none enabled", len(blocked))
	for _, op := range blocked {
		err = errors.WithDetail(err, op.describe())
	}
	return err
}

// yield is a scheduling point for the running operation op. It returns once
// op is scheduled again; if the iteration ends first, op's goroutine exits.
func (s *Scheduler) yield(op *Operation) {
	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	next := s.pickLocked(op)
	s.mu.Unlock()
	if next == nil {
		goruntime.Goexit()
	}
	if next == op {
		return
	}
	next.resume()
	if !op.park() {
		goruntime.Goexit()
	}
}

// complete marks op as finished, wakes its joiners and hands the permit on.
func (s *Scheduler) complete(op *Operation, result error) {
	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		return
	}
	op.err = result
	if result != nil && op.id == 0 {
		s.haltLocked(errors.Wrapf(ErrAssertion, "test returned an error: %v", result))
		s.mu.Unlock()
		return
	}
	if err := s.ops.setStatus(op, StatusCompleted); err != nil {
		s.haltLocked(err)
		s.mu.Unlock()
		return
	}
	for _, j := range op.joiners {
		if j.status == StatusBlockedOnJoin && j.joining == op.id {
			s.enableLocked(j)
		}
	}
	op.joiners = nil
	next := s.pickLocked(op)
	s.mu.Unlock()
	if next != nil {
		next.resume()
	}
}

// fail ends the iteration with err.
func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked(err)
}

// enableLocked makes op schedulable again.
func (s *Scheduler) enableLocked(op *Operation) {
	if err := s.ops.setStatus(op, StatusEnabled); err != nil {
		s.haltLocked(err)
	}
}

// blockLocked parks op on a resource until another operation enables it.
func (s *Scheduler) blockLocked(op *Operation, st Status, res ResourceID) {
	if err := s.ops.setStatus(op, st); err != nil {
		s.haltLocked(err)
		return
	}
	op.resource = res
}

func (s *Scheduler) newResourceLocked() ResourceID {
	s.resources++
	return s.resources
}

// nextBoolean resolves a controlled nondeterministic boolean.
func (s *Scheduler) nextBoolean(op *Operation) bool {
	s.mu.Lock()
	if !s.enterLocked(op) || !s.stepLocked() {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	v, err := s.strategy.NextBoolean(op.id, s.trace)
	if err != nil {
		s.haltLocked(errors.Wrapf(err, "at decision %d", s.trace.Len()))
		s.mu.Unlock()
		goruntime.Goexit()
	}
	s.trace.AppendBoolean(v)
	s.mu.Unlock()
	return v
}

// nextInteger resolves a controlled nondeterministic integer in [0, n).
func (s *Scheduler) nextInteger(op *Operation, n int) int {
	s.mu.Lock()
	if !s.enterLocked(op) {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	if n <= 0 {
		s.haltLocked(errors.Wrapf(ErrAssertion, "operation %d asked for a random integer below %d", op.id, n))
		s.mu.Unlock()
		goruntime.Goexit()
	}
	if !s.stepLocked() {
		s.mu.Unlock()
		goruntime.Goexit()
	}
	v, err := s.strategy.NextInteger(op.id, n, s.trace)
	if err == nil && (v < 0 || v >= n) {
		err = errors.Wrapf(ErrInternal, "strategy %s returned %d outside [0, %d)", s.strategy.Kind(), v, n)
	}
	if err != nil {
		s.haltLocked(errors.Wrapf(err, "at decision %d", s.trace.Len()))
		s.mu.Unlock()
		goruntime.Goexit()
	}
	s.trace.AppendInteger(v)
	s.mu.Unlock()
	return v
}

func (s *Scheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("scheduler(%s, %d ops, %d steps)", s.strategy.Kind(), s.ops.len(), s.steps)
}

package runtime

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// Replay reproduces a recorded execution: every decision is read from the
// trace instead of being chosen. When the live program asks for a decision
// the trace cannot answer, it reports a divergence instead of guessing.
type Replay struct {
	recorded *trace.Trace
	pos      int
}

// NewReplay returns a strategy replaying t.
func NewReplay(t *trace.Trace) *Replay {
	return &Replay{recorded: t}
}

func (*Replay) sealed() {}

func (*Replay) Kind() Kind { return KindReplay }

func (r *Replay) Description() string {
	return fmt.Sprintf("replay (%d decisions)", r.recorded.Len())
}

// Remaining returns the number of recorded decisions not yet consumed.
func (r *Replay) Remaining() int {
	return r.recorded.Len() - r.pos
}

func (r *Replay) next(kind trace.Kind) (trace.Decision, error) {
	if r.pos >= r.recorded.Len() {
		return trace.Decision{}, errors.Wrapf(ErrReplayDivergence,
			"program asked for a %s decision after the %d recorded ones", kind, r.recorded.Len())
	}
	d := r.recorded.At(r.pos)
	if d.Kind != kind {
		return trace.Decision{}, errors.Wrapf(ErrReplayDivergence,
			"decision %d was recorded as %s, program asked for %s", r.pos, d.Kind, kind)
	}
	r.pos++
	return d, nil
}

func (r *Replay) NextOperation(_ OperationID, enabled []OperationID, _ *trace.Trace) (OperationID, error) {
	d, err := r.next(trace.KindScheduling)
	if err != nil {
		return 0, err
	}
	if !contains(enabled, d.OperationID()) {
		return 0, errors.WithDetailf(
			errors.Wrapf(ErrReplayDivergence, "decision %d scheduled operation %d, which is not enabled",
				d.Index, d.OperationID()),
			"enabled operations: %v", enabled)
	}
	return d.OperationID(), nil
}

func (r *Replay) NextBoolean(_ OperationID, _ *trace.Trace) (bool, error) {
	d, err := r.next(trace.KindBoolean)
	return d.Bool(), err
}

func (r *Replay) NextInteger(_ OperationID, n int, _ *trace.Trace) (int, error) {
	d, err := r.next(trace.KindInteger)
	if err != nil {
		return 0, err
	}
	if d.Int() < 0 || d.Int() >= n {
		return 0, errors.Wrapf(ErrReplayDivergence, "decision %d recorded %d, program asked for a value below %d",
			d.Index, d.Int(), n)
	}
	return d.Int(), nil
}

// PrepareNextIteration rewinds the trace; a replay runs a single iteration.
func (r *Replay) PrepareNextIteration(_ *trace.Trace, _ Verdict) bool {
	r.pos = 0
	return false
}

// Portfolio runs its members as independent parallel search processes.
// It is not asked for decisions itself: the engine runs each member with
// its own schedulers and iteration budget.
type Portfolio struct {
	members []Strategy
}

// NewPortfolio groups members into a portfolio.
func NewPortfolio(members ...Strategy) *Portfolio {
	return &Portfolio{members: members}
}

// Members returns the member strategies.
func (p *Portfolio) Members() []Strategy { return p.members }

func (*Portfolio) sealed() {}

func (*Portfolio) Kind() Kind { return KindPortfolio }

func (p *Portfolio) Description() string {
	s := "portfolio ["
	for i, m := range p.members {
		if i > 0 {
			s += ", "
		}
		s += m.Description()
	}
	return s + "]"
}

var errPortfolioDecision = errors.Wrap(ErrInternal, "a portfolio makes no decisions; run its members")

func (*Portfolio) NextOperation(OperationID, []OperationID, *trace.Trace) (OperationID, error) {
	return 0, errPortfolioDecision
}

func (*Portfolio) NextBoolean(OperationID, *trace.Trace) (bool, error) {
	return false, errPortfolioDecision
}

func (*Portfolio) NextInteger(OperationID, int, *trace.Trace) (int, error) {
	return 0, errPortfolioDecision
}

func (*Portfolio) PrepareNextIteration(*trace.Trace, Verdict) bool {
	return false
}

package runtime

import (
	"fmt"
	"slices"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// roundRobin is the deterministic base scheduler of delay bounding: keep
// running the current operation while it is enabled, otherwise move to the
// next enabled id after it, wrapping around.
func roundRobin(current OperationID, enabled []OperationID) int {
	if i := slices.Index(enabled, current); i >= 0 {
		return i
	}
	for i, id := range enabled {
		if id > current {
			return i
		}
	}
	return 0
}

// delayed skips the base choice at index i once.
func delayed(enabled []OperationID, i int) OperationID {
	return enabled[(i+1)%len(enabled)]
}

// DelayBounding explores every placement of at most k delays on top of the
// round-robin scheduler, backtracking over the "delay here or not" choice
// at each step where the budget allows one. Nondeterministic values are
// enumerated exhaustively as well.
type DelayBounding struct {
	budget     int
	used       int
	tree       choiceTree
	iterations int
}

// NewDelayBounding returns an exhaustive delay-bounding strategy.
func NewDelayBounding(budget int) *DelayBounding {
	if budget <= 0 {
		budget = DefaultBound
	}
	return &DelayBounding{budget: budget}
}

func (*DelayBounding) sealed() {}

func (*DelayBounding) Kind() Kind { return KindDelayBounding }

func (d *DelayBounding) Description() string {
	return fmt.Sprintf("delaybound (budget %d, path %d)", d.budget, d.iterations+1)
}

func (d *DelayBounding) NextOperation(current OperationID, enabled []OperationID, _ *trace.Trace) (OperationID, error) {
	base := roundRobin(current, enabled)
	if d.used >= d.budget || len(enabled) < 2 {
		return enabled[base], nil
	}
	delay, err := d.tree.choose(trace.KindScheduling, 2, enabled)
	if err != nil {
		return 0, err
	}
	if delay == 1 {
		d.used++
		return delayed(enabled, base), nil
	}
	return enabled[base], nil
}

func (d *DelayBounding) NextBoolean(_ OperationID, _ *trace.Trace) (bool, error) {
	i, err := d.tree.choose(trace.KindBoolean, 2, nil)
	return i == 1, err
}

func (d *DelayBounding) NextInteger(_ OperationID, n int, _ *trace.Trace) (int, error) {
	return d.tree.choose(trace.KindInteger, n, nil)
}

func (d *DelayBounding) PrepareNextIteration(_ *trace.Trace, _ Verdict) bool {
	d.iterations++
	d.used = 0
	return d.tree.backtrack()
}

// RandomDelayBounding places its k delays at steps sampled uniformly over
// the longest schedule observed so far.
type RandomDelayBounding struct {
	prng
	budget    int
	maxLength int
	delays    map[int]bool
	step      int
}

// NewRandomDelayBounding returns a randomized delay-bounding strategy.
func NewRandomDelayBounding(seed uint64, budget int) *RandomDelayBounding {
	if budget <= 0 {
		budget = DefaultBound
	}
	r := &RandomDelayBounding{prng: newPRNG(seed), budget: budget}
	r.reset()
	return r
}

func (*RandomDelayBounding) sealed() {}

func (*RandomDelayBounding) Kind() Kind { return KindRandomDelayBounding }

func (r *RandomDelayBounding) Description() string {
	return fmt.Sprintf("rdelaybound (seed %d, budget %d)", r.seed, r.budget)
}

func (r *RandomDelayBounding) startAt(iteration int) {
	r.reseed(iteration)
	r.reset()
}

func (r *RandomDelayBounding) reset() {
	r.step = 0
	r.delays = make(map[int]bool)
	if r.maxLength == 0 {
		return
	}
	for _, i := range r.rng.Perm(r.maxLength)[:min(r.budget, r.maxLength)] {
		r.delays[i+1] = true
	}
}

func (r *RandomDelayBounding) NextOperation(current OperationID, enabled []OperationID, _ *trace.Trace) (OperationID, error) {
	r.step++
	base := roundRobin(current, enabled)
	if r.delays[r.step] && len(enabled) > 1 {
		return delayed(enabled, base), nil
	}
	return enabled[base], nil
}

func (r *RandomDelayBounding) NextBoolean(_ OperationID, _ *trace.Trace) (bool, error) {
	return r.boolean(), nil
}

func (r *RandomDelayBounding) NextInteger(_ OperationID, n int, _ *trace.Trace) (int, error) {
	return r.integer(n), nil
}

func (r *RandomDelayBounding) PrepareNextIteration(prev *trace.Trace, _ Verdict) bool {
	r.maxLength = max(r.maxLength, schedulingLength(prev))
	r.advance()
	r.reset()
	return true
}

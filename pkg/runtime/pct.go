package runtime

import (
	"fmt"
	"slices"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// PCT is probabilistic concurrency testing: every operation gets a random
// priority when first seen, the highest-priority enabled operation always
// runs, and at a few randomly chosen steps the operation about to run is
// demoted below all others. The change points are sampled over the longest
// schedule observed so far, so the first iteration runs without any.
//
// The fair variant switches to uniform random choices once the last change
// point has passed, so no operation starves in long executions.
type PCT struct {
	prng
	fair  bool
	depth int

	maxLength    int
	priorities   []OperationID
	known        map[OperationID]bool
	changePoints map[int]bool
	tailFrom     int
	step         int
}

// NewPCT returns a PCT strategy with depth priority change points.
func NewPCT(seed uint64, depth int) *PCT {
	return newPCT(seed, depth, false)
}

// NewFairPCT returns the fair variant of PCT.
func NewFairPCT(seed uint64, depth int) *PCT {
	return newPCT(seed, depth, true)
}

func newPCT(seed uint64, depth int, fair bool) *PCT {
	if depth <= 0 {
		depth = DefaultBound
	}
	p := &PCT{prng: newPRNG(seed), fair: fair, depth: depth}
	p.reset()
	return p
}

func (*PCT) sealed() {}

func (p *PCT) Kind() Kind {
	if p.fair {
		return KindFairPCT
	}
	return KindPCT
}

func (p *PCT) Description() string {
	return fmt.Sprintf("%s (seed %d, depth %d, change points %v)", p.Kind(), p.seed, p.depth, p.ChangePoints())
}

// ChangePoints returns the priority change steps of the current iteration
// in ascending order.
func (p *PCT) ChangePoints() []int {
	out := make([]int, 0, len(p.changePoints))
	for s := range p.changePoints {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func (p *PCT) startAt(iteration int) {
	p.reseed(iteration)
	p.reset()
}

func (p *PCT) reset() {
	p.priorities = p.priorities[:0]
	p.known = make(map[OperationID]bool)
	p.changePoints = make(map[int]bool)
	p.step = 0
	p.tailFrom = 0
	if p.maxLength == 0 {
		return
	}
	k := min(p.depth, p.maxLength)
	last := 0
	for _, i := range p.rng.Perm(p.maxLength)[:k] {
		p.changePoints[i+1] = true
		last = max(last, i+1)
	}
	if p.fair {
		p.tailFrom = last
	}
}

// admit inserts newly seen operations at random positions of the priority
// list; index 0 is the highest priority.
func (p *PCT) admit(enabled []OperationID) {
	for _, id := range enabled {
		if p.known[id] {
			continue
		}
		p.known[id] = true
		pos := p.rng.IntN(len(p.priorities) + 1)
		p.priorities = slices.Insert(p.priorities, pos, id)
	}
}

func (p *PCT) highest(enabled []OperationID) (int, OperationID) {
	for i, id := range p.priorities {
		if contains(enabled, id) {
			return i, id
		}
	}
	// admit guarantees every enabled id is in the list.
	return -1, enabled[0]
}

func (p *PCT) NextOperation(_ OperationID, enabled []OperationID, _ *trace.Trace) (OperationID, error) {
	p.step++
	p.admit(enabled)
	if p.fair && p.tailFrom > 0 && p.step > p.tailFrom {
		return p.pick(enabled), nil
	}
	i, id := p.highest(enabled)
	if p.changePoints[p.step] && len(enabled) > 1 && i >= 0 {
		p.priorities = append(slices.Delete(p.priorities, i, i+1), id)
		_, id = p.highest(enabled)
	}
	return id, nil
}

func (p *PCT) NextBoolean(_ OperationID, _ *trace.Trace) (bool, error) {
	return p.boolean(), nil
}

func (p *PCT) NextInteger(_ OperationID, n int, _ *trace.Trace) (int, error) {
	return p.integer(n), nil
}

func (p *PCT) PrepareNextIteration(prev *trace.Trace, _ Verdict) bool {
	p.maxLength = max(p.maxLength, schedulingLength(prev))
	p.advance()
	p.reset()
	return true
}

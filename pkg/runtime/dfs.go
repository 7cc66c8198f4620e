package runtime

import (
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// choicePoint is one level of a depth-first search tree.
type choicePoint struct {
	kind    trace.Kind
	count   int
	enabled []OperationID
	choice  int
}

// choiceTree drives an exhaustive search: each iteration replays the
// choices on the stack and extends it with first alternatives; backtrack
// advances the deepest point that still has an untried alternative.
type choiceTree struct {
	stack []*choicePoint
	depth int
}

// choose returns the alternative to take at the next choice point of the
// current iteration. A point that does not match the one recorded at the
// same depth means the program is not deterministic under control.
func (c *choiceTree) choose(kind trace.Kind, count int, enabled []OperationID) (int, error) {
	if c.depth < len(c.stack) {
		p := c.stack[c.depth]
		if p.kind != kind || p.count != count || !slices.Equal(p.enabled, enabled) {
			return 0, errors.WithHint(
				errors.Wrapf(ErrReplayDivergence, "choice point %d was %s over %d alternatives %v, now %s over %d %v",
					c.depth, p.kind, p.count, p.enabled, kind, count, enabled),
				"the program under test reaches different choice points under the same decisions; look for uncontrolled nondeterminism")
		}
		c.depth++
		return p.choice, nil
	}
	c.stack = append(c.stack, &choicePoint{
		kind:    kind,
		count:   count,
		enabled: slices.Clone(enabled),
	})
	c.depth++
	return 0, nil
}

// backtrack prepares the next path and reports false once every path has
// been explored.
func (c *choiceTree) backtrack() bool {
	if c.depth < len(c.stack) {
		c.stack = c.stack[:c.depth]
	}
	for len(c.stack) > 0 {
		top := c.stack[len(c.stack)-1]
		if top.choice+1 < top.count {
			top.choice++
			break
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	c.depth = 0
	return len(c.stack) > 0
}

// DFS explores the whole tree of scheduling and nondeterministic choices
// depth first, re-running the program from scratch for every path. It
// tries the lowest operation id first, false before true and integers in
// ascending order.
type DFS struct {
	tree       choiceTree
	iterations int
}

// NewDFS returns a depth-first strategy positioned at the first path.
func NewDFS() *DFS {
	return &DFS{}
}

func (*DFS) sealed() {}

func (*DFS) Kind() Kind { return KindDFS }

func (d *DFS) Description() string {
	return fmt.Sprintf("dfs (path %d, depth %d)", d.iterations+1, len(d.tree.stack))
}

func (d *DFS) NextOperation(_ OperationID, enabled []OperationID, _ *trace.Trace) (OperationID, error) {
	i, err := d.tree.choose(trace.KindScheduling, len(enabled), enabled)
	if err != nil {
		return 0, err
	}
	return enabled[i], nil
}

func (d *DFS) NextBoolean(_ OperationID, _ *trace.Trace) (bool, error) {
	i, err := d.tree.choose(trace.KindBoolean, 2, nil)
	return i == 1, err
}

func (d *DFS) NextInteger(_ OperationID, n int, _ *trace.Trace) (int, error) {
	return d.tree.choose(trace.KindInteger, n, nil)
}

func (d *DFS) PrepareNextIteration(_ *trace.Trace, _ Verdict) bool {
	d.iterations++
	return d.tree.backtrack()
}

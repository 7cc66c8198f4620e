// Package trace holds the execution trace of one controlled iteration: the
// ordered, replayable log of every scheduling and nondeterministic decision.
package trace

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrIndexGap is returned when a trace's decision indices are not dense.
var ErrIndexGap = errors.New("trace index gap")

// Trace is an append-only sequence of decisions. Decision i always has
// Index i.
type Trace struct {
	steps []Decision
}

// New returns an empty trace.
func New() *Trace {
	return &Trace{}
}

// FromDecisions builds a trace from decisions, reindexing them densely.
func FromDecisions(ds ...Decision) *Trace {
	t := &Trace{steps: make([]Decision, 0, len(ds))}
	for _, d := range ds {
		t.append(d)
	}
	return t
}

// Len returns the number of decisions.
func (t *Trace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.steps)
}

// At returns decision i.
func (t *Trace) At(i int) Decision {
	return t.steps[i]
}

// Last returns the most recent decision, if any.
func (t *Trace) Last() (Decision, bool) {
	if t.Len() == 0 {
		return Decision{}, false
	}
	return t.steps[len(t.steps)-1], true
}

// Decisions returns a copy of the recorded decisions.
func (t *Trace) Decisions() []Decision {
	out := make([]Decision, t.Len())
	if t != nil {
		copy(out, t.steps)
	}
	return out
}

func (t *Trace) append(d Decision) Decision {
	d.Index = len(t.steps)
	t.steps = append(t.steps, d)
	return d
}

// AppendScheduling records that operation id was scheduled next.
func (t *Trace) AppendScheduling(id OperationID) Decision {
	return t.append(Scheduling(id))
}

// AppendBoolean records a resolved nondeterministic boolean.
func (t *Trace) AppendBoolean(v bool) Decision {
	return t.append(Boolean(v))
}

// AppendInteger records a resolved nondeterministic integer.
func (t *Trace) AppendInteger(v int) Decision {
	return t.append(Integer(v))
}

// ExtendOrReplace makes other authoritative over the indices it covers:
// decisions [0, other.Len()) are overwritten by other's, decisions of t past
// other.Len() are kept. A longer other therefore replaces t entirely, while
// a prefix of t leaves it unchanged.
func (t *Trace) ExtendOrReplace(other *Trace) {
	n := other.Len()
	for i := 0; i < n; i++ {
		d := other.steps[i]
		d.Index = i
		if i < len(t.steps) {
			t.steps[i] = d
		} else {
			t.steps = append(t.steps, d)
		}
	}
}

// Clone returns an independent copy of t.
func (t *Trace) Clone() *Trace {
	return &Trace{steps: t.Decisions()}
}

// Equal reports whether t and o contain the same decisions in order.
func (t *Trace) Equal(o *Trace) bool {
	if t.Len() != o.Len() {
		return false
	}
	for i := 0; i < t.Len(); i++ {
		a, b := t.steps[i], o.steps[i]
		if a.Index != b.Index || !a.Same(b) {
			return false
		}
	}
	return true
}

// Validate checks that indices are dense.
func (t *Trace) Validate() error {
	for i := 0; i < t.Len(); i++ {
		if got := t.steps[i].Index; got != i {
			return errors.Wrapf(ErrIndexGap, "decision at position %d has index %d", i, got)
		}
	}
	return nil
}

func (t *Trace) String() string {
	parts := make([]string, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		parts = append(parts, t.steps[i].String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MarshalJSON encodes the trace as an array of persisted records.
func (t *Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Decisions())
}

// UnmarshalJSON decodes an array of persisted records.
func (t *Trace) UnmarshalJSON(data []byte) error {
	var ds []Decision
	if err := json.Unmarshal(data, &ds); err != nil {
		return err
	}
	out := &Trace{steps: ds}
	if err := out.Validate(); err != nil {
		return err
	}
	*t = *out
	return nil
}

package trace

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
)

// OperationID identifies a schedulable operation within one iteration.
type OperationID uint64

// Kind represents the type of a recorded decision.
type Kind uint8

const (
	KindScheduling Kind = iota + 1
	KindBoolean
	KindInteger
)

func (k Kind) String() string {
	switch k {
	case KindScheduling:
		return "scheduling"
	case KindBoolean:
		return "nondeterministic-bool"
	case KindInteger:
		return "nondeterministic-int"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "scheduling":
		return KindScheduling, nil
	case "nondeterministic-bool":
		return KindBoolean, nil
	case "nondeterministic-int":
		return KindInteger, nil
	}
	return 0, errors.Newf("unknown decision kind %q", s)
}

// Decision is a single record of an execution trace. Exactly one payload is
// meaningful, selected by Kind: the scheduled operation for scheduling
// choices, a boolean or an integer for nondeterministic choices.
type Decision struct {
	Index int
	Kind  Kind

	op  OperationID
	b   bool
	val int
}

// Scheduling returns a scheduling choice of operation id.
func Scheduling(id OperationID) Decision {
	return Decision{Kind: KindScheduling, op: id}
}

// Boolean returns a resolved nondeterministic boolean.
func Boolean(v bool) Decision {
	return Decision{Kind: KindBoolean, b: v}
}

// Integer returns a resolved nondeterministic integer.
func Integer(v int) Decision {
	return Decision{Kind: KindInteger, val: v}
}

// OperationID returns the scheduled operation. It is zero for
// nondeterministic choices.
func (d Decision) OperationID() OperationID { return d.op }

// Bool returns the boolean payload.
func (d Decision) Bool() bool { return d.b }

// Int returns the integer payload.
func (d Decision) Int() int { return d.val }

// Same reports whether d and o carry the same kind and payload, ignoring
// their indices.
func (d Decision) Same(o Decision) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case KindScheduling:
		return d.op == o.op
	case KindBoolean:
		return d.b == o.b
	case KindInteger:
		return d.val == o.val
	}
	return true
}

func (d Decision) String() string {
	switch d.Kind {
	case KindScheduling:
		return fmt.Sprintf("%d:sched(%d)", d.Index, d.op)
	case KindBoolean:
		return fmt.Sprintf("%d:bool(%t)", d.Index, d.b)
	case KindInteger:
		return fmt.Sprintf("%d:int(%d)", d.Index, d.val)
	}
	return fmt.Sprintf("%d:unknown", d.Index)
}

// record is the persisted form of a decision.
type record struct {
	Index       int             `json:"index"`
	Kind        string          `json:"kind"`
	OperationID *OperationID    `json:"operationId,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the decision as a persisted record.
func (d Decision) MarshalJSON() ([]byte, error) {
	r := record{Index: d.Index, Kind: d.Kind.String()}
	switch d.Kind {
	case KindScheduling:
		id := d.op
		r.OperationID = &id
	case KindBoolean:
		r.Value, _ = json.Marshal(d.b)
	case KindInteger:
		r.Value, _ = json.Marshal(d.val)
	default:
		return nil, errors.Newf("cannot encode decision %d of unknown kind %d", d.Index, d.Kind)
	}
	return json.Marshal(r)
}

// UnmarshalJSON decodes a persisted record, rejecting records whose payload
// does not match their kind.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return errors.Wrap(err, "failed to decode decision")
	}
	kind, err := ParseKind(r.Kind)
	if err != nil {
		return err
	}
	out := Decision{Index: r.Index, Kind: kind}
	switch kind {
	case KindScheduling:
		if r.OperationID == nil {
			return errors.Newf("scheduling decision %d has no operationId", r.Index)
		}
		if len(r.Value) > 0 {
			return errors.Newf("scheduling decision %d carries a value", r.Index)
		}
		out.op = *r.OperationID
	case KindBoolean:
		if r.OperationID != nil || len(r.Value) == 0 {
			return errors.Newf("boolean decision %d must carry only a value", r.Index)
		}
		if err := json.Unmarshal(r.Value, &out.b); err != nil {
			return errors.Wrapf(err, "boolean decision %d", r.Index)
		}
	case KindInteger:
		if r.OperationID != nil || len(r.Value) == 0 {
			return errors.Newf("integer decision %d must carry only a value", r.Index)
		}
		if err := json.Unmarshal(r.Value, &out.val); err != nil {
			return errors.Wrapf(err, "integer decision %d", r.Index)
		}
	}
	*d = out
	return nil
}

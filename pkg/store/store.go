// Package store persists bug-reproduction artifacts: the recorded trace of a
// failing iteration together with what is needed to replay it.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// ErrNotFound is returned when no artifact has the requested id.
var ErrNotFound = errors.New("artifact not found")

// Artifact reproduces one violation found by search.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
	// Scenario names the program under test when it is a bundled one.
	Scenario      string       `json:"scenario,omitempty"`
	Strategy      string       `json:"strategy"`
	Seed          uint64       `json:"seed"`
	IterationSeed uint64       `json:"iterationSeed,omitempty"`
	Iteration     int          `json:"iteration"`
	Verdict       string       `json:"verdict"`
	Message       string       `json:"message"`
	Trace         *trace.Trace `json:"trace"`
}

// Store is implemented by every artifact backend.
type Store interface {
	Save(ctx context.Context, a *Artifact) error
	// Load returns ErrNotFound when id is unknown.
	Load(ctx context.Context, id string) (*Artifact, error)
	// List returns the ids of stored artifacts, oldest first.
	List(ctx context.Context) ([]string, error)
	// Delete removes id; deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewID returns a fresh artifact or run id.
func NewID() string {
	return uuid.NewString()
}

// Validate reports whether a is complete enough to be stored.
func (a *Artifact) Validate() error {
	if a == nil {
		return errors.New("nil artifact")
	}
	if a.ID == "" {
		return errors.New("artifact has no id")
	}
	if _, err := uuid.Parse(a.ID); err != nil {
		return errors.Wrapf(err, "artifact id %q", a.ID)
	}
	if a.Trace == nil {
		return errors.Newf("artifact %s has no trace", a.ID)
	}
	return a.Trace.Validate()
}

// Marshal encodes a for backends that store opaque bytes.
func Marshal(a *Artifact) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal artifact %s", a.ID)
	}
	return data, nil
}

// Unmarshal decodes an artifact written by Marshal.
func Unmarshal(data []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errors.Wrap(err, "unmarshal artifact")
	}
	if a.Trace == nil {
		a.Trace = trace.New()
	}
	return &a, nil
}

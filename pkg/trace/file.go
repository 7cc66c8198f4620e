package trace

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Encode writes t as JSON lines, one decision record per line.
func Encode(w io.Writer, t *Trace) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, d := range t.Decisions() {
		if err := enc.Encode(d); err != nil {
			return errors.Wrapf(err, "failed to encode decision %d", d.Index)
		}
	}
	return bw.Flush()
}

// Decode reads JSON lines written by Encode.
func Decode(r io.Reader) (*Trace, error) {
	t := New()
	dec := json.NewDecoder(bufio.NewReader(r))
	for dec.More() {
		var d Decision
		if err := dec.Decode(&d); err != nil {
			return nil, errors.Wrapf(err, "failed to decode decision %d", t.Len())
		}
		if d.Index != t.Len() {
			return nil, errors.Wrapf(ErrIndexGap, "expected index %d, found %d", t.Len(), d.Index)
		}
		t.steps = append(t.steps, d)
	}
	return t, nil
}

// Load reads a trace file.
func Load(filename string) (*Trace, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open trace file")
	}
	defer f.Close()
	return Decode(f)
}

// Save writes a trace file, replacing any existing one.
func Save(filename string, t *Trace) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "failed to create trace file")
	}
	if err := Encode(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

package scenarios

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/interleave/pkg/runtime"
)

func TestLookup(t *testing.T) {
	s, err := Lookup("racy-write")
	require.NoError(t, err)
	assert.Equal(t, "racy-write", s.Name)
	assert.NotNil(t, s.Test)

	_, err = Lookup("nope")
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "ping-pong")
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	assert.IsIncreasing(t, names)
	assert.Len(t, All(), len(names))
}

// search explores s with DFS, stopping at the first bug.
func search(t *testing.T, s Scenario, iterations int) runtime.Verdict {
	t.Helper()
	opts := runtime.DefaultOptions()
	opts.MaxSteps = 500
	opts.LivenessThreshold = 100
	opts.StallTimeout = time.Second
	opts.LeakTimeout = time.Second

	st := runtime.NewDFS()
	verdict := runtime.VerdictPass
	for i := 0; i < iterations; i++ {
		res := runtime.NewScheduler(st, opts).Run(context.Background(), s.Test)
		require.False(t, res.Verdict.IsFatal(), "%s: %v", s.Name, res.Err)
		if res.Verdict.IsBug() {
			return res.Verdict
		}
		if res.Verdict != runtime.VerdictPass {
			verdict = res.Verdict
		}
		if !st.PrepareNextIteration(res.Trace, res.Verdict) {
			break
		}
	}
	return verdict
}

func TestScenariosReachExpectedVerdict(t *testing.T) {
	for _, s := range All() {
		t.Run(s.Name, func(t *testing.T) {
			assert.Equal(t, s.Expect, search(t, s, 5000))
		})
	}
}

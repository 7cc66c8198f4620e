package runtime

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirkhaki/interleave/pkg/trace"
)

func TestParseKind(t *testing.T) {
	for _, name := range KindNames() {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.String())
	}

	k, err := ParseKind("  PCT ")
	require.NoError(t, err)
	assert.Equal(t, KindPCT, k)

	_, err = ParseKind("bfs")
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "fairpct")
}

func TestNewStrategy(t *testing.T) {
	for _, k := range []Kind{KindDFS, KindRandom, KindProbabilisticRandomWalk, KindPCT, KindFairPCT, KindDelayBounding, KindRandomDelayBounding} {
		st, err := NewStrategy(StrategyOptions{Kind: k, Seed: 42})
		require.NoError(t, err, k)
		assert.Equal(t, k, st.Kind())
		assert.NotEmpty(t, st.Description())
	}

	_, err := NewStrategy(StrategyOptions{Kind: KindReplay})
	assert.Error(t, err, "replay without a trace")

	st, err := NewStrategy(StrategyOptions{Kind: KindReplay, Trace: trace.New()})
	require.NoError(t, err)
	assert.Equal(t, KindReplay, st.Kind())

	_, err = NewStrategy(StrategyOptions{Kind: Kind(99)})
	assert.Error(t, err)
}

func TestNewStrategyPortfolio(t *testing.T) {
	st, err := NewStrategy(StrategyOptions{Kind: KindPortfolio, Seed: 10})
	require.NoError(t, err)
	p, ok := st.(*Portfolio)
	require.True(t, ok)
	require.Len(t, p.Members(), len(DefaultPortfolio(10, DefaultBound)))
	for _, m := range p.Members() {
		_, seeded := m.(Seeded)
		assert.True(t, seeded, m.Kind())
	}

	_, err = NewStrategy(StrategyOptions{Kind: KindPortfolio, Members: []StrategyOptions{{Kind: KindPortfolio}}})
	assert.Error(t, err)
	_, err = NewStrategy(StrategyOptions{Kind: KindPortfolio, Members: []StrategyOptions{{Kind: KindReplay}}})
	assert.Error(t, err)

	_, err = p.NextOperation(0, []OperationID{0}, trace.New())
	assert.True(t, errors.Is(err, ErrInternal))
	assert.False(t, p.PrepareNextIteration(trace.New(), VerdictPass))
}

func TestStartIterationReproducesThatIteration(t *testing.T) {
	const start = 4
	for _, k := range []Kind{KindRandom, KindProbabilisticRandomWalk} {
		t.Run(k.String(), func(t *testing.T) {
			fresh, err := NewStrategy(StrategyOptions{Kind: k, Seed: 13})
			require.NoError(t, err)
			var want Result
			for i := 0; i <= start; i++ {
				want = runOnce(fresh, nondeterministic)
				if i < start {
					fresh.PrepareNextIteration(want.Trace, want.Verdict)
				}
			}

			st, err := NewStrategy(StrategyOptions{Kind: k, Seed: 13, StartIteration: start})
			require.NoError(t, err)
			seeded := st.(Seeded)
			assert.Equal(t, start, seeded.Iteration())
			assert.Equal(t, seedFor(13, start), seeded.IterationSeed())
			got := runOnce(st, nondeterministic)
			assert.True(t, want.Trace.Equal(got.Trace), "started at %s, fresh run %s", got.Trace, want.Trace)
		})
	}
}

func TestStartIterationAppliesToEverySeededStrategy(t *testing.T) {
	for _, k := range []Kind{KindPCT, KindFairPCT, KindRandomDelayBounding, KindPortfolio} {
		st, err := NewStrategy(StrategyOptions{Kind: k, Seed: 5, StartIteration: 9})
		require.NoError(t, err, k)
		members := []Strategy{st}
		if p, ok := st.(*Portfolio); ok {
			members = p.Members()
		}
		for _, m := range members {
			assert.Equal(t, 9, m.(Seeded).Iteration(), m.Kind())
		}
	}

	_, err := NewStrategy(StrategyOptions{Kind: KindRandom, StartIteration: -1})
	assert.Error(t, err)
}

func TestSeedForIsStable(t *testing.T) {
	assert.Equal(t, seedFor(1, 5), seedFor(1, 5))
	assert.NotEqual(t, seedFor(1, 5), seedFor(1, 6))
	assert.NotEqual(t, seedFor(1, 5), seedFor(2, 5))
}

func TestRandomIterationSeedsAdvance(t *testing.T) {
	r := NewRandom(3)
	first := r.IterationSeed()
	require.True(t, r.PrepareNextIteration(trace.New(), VerdictPass))
	assert.NotEqual(t, first, r.IterationSeed())
	assert.Equal(t, seedFor(3, 1), r.IterationSeed())
}

func schedulingTrace(n int) *trace.Trace {
	t := trace.New()
	for i := 0; i < n; i++ {
		t.AppendScheduling(OperationID(i % 2))
	}
	return t
}

func TestPCTChangePoints(t *testing.T) {
	p := NewPCT(5, 2)
	assert.Empty(t, p.ChangePoints(), "no schedule length is known before the first iteration")

	require.True(t, p.PrepareNextIteration(schedulingTrace(10), VerdictPass))
	points := p.ChangePoints()
	require.Len(t, points, 2)
	for _, s := range points {
		assert.GreaterOrEqual(t, s, 1)
		assert.LessOrEqual(t, s, 10)
	}

	// A shorter trace never shrinks the sampling range.
	require.True(t, p.PrepareNextIteration(schedulingTrace(1), VerdictPass))
	assert.Len(t, p.ChangePoints(), 2)
}

func TestPCTRunsHighestPriority(t *testing.T) {
	p := NewPCT(5, 1)
	enabled := []OperationID{0, 1, 2}
	first, err := p.NextOperation(0, enabled, trace.New())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		id, err := p.NextOperation(0, enabled, trace.New())
		require.NoError(t, err)
		assert.Equal(t, first, id, "priorities only change at change points")
	}
}

func TestProbabilisticRandomWalkPrefersCurrent(t *testing.T) {
	w := NewProbabilisticRandomWalk(8, 4)
	enabled := []OperationID{0, 1, 2, 3}
	stay := 0
	for i := 0; i < 1000; i++ {
		id, err := w.NextOperation(2, enabled, trace.New())
		require.NoError(t, err)
		if id == 2 {
			stay++
		}
	}
	// Switching needs four heads in a row.
	assert.Greater(t, stay, 850)
}

func TestRoundRobin(t *testing.T) {
	enabled := []OperationID{1, 3, 5}
	assert.Equal(t, 1, roundRobin(3, enabled))
	assert.Equal(t, 1, roundRobin(2, enabled))
	assert.Equal(t, 0, roundRobin(7, enabled))
	assert.Equal(t, OperationID(5), delayed(enabled, 1))
	assert.Equal(t, OperationID(1), delayed(enabled, 2))
}

func TestDelayBoundingTerminatesAndFindsRace(t *testing.T) {
	for _, budget := range []int{1, 2} {
		st := NewDelayBounding(budget)
		seen := map[int]bool{}
		results := explore(st, 10000, racyWrite(func(x int) { seen[x] = true }))
		require.Less(t, len(results), 10000, "budget %d did not terminate", budget)
		assert.True(t, seen[3] && seen[5], "budget %d saw %v", budget, seen)
	}
}

func TestDelayBoundingZeroDelaysIsRoundRobin(t *testing.T) {
	st := NewDelayBounding(1)
	r := runOnce(st, racyWrite(func(int) {}))
	require.Equal(t, VerdictPass, r.Verdict, "%+v", r.Err)
	assert.True(t, st.PrepareNextIteration(r.Trace, r.Verdict), "one delay leaves paths to explore")
}

func TestRandomDelayBoundingSamplesDelays(t *testing.T) {
	st := NewRandomDelayBounding(4, 2)
	assert.Empty(t, st.delays)
	require.True(t, st.PrepareNextIteration(schedulingTrace(8), VerdictPass))
	assert.Len(t, st.delays, 2)
}

// nondeterministic mixes scheduling with controlled values.
func nondeterministic(ctx context.Context) error {
	x := 0
	var tasks []*Task
	for i := 0; i < 3; i++ {
		tasks = append(tasks, Go(ctx, func(ctx context.Context) error {
			if RandomBool(ctx) {
				x += RandomInt(ctx, 4)
			}
			Yield(ctx)
			x *= 2
			return nil
		}))
	}
	return WaitAll(ctx, tasks...)
}

func TestReplayReproducesEveryStrategy(t *testing.T) {
	for _, k := range []Kind{KindDFS, KindRandom, KindProbabilisticRandomWalk, KindPCT, KindFairPCT, KindDelayBounding, KindRandomDelayBounding} {
		t.Run(k.String(), func(t *testing.T) {
			st, err := NewStrategy(StrategyOptions{Kind: k, Seed: 21})
			require.NoError(t, err)
			// Move past the first iteration so change points and delays apply.
			first := runOnce(st, nondeterministic)
			st.PrepareNextIteration(first.Trace, first.Verdict)
			recorded := runOnce(st, nondeterministic)
			require.Equal(t, VerdictPass, recorded.Verdict, "%+v", recorded.Err)

			replay := NewReplay(recorded.Trace)
			again := runOnce(replay, nondeterministic)
			require.Equal(t, VerdictPass, again.Verdict, "%+v", again.Err)
			assert.True(t, recorded.Trace.Equal(again.Trace), "replayed %s, recorded %s", again.Trace, recorded.Trace)
			assert.Zero(t, replay.Remaining())
			assert.False(t, replay.PrepareNextIteration(again.Trace, again.Verdict))
		})
	}
}

func TestReplayReproducesBug(t *testing.T) {
	var recorded Result
	fn := func(ctx context.Context) error {
		return racyWrite(func(x int) { Assert(ctx, x == 5, "x = %d", x) })(ctx)
	}
	for _, r := range explore(NewRandom(1), 500, fn) {
		recorded = r
	}
	require.Equal(t, VerdictAssertionFailure, recorded.Verdict)

	again := runOnce(NewReplay(recorded.Trace), fn)
	assert.Equal(t, VerdictAssertionFailure, again.Verdict)
	assert.True(t, recorded.Trace.Equal(again.Trace))
}

func TestReplayDivergesOnKindMismatch(t *testing.T) {
	recorded := runOnce(NewRandom(1), func(ctx context.Context) error {
		RandomBool(ctx)
		return nil
	})
	require.Equal(t, VerdictPass, recorded.Verdict)

	r := runOnce(NewReplay(recorded.Trace), func(ctx context.Context) error {
		RandomInt(ctx, 3)
		return nil
	})
	require.Equal(t, VerdictReplayDivergence, r.Verdict)
	assert.True(t, errors.Is(r.Err, ErrReplayDivergence))
}

func TestReplayDivergesWhenExhausted(t *testing.T) {
	r := runOnce(NewReplay(trace.New()), spin)
	require.Equal(t, VerdictReplayDivergence, r.Verdict)
	assert.Contains(t, r.Err.Error(), "after the 0 recorded")
}

func TestReplayDivergesOnDisabledOperation(t *testing.T) {
	recorded := trace.FromDecisions(trace.Scheduling(4))
	r := runOnce(NewReplay(recorded), spin)
	require.Equal(t, VerdictReplayDivergence, r.Verdict)
	assert.Contains(t, r.Err.Error(), "not enabled")
}

func TestReplayRejectsOutOfRangeInteger(t *testing.T) {
	recorded := trace.FromDecisions(trace.Integer(7))
	r := runOnce(NewReplay(recorded), func(ctx context.Context) error {
		RandomInt(ctx, 3)
		return nil
	})
	assert.Equal(t, VerdictReplayDivergence, r.Verdict)
}

func TestDFSDetectsNondeterministicProgram(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		if calls%2 == 0 {
			RandomBool(ctx)
		} else {
			RandomInt(ctx, 3)
		}
		return nil
	}
	var last Result
	for _, r := range explore(NewDFS(), 10, fn) {
		last = r
	}
	assert.Equal(t, VerdictReplayDivergence, last.Verdict)
}

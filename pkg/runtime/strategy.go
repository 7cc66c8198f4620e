package runtime

import (
	"slices"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// Kind names an exploration strategy.
type Kind uint8

const (
	KindDFS Kind = iota + 1
	KindRandom
	KindProbabilisticRandomWalk
	KindPCT
	KindFairPCT
	KindDelayBounding
	KindRandomDelayBounding
	KindPortfolio
	KindReplay
)

var kindNames = map[Kind]string{
	KindDFS:                     "dfs",
	KindRandom:                  "random",
	KindProbabilisticRandomWalk: "prw",
	KindPCT:                     "pct",
	KindFairPCT:                 "fairpct",
	KindDelayBounding:           "delaybound",
	KindRandomDelayBounding:     "rdelaybound",
	KindPortfolio:               "portfolio",
	KindReplay:                  "replay",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind maps a strategy name to its Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.WithHintf(errors.Newf("unknown strategy %q", name),
		"valid strategies: %s", strings.Join(KindNames(), ", "))
}

// KindNames lists every strategy name in a stable order.
func KindNames() []string {
	out := make([]string, 0, len(kindNames))
	for k := KindDFS; k <= KindReplay; k++ {
		out = append(out, k.String())
	}
	return out
}

// Strategy decides, at every scheduling point, which enabled operation runs
// next and what each controlled nondeterministic value resolves to. The set
// of strategies is closed: every implementation lives in this package.
// A strategy instance belongs to one search process and is only called by
// the scheduler of the iteration currently running.
type Strategy interface {
	Kind() Kind
	// Description summarizes the strategy and its parameters.
	Description() string
	// NextOperation picks one of enabled, which is non-empty and sorted.
	NextOperation(current OperationID, enabled []OperationID, t *trace.Trace) (OperationID, error)
	NextBoolean(current OperationID, t *trace.Trace) (bool, error)
	// NextInteger picks a value in [0, n).
	NextInteger(current OperationID, n int, t *trace.Trace) (int, error)
	// PrepareNextIteration is called between iterations with the finished
	// iteration's trace and verdict; false means the search is over.
	PrepareNextIteration(prev *trace.Trace, v Verdict) bool

	sealed()
}

// Seeded is implemented by strategies driven by a pseudo-random generator.
type Seeded interface {
	Strategy
	Seed() uint64
	// IterationSeed returns the seed of the current iteration; it is
	// derived from Seed and Iteration alone.
	IterationSeed() uint64
	Iteration() int
}

// StrategyOptions configures NewStrategy.
type StrategyOptions struct {
	Kind Kind
	Seed uint64
	// Bound is the number of priority change points for pct and fairpct
	// and the delay budget for delaybound and rdelaybound.
	Bound int
	// Bias is the number of coin flips that must all succeed before prw
	// switches away from the running operation.
	Bias int
	// Trace is the recorded execution replayed by replay.
	Trace *trace.Trace
	// Members are the strategies of a portfolio; DefaultPortfolio is used
	// when empty.
	Members []StrategyOptions
	// StartIteration makes a seeded strategy begin at the seed of that
	// iteration instead of iteration 0. Strategies that learn from earlier
	// iterations (pct, fairpct, rdelaybound) start without that history.
	StartIteration int
}

// startable is implemented by strategies that can begin at a later
// iteration.
type startable interface {
	startAt(iteration int)
}

// Default parameters.
const (
	DefaultBound = 3
	DefaultBias  = 3
)

// NewStrategy builds the strategy described by o.
func NewStrategy(o StrategyOptions) (Strategy, error) {
	if o.StartIteration < 0 {
		return nil, errors.Newf("start iteration must not be negative, got %d", o.StartIteration)
	}
	st, err := newStrategy(o)
	if err != nil {
		return nil, err
	}
	if s, ok := st.(startable); ok && o.StartIteration > 0 {
		s.startAt(o.StartIteration)
	}
	return st, nil
}

func newStrategy(o StrategyOptions) (Strategy, error) {
	if o.Bound <= 0 {
		o.Bound = DefaultBound
	}
	if o.Bias <= 0 {
		o.Bias = DefaultBias
	}
	switch o.Kind {
	case KindDFS:
		return NewDFS(), nil
	case KindRandom:
		return NewRandom(o.Seed), nil
	case KindProbabilisticRandomWalk:
		return NewProbabilisticRandomWalk(o.Seed, o.Bias), nil
	case KindPCT:
		return NewPCT(o.Seed, o.Bound), nil
	case KindFairPCT:
		return NewFairPCT(o.Seed, o.Bound), nil
	case KindDelayBounding:
		return NewDelayBounding(o.Bound), nil
	case KindRandomDelayBounding:
		return NewRandomDelayBounding(o.Seed, o.Bound), nil
	case KindReplay:
		if o.Trace == nil {
			return nil, errors.WithHint(errors.New("replay needs a recorded trace"), "pass --schedule-file")
		}
		return NewReplay(o.Trace), nil
	case KindPortfolio:
		members := o.Members
		if len(members) == 0 {
			members = DefaultPortfolio(o.Seed, o.Bound)
		}
		built := make([]Strategy, 0, len(members))
		for i, m := range members {
			if m.Kind == KindPortfolio || m.Kind == KindReplay {
				return nil, errors.Newf("portfolio member %d: %s cannot run inside a portfolio", i, m.Kind)
			}
			if m.StartIteration == 0 {
				m.StartIteration = o.StartIteration
			}
			st, err := NewStrategy(m)
			if err != nil {
				return nil, errors.Wrapf(err, "portfolio member %d", i)
			}
			built = append(built, st)
		}
		return NewPortfolio(built...), nil
	}
	return nil, errors.Newf("unknown strategy kind %d", o.Kind)
}

// DefaultPortfolio is a mix of complementary randomized strategies, each
// with its own seed.
func DefaultPortfolio(seed uint64, bound int) []StrategyOptions {
	return []StrategyOptions{
		{Kind: KindRandom, Seed: seed},
		{Kind: KindPCT, Seed: seed + 1, Bound: bound},
		{Kind: KindFairPCT, Seed: seed + 2, Bound: bound},
		{Kind: KindProbabilisticRandomWalk, Seed: seed + 3},
		{Kind: KindRandomDelayBounding, Seed: seed + 4, Bound: bound},
	}
}

func contains(ids []OperationID, id OperationID) bool {
	return slices.Contains(ids, id)
}

// schedulingLength counts the scheduling decisions of t.
func schedulingLength(t *trace.Trace) int {
	n := 0
	for i := 0; i < t.Len(); i++ {
		if t.At(i).Kind == trace.KindScheduling {
			n++
		}
	}
	return n
}

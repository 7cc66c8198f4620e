package runtime

import (
	"fmt"
	"math/rand/v2"

	"github.com/amirkhaki/interleave/pkg/trace"
)

// seedFor derives the seed of one iteration so that any iteration can be
// reproduced from the base seed and its number alone.
func seedFor(seed uint64, iteration int) uint64 {
	z := seed + uint64(iteration)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// prng is the per-iteration generator shared by the randomized strategies.
type prng struct {
	seed      uint64
	iteration int
	iterSeed  uint64
	rng       *rand.Rand
}

func newPRNG(seed uint64) prng {
	p := prng{seed: seed}
	p.reseed(0)
	return p
}

func (p *prng) reseed(iteration int) {
	p.iteration = iteration
	p.iterSeed = seedFor(p.seed, iteration)
	p.rng = rand.New(rand.NewPCG(p.iterSeed, p.seed))
}

func (p *prng) advance() {
	p.reseed(p.iteration + 1)
}

func (p *prng) startAt(iteration int) {
	p.reseed(iteration)
}

// Seed returns the base seed of the search.
func (p *prng) Seed() uint64 { return p.seed }

// IterationSeed returns the seed of the current iteration.
func (p *prng) IterationSeed() uint64 { return p.iterSeed }

// Iteration returns the number of the current iteration, counted from 0.
func (p *prng) Iteration() int { return p.iteration }

func (p *prng) pick(enabled []OperationID) OperationID {
	return enabled[p.rng.IntN(len(enabled))]
}

func (p *prng) boolean() bool {
	return p.rng.IntN(2) == 1
}

func (p *prng) integer(n int) int {
	return p.rng.IntN(n)
}

// Random makes every choice uniformly at random.
type Random struct {
	prng
}

// NewRandom returns a uniform random strategy.
func NewRandom(seed uint64) *Random {
	return &Random{prng: newPRNG(seed)}
}

func (*Random) sealed() {}

func (*Random) Kind() Kind { return KindRandom }

func (r *Random) Description() string {
	return fmt.Sprintf("random (seed %d, iteration seed %d)", r.seed, r.iterSeed)
}

func (r *Random) NextOperation(_ OperationID, enabled []OperationID, _ *trace.Trace) (OperationID, error) {
	return r.pick(enabled), nil
}

func (r *Random) NextBoolean(_ OperationID, _ *trace.Trace) (bool, error) {
	return r.boolean(), nil
}

func (r *Random) NextInteger(_ OperationID, n int, _ *trace.Trace) (int, error) {
	return r.integer(n), nil
}

func (r *Random) PrepareNextIteration(_ *trace.Trace, _ Verdict) bool {
	r.advance()
	return true
}

// ProbabilisticRandomWalk keeps scheduling the running operation for a
// geometrically distributed number of steps: it switches only when bias
// successive coin flips all come up true, then picks another enabled
// operation uniformly.
type ProbabilisticRandomWalk struct {
	prng
	bias int
}

// NewProbabilisticRandomWalk returns a random walk with the given bias.
func NewProbabilisticRandomWalk(seed uint64, bias int) *ProbabilisticRandomWalk {
	if bias <= 0 {
		bias = DefaultBias
	}
	return &ProbabilisticRandomWalk{prng: newPRNG(seed), bias: bias}
}

func (*ProbabilisticRandomWalk) sealed() {}

func (*ProbabilisticRandomWalk) Kind() Kind { return KindProbabilisticRandomWalk }

func (w *ProbabilisticRandomWalk) Description() string {
	return fmt.Sprintf("prw (seed %d, bias %d)", w.seed, w.bias)
}

func (w *ProbabilisticRandomWalk) NextOperation(current OperationID, enabled []OperationID, _ *trace.Trace) (OperationID, error) {
	if !contains(enabled, current) || len(enabled) == 1 {
		return w.pick(enabled), nil
	}
	for i := 0; i < w.bias; i++ {
		if !w.boolean() {
			return current, nil
		}
	}
	others := make([]OperationID, 0, len(enabled)-1)
	for _, id := range enabled {
		if id != current {
			others = append(others, id)
		}
	}
	return w.pick(others), nil
}

func (w *ProbabilisticRandomWalk) NextBoolean(_ OperationID, _ *trace.Trace) (bool, error) {
	return w.boolean(), nil
}

func (w *ProbabilisticRandomWalk) NextInteger(_ OperationID, n int, _ *trace.Trace) (int, error) {
	return w.integer(n), nil
}

func (w *ProbabilisticRandomWalk) PrepareNextIteration(_ *trace.Trace, _ Verdict) bool {
	w.advance()
	return true
}

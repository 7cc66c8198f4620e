// Package engine drives repeated controlled iterations of a program under
// test: it prepares the strategy, runs one scheduler per iteration, stops
// at the first violation and persists what is needed to reproduce it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirkhaki/interleave/internal/logging"
	"github.com/amirkhaki/interleave/pkg/runtime"
	"github.com/amirkhaki/interleave/pkg/store"
	"github.com/amirkhaki/interleave/pkg/trace"
)

// Config bounds a run.
type Config struct {
	// Iterations is the budget of each search process.
	Iterations int
	// MaxSteps caps the scheduling steps of one iteration.
	MaxSteps int
	// LivenessThreshold is the number of steps a monitor may stay hot.
	LivenessThreshold int
	// Timeout bounds the whole run; 0 means none.
	Timeout      time.Duration
	StallTimeout time.Duration
	LeakTimeout  time.Duration
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	o := runtime.DefaultOptions()
	return Config{
		Iterations:   100,
		MaxSteps:     o.MaxSteps,
		StallTimeout: o.StallTimeout,
		LeakTimeout:  o.LeakTimeout,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case c.Iterations <= 0:
		return errors.Newf("iterations must be positive, got %d", c.Iterations)
	case c.MaxSteps < 0:
		return errors.Newf("max steps must not be negative, got %d", c.MaxSteps)
	case c.LivenessThreshold < 0:
		return errors.Newf("liveness threshold must not be negative, got %d", c.LivenessThreshold)
	case c.Timeout < 0 || c.StallTimeout < 0 || c.LeakTimeout < 0:
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Recorder receives search statistics.
type Recorder interface {
	ObserveIteration(strategy, verdict string, steps int, d time.Duration)
	ObserveBug(strategy, verdict string)
}

// Engine runs searches. It holds no per-run state and may run several
// searches at once.
type Engine struct {
	cfg       Config
	log       *zap.Logger
	metrics   Recorder
	store     store.Store
	traceFile string
	scenario  string
}

type Option func(*Engine)

// WithLogger sets the logger; the default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics records every iteration in r.
func WithMetrics(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithStore persists an artifact for every bug found.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithTraceFile writes the trace of a bug to path in JSON lines.
func WithTraceFile(path string) Option {
	return func(e *Engine) { e.traceFile = path }
}

// WithScenario names the program under test in reports and artifacts.
func WithScenario(name string) Option {
	return func(e *Engine) { e.scenario = name }
}

// New returns an engine for cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) schedulerOptions() runtime.Options {
	return runtime.Options{
		MaxSteps:          e.cfg.MaxSteps,
		LivenessThreshold: e.cfg.LivenessThreshold,
		StallTimeout:      e.cfg.StallTimeout,
		LeakTimeout:       e.cfg.LeakTimeout,
		Logger:            e.log.Named("scheduler"),
	}
}

// Run searches test with st. The error is non-nil only when the run was
// aborted: a replay divergence, uncontrolled concurrency or an internal
// failure. Bugs are reported in Report.Bug.
func (e *Engine) Run(ctx context.Context, st runtime.Strategy, test runtime.TestFunc) (*Report, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	report := newReport(store.NewID(), st)
	log := e.log.With(
		zap.String(logging.FieldRunID, report.RunID),
		zap.String(logging.FieldStrategy, st.Kind().String()))
	if e.scenario != "" {
		log = log.With(zap.String(logging.FieldScenario, e.scenario))
	}
	log.Info("run started", zap.String("description", st.Description()), zap.Int(logging.FieldIterations, e.cfg.Iterations))

	start := time.Now()
	var err error
	switch s := st.(type) {
	case *runtime.Portfolio:
		err = e.portfolio(ctx, log, s, test, report)
	case *runtime.Replay:
		err = e.replay(ctx, log, s, test, report)
	default:
		err = e.search(ctx, log, st, test, report)
	}
	report.Duration = time.Since(start)
	report.Description = st.Description()

	if report.Bug != nil && st.Kind() != runtime.KindReplay {
		if perr := e.persist(context.WithoutCancel(ctx), log, report); perr != nil {
			err = errors.CombineErrors(err, perr)
		}
	}

	fields := []zap.Field{
		zap.Int(logging.FieldIterations, report.Iterations),
		zap.Int64(logging.FieldDurationMS, report.Duration.Milliseconds()),
		zap.Bool("exhausted", report.Exhausted),
		zap.Bool("canceled", report.Canceled),
	}
	switch {
	case err != nil:
		log.Error("run aborted", append(fields, zap.Error(err))...)
	case report.Bug != nil:
		log.Warn("bug found", append(fields, report.Bug.fields()...)...)
	default:
		log.Info("run finished", fields...)
	}
	return report, err
}

// search runs the iteration loop of a single search process.
func (e *Engine) search(ctx context.Context, log *zap.Logger, st runtime.Strategy, test runtime.TestFunc, report *Report) error {
	for i := 0; i < e.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			report.Canceled = true
			return nil
		}
		var seed, iterSeed uint64
		iteration := i
		if s, ok := st.(runtime.Seeded); ok {
			seed, iterSeed, iteration = s.Seed(), s.IterationSeed(), s.Iteration()
		}

		start := time.Now()
		res := runtime.NewScheduler(st, e.schedulerOptions()).Run(ctx, test)
		e.observe(st, res, time.Since(start))
		report.add(res)
		log.Debug("iteration finished",
			zap.Int(logging.FieldIteration, iteration),
			zap.Uint64(logging.FieldIterationSeed, iterSeed),
			zap.Stringer(logging.FieldVerdict, res.Verdict),
			zap.Int(logging.FieldSteps, res.Steps),
			zap.Int(logging.FieldOperations, res.Operations))

		switch {
		case res.Verdict == runtime.VerdictCanceled:
			report.Canceled = true
			return nil
		case res.Verdict.IsFatal():
			return errors.Wrapf(res.Err, "%s iteration %d", st.Kind(), iteration)
		case res.Verdict.IsBug():
			report.Bug = &Bug{
				Iteration:     iteration,
				Strategy:      st.Kind().String(),
				Description:   st.Description(),
				Seed:          seed,
				IterationSeed: iterSeed,
				Verdict:       res.Verdict,
				Err:           res.Err,
				Trace:         res.Trace,
				Blocked:       res.Blocked,
			}
			if e.metrics != nil {
				e.metrics.ObserveBug(st.Kind().String(), res.Verdict.String())
			}
			return nil
		}

		if !st.PrepareNextIteration(res.Trace, res.Verdict) {
			report.Exhausted = true
			return nil
		}
	}
	return nil
}

func (e *Engine) observe(st runtime.Strategy, res runtime.Result, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveIteration(st.Kind().String(), res.Verdict.String(), res.Steps, d)
	}
}

// replay runs exactly one iteration under the recorded trace. Recorded
// decisions the program never asked for are a divergence as well.
func (e *Engine) replay(ctx context.Context, log *zap.Logger, r *runtime.Replay, test runtime.TestFunc, report *Report) error {
	start := time.Now()
	res := runtime.NewScheduler(r, e.schedulerOptions()).Run(ctx, test)
	e.observe(r, res, time.Since(start))
	report.add(res)
	log.Debug("replay finished",
		zap.Stringer(logging.FieldVerdict, res.Verdict),
		zap.Int(logging.FieldDecisions, res.Trace.Len()),
		zap.Int("remaining", r.Remaining()))

	switch {
	case res.Verdict == runtime.VerdictCanceled:
		report.Canceled = true
		return nil
	case res.Verdict.IsFatal():
		return errors.Wrap(res.Err, "replay")
	case r.Remaining() > 0:
		return errors.WithHint(
			errors.Wrapf(runtime.ErrReplayDivergence, "replay ended with %s after %d decisions, %d recorded decisions left",
				res.Verdict, res.Trace.Len(), r.Remaining()),
			"replay with the same --max-steps and liveness threshold the trace was recorded with")
	case res.Verdict.IsBug():
		report.Bug = &Bug{
			Strategy:    runtime.KindReplay.String(),
			Description: r.Description(),
			Verdict:     res.Verdict,
			Err:         res.Err,
			Trace:       res.Trace,
			Blocked:     res.Blocked,
		}
	}
	return nil
}

var errBugFound = errors.New("bug found")

// portfolio runs every member as an independent search process with its
// own iteration budget. The first bug cancels the other members.
func (e *Engine) portfolio(ctx context.Context, log *zap.Logger, p *runtime.Portfolio, test runtime.TestFunc, report *Report) error {
	members := p.Members()
	reports := make([]*Report, len(members))
	var (
		once, failOnce sync.Once
		winner         *Bug
		failed         *trace.Trace
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range members {
		reports[i] = newReport(report.RunID, m)
		g.Go(func() error {
			mlog := log.With(zap.Int(logging.FieldMember, i), zap.String(logging.FieldStrategy, m.Kind().String()))
			if err := e.search(gctx, mlog, m, test, reports[i]); err != nil {
				failOnce.Do(func() { failed = reports[i].LastTrace })
				return errors.Wrapf(err, "portfolio member %d", i)
			}
			if b := reports[i].Bug; b != nil {
				b.Member = i
				once.Do(func() { winner = b })
				return errBugFound
			}
			return nil
		})
	}
	err := g.Wait()

	for _, r := range reports {
		report.merge(r)
	}
	report.Members = reports
	report.Canceled = ctx.Err() != nil
	report.Exhausted = true
	for _, r := range reports {
		report.Exhausted = report.Exhausted && r.Exhausted
	}
	report.Bug = winner
	if errors.Is(err, errBugFound) {
		return nil
	}
	if failed != nil {
		report.LastTrace = failed
	}
	return err
}

// Bug is a violation found by search.
type Bug struct {
	Iteration   int
	Strategy    string
	Description string
	// Member is the index of the portfolio member that found the bug.
	Member        int
	Seed          uint64
	IterationSeed uint64
	Verdict       runtime.Verdict
	Err           error
	Trace         *trace.Trace
	Blocked       []runtime.OperationInfo
	// ArtifactID is set once the bug has been persisted.
	ArtifactID string
}

func (b *Bug) fields() []zap.Field {
	return []zap.Field{
		zap.Stringer(logging.FieldVerdict, b.Verdict),
		zap.Int(logging.FieldIteration, b.Iteration),
		zap.Uint64(logging.FieldSeed, b.Seed),
		zap.Uint64(logging.FieldIterationSeed, b.IterationSeed),
		zap.Int(logging.FieldDecisions, b.Trace.Len()),
		zap.String(logging.FieldArtifactID, b.ArtifactID),
		zap.String(logging.FieldError, b.Err.Error()),
	}
}

func (b *Bug) String() string {
	return fmt.Sprintf("%s in %s iteration %d: %v", b.Verdict, b.Strategy, b.Iteration, b.Err)
}

// persist writes the bug's trace to the configured trace file and store.
func (e *Engine) persist(ctx context.Context, log *zap.Logger, report *Report) error {
	b := report.Bug
	if e.traceFile != "" {
		if err := trace.Save(e.traceFile, b.Trace); err != nil {
			return err
		}
		log.Info("trace written", zap.String(logging.FieldFile, e.traceFile))
	}
	if e.store == nil {
		return nil
	}
	a := &store.Artifact{
		ID:            store.NewID(),
		RunID:         report.RunID,
		CreatedAt:     time.Now().UTC(),
		Scenario:      e.scenario,
		Strategy:      b.Strategy,
		Seed:          b.Seed,
		IterationSeed: b.IterationSeed,
		Iteration:     b.Iteration,
		Verdict:       b.Verdict.String(),
		Message:       fmt.Sprint(b.Err),
		Trace:         b.Trace,
	}
	if err := e.store.Save(ctx, a); err != nil {
		return errors.Wrap(err, "persist bug artifact")
	}
	b.ArtifactID = a.ID
	log.Info("artifact saved", zap.String(logging.FieldArtifactID, a.ID))
	return nil
}

package cmd

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/amirkhaki/interleave/internal/config"
	"github.com/amirkhaki/interleave/internal/metrics"
	"github.com/amirkhaki/interleave/internal/scenarios"
	"github.com/amirkhaki/interleave/pkg/engine"
	"github.com/amirkhaki/interleave/pkg/runtime"
	"github.com/amirkhaki/interleave/pkg/trace"
)

// testCmd searches a bundled scenario for bugs
var testCmd = &cobra.Command{
	Use:   "test [scenario]",
	Short: "search a scenario for concurrency bugs",
	Long: `Runs the scenario under the chosen strategy until a bug is found, the
iteration budget is spent, the strategy has nothing left to explore or the
timeout expires. Exits with 0 when no bug was found, 1 when one was and 2
when the run was aborted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := scenario(args)
		if err != nil {
			return err
		}
		st, err := strategy(cfg)
		if err != nil {
			return err
		}
		return run(cmd, sc, st)
	},
}

func init() {
	rootCmd.AddCommand(testCmd)
	addRunFlags(testCmd.Flags())
	testCmd.Flags().String("strategy", runtime.KindRandom.String(), "exploration strategy: "+joinKinds())
	testCmd.Flags().Int("iterations", engine.DefaultConfig().Iterations, "iteration budget of each search process")
	testCmd.Flags().Uint64("seed", 0, "seed of the randomized strategies")
	testCmd.Flags().Int("iteration", 0, "iteration the randomized strategies start from, as reported with a found bug")
	testCmd.Flags().Int("bound", runtime.DefaultBound, "priority change points of pct and delay budget of delaybound")
	testCmd.Flags().Int("bias", runtime.DefaultBias, "coin flips prw needs to switch operations")
	testCmd.Flags().String("schedule-file", "", "recorded trace replayed by the replay strategy")
}

// addRunFlags registers the flags shared by every command that runs a
// scenario.
func addRunFlags(fs *pflag.FlagSet) {
	d := engine.DefaultConfig()
	fs.String("scenario", "racy-write", "scenario to run when none is given as an argument")
	fs.Int("max-steps", d.MaxSteps, "scheduling steps per iteration; 0 is unbounded")
	fs.Int("liveness-threshold", d.LivenessThreshold, "steps a monitor may stay hot; 0 only checks at the step bound")
	fs.Int("timeout", 0, "stop the run after this many seconds; 0 disables")
	fs.Duration("stall-timeout", d.StallTimeout, "flag an operation that runs this long without a scheduling point")
	fs.Duration("leak-timeout", d.LeakTimeout, "how long operation goroutines get to exit after an iteration")
	fs.String("output-trace", config.DefaultTraceFile, "write the trace of a found bug to this file; empty disables")
	fs.String("metrics-file", "", "write prometheus metrics of the run to this file")
}

func scenario(args []string) (scenarios.Scenario, error) {
	name := cfg.Scenario
	if len(args) > 0 {
		name = args[0]
	}
	return scenarios.Lookup(name)
}

// strategy builds the strategy named by c.
func strategy(c *config.Config) (runtime.Strategy, error) {
	opts := runtime.StrategyOptions{
		Kind:           c.StrategyKind(),
		Seed:           c.Seed,
		Bound:          c.Bound,
		Bias:           c.Bias,
		StartIteration: c.Iteration,
	}
	if opts.Kind == runtime.KindReplay {
		t, err := trace.Load(c.ScheduleFile)
		if err != nil {
			return nil, err
		}
		opts.Trace = t
	}
	return runtime.NewStrategy(opts)
}

// run searches sc with st and prints the summary. A found bug or an
// aborted run is returned as an exitError.
func run(cmd *cobra.Command, sc scenarios.Scenario, st runtime.Strategy) error {
	s, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	if s != nil {
		defer s.Close()
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithScenario(sc.Name),
		engine.WithTraceFile(cfg.OutputTrace),
	}
	if s != nil {
		opts = append(opts, engine.WithStore(s))
	}
	var m *metrics.Metrics
	if cfg.MetricsFile != "" {
		m = metrics.New()
		opts = append(opts, engine.WithMetrics(m))
	}
	e, err := engine.New(cfg.EngineConfig(), opts...)
	if err != nil {
		return err
	}

	report, runErr := e.Run(cmd.Context(), st, sc.Test)
	if m != nil {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			runErr = errors.CombineErrors(runErr, err)
		}
	}
	if err := engine.WriteSummary(cmd.OutOrStdout(), report, runErr); err != nil {
		return err
	}
	if code := engine.ExitCode(report, runErr); code != engine.ExitOK {
		if runErr != nil {
			logger.Debug("run aborted", zap.Error(runErr))
		}
		return &exitError{code: code}
	}
	return nil
}

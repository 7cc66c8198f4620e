package cmd

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/amirkhaki/interleave/internal/scenarios"
	"github.com/amirkhaki/interleave/pkg/runtime"
	"github.com/amirkhaki/interleave/pkg/trace"
)

// replayCmd re-executes a recorded schedule
var replayCmd = &cobra.Command{
	Use:   "replay [scenario]",
	Short: "replay a recorded trace against a scenario",
	Long: `Runs exactly one iteration in which every decision is taken from a
recorded trace, either a trace file or a stored artifact. A replay that
needs a decision the trace does not hold, or leaves recorded decisions
unused, is a divergence and exits with 2.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		artifactID, _ := cmd.Flags().GetString("artifact")
		t, name, err := recorded(cmd, artifactID)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			name = args[0]
		}
		if name == "" {
			name = cfg.Scenario
		}
		sc, err := scenarios.Lookup(name)
		if err != nil {
			return err
		}
		cfg.Strategy = runtime.KindReplay.String()
		return run(cmd, sc, runtime.NewReplay(t))
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
	addRunFlags(replayCmd.Flags())
	replayCmd.Flags().String("schedule-file", "", "trace file to replay")
	replayCmd.Flags().String("artifact", "", "id of a stored artifact to replay")
	replayCmd.MarkFlagsMutuallyExclusive("schedule-file", "artifact")
	replayCmd.MarkFlagsOneRequired("schedule-file", "artifact")
}

// recorded returns the trace to replay and the scenario it was recorded
// from, when known.
func recorded(cmd *cobra.Command, artifactID string) (*trace.Trace, string, error) {
	if artifactID == "" {
		t, err := trace.Load(cfg.ScheduleFile)
		return t, "", err
	}
	s, err := requireStore()
	if err != nil {
		return nil, "", err
	}
	defer s.Close()
	a, err := s.Load(cmd.Context(), artifactID)
	if err != nil {
		return nil, "", errors.Wrapf(err, "load artifact %s", artifactID)
	}
	return a.Trace, a.Scenario, nil
}

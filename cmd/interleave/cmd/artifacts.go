package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amirkhaki/interleave/internal/logging"
	"github.com/amirkhaki/interleave/pkg/store"
	"github.com/amirkhaki/interleave/pkg/trace"
)

// artifactsCmd groups the commands working on stored bugs
var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "inspect the bugs kept in the artifact store",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list stored artifacts, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withStore(func(s store.Store) error {
			ctx := cmd.Context()
			ids, err := s.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSCENARIO\tSTRATEGY\tVERDICT\tDECISIONS")
			for _, id := range ids {
				a, err := s.Load(ctx, id)
				if err != nil {
					// expired or deleted since List
					logger.Debug("artifact vanished", zap.String(logging.FieldArtifactID, id), zap.Error(err))
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", a.ID, a.CreatedAt.Format(time.RFC3339),
					a.Scenario, a.Strategy, a.Verdict, a.Trace.Len())
			}
			return tw.Flush()
		})
	},
}

var artifactsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "print an artifact and its trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s store.Store) error {
			a, err := s.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "id\t%s\n", a.ID)
			fmt.Fprintf(tw, "run\t%s\n", a.RunID)
			fmt.Fprintf(tw, "created\t%s\n", a.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(tw, "scenario\t%s\n", a.Scenario)
			fmt.Fprintf(tw, "strategy\t%s\n", a.Strategy)
			fmt.Fprintf(tw, "seed\t%d (iteration %d, iteration seed %d)\n", a.Seed, a.Iteration, a.IterationSeed)
			fmt.Fprintf(tw, "verdict\t%s\n", a.Verdict)
			fmt.Fprintf(tw, "message\t%s\n", a.Message)
			fmt.Fprintf(tw, "decisions\t%d\n", a.Trace.Len())
			if err := tw.Flush(); err != nil {
				return err
			}
			return trace.Encode(w, a.Trace)
		})
	},
}

var artifactsExportCmd = &cobra.Command{
	Use:   "export <id> <file>",
	Short: "write the trace of an artifact to a file for replay --schedule-file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s store.Store) error {
			a, err := s.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return trace.Save(args[1], a.Trace)
		})
	},
}

var artifactsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "delete artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s store.Store) error {
			for _, id := range args {
				if err := s.Delete(cmd.Context(), id); err != nil {
					return err
				}
				logger.Info("artifact deleted", zap.String(logging.FieldArtifactID, id))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd, artifactsShowCmd, artifactsExportCmd, artifactsDeleteCmd)
}

func withStore(fn func(store.Store) error) error {
	s, err := requireStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/amirkhaki/interleave/internal/scenarios"
	"github.com/amirkhaki/interleave/pkg/runtime"
)

// listCmd shows what can be run
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list the bundled scenarios and the strategies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SCENARIO\tEXPECT\tDESCRIPTION")
		for _, s := range scenarios.All() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Expect, s.Description)
		}
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "strategies\t%s\n", joinKinds())
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func joinKinds() string {
	return strings.Join(runtime.KindNames(), ", ")
}

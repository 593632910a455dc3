package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"rtcont/internal/pipeline"
)

var passesCmd = &cobra.Command{
	Use:   "passes",
	Short: "List the available passes in standard order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := color.New(color.FgCyan)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, p := range pipeline.Passes() {
			fmt.Fprintf(w, "%s\t%s\n", name.Sprint(p.Name), p.Doc)
		}
		return w.Flush()
	},
}

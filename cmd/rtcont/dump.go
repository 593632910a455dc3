package main

import (
	"github.com/spf13/cobra"

	"rtcont/internal/ir"
	"rtcont/internal/irfile"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <module.rtm>",
	Short: "Print a module file as text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := irfile.ReadFile(args[0])
		if err != nil {
			return err
		}
		if verify, _ := cmd.Flags().GetBool("verify"); verify {
			if err := ir.Validate(m); err != nil {
				return err
			}
		}
		skip, _ := cmd.Flags().GetBool("skip-declarations")
		return ir.DumpModule(cmd.OutOrStdout(), m, ir.DumpOptions{SkipDeclarations: skip})
	},
}

func init() {
	dumpCmd.Flags().Bool("skip-declarations", false, "omit declarations")
	dumpCmd.Flags().Bool("verify", false, "validate the module before printing")
}

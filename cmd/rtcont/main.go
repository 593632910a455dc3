package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rtcont/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "rtcont",
	Short:         "Continuation lowering for ray-tracing shader modules",
	Long:          `rtcont lowers split ray-tracing shader modules to continuation passing form`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupColor(cmd); err != nil {
			return err
		}
		cleanup, err := setupTracing(cmd)
		if err != nil {
			return err
		}
		traceCleanup = cleanup
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		finishTracing()
	},
}

func main() {
	rootCmd.Version = version.Short()

	rootCmd.AddCommand(optCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(passesCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().Bool("timings", false, "show per-pass timing information")
	addTraceFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		finishTracing()
		os.Exit(1)
	}
}

func setupColor(cmd *cobra.Command) error {
	mode, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return err
	}
	switch strings.ToLower(mode) {
	case "auto":
		color.NoColor = !isTerminal(os.Stdout)
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color value %q (expected: auto|on|off)", mode)
	}
	return nil
}

var errorLabel = color.New(color.FgRed, color.Bold)

func reportError(w *os.File, err error) {
	fmt.Fprintf(w, "%s %v\n", errorLabel.Sprint("error:"), err)
	dumpTraceRing(w)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

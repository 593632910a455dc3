package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"rtcont/internal/ir"
	"rtcont/internal/irfile"
	"rtcont/internal/pipeline"
	"rtcont/internal/prof"
	"rtcont/internal/trace"
)

var optCmd = &cobra.Command{
	Use:   "opt [flags] <module.rtm>...",
	Short: "Run the lowering pipeline over module files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOpt,
}

func init() {
	optCmd.Flags().StringP("output", "o", "", "output file for one input, output directory for several")
	optCmd.Flags().String("config", "", "pipeline config (.toml or .yaml); defaults to the nearest rtcont.toml")
	optCmd.Flags().StringSlice("passes", nil, "comma-separated pass list overriding the config")
	optCmd.Flags().Int("jobs", 0, "files processed in parallel (0 uses GOMAXPROCS)")
	optCmd.Flags().Bool("emit-text", false, "write the textual form instead of a module file")
	optCmd.Flags().Bool("no-verify", false, "skip IR validation after each pass")
	optCmd.Flags().Bool("skip-declarations", false, "omit declarations from textual output")
	optCmd.Flags().String("ui", "auto", "live progress display (auto|on|off)")
	optCmd.Flags().String("cpuprofile", "", "write a CPU profile to this file")
	optCmd.Flags().String("memprofile", "", "write a heap profile to this file")
	optCmd.Flags().String("runtime-trace", "", "write a Go runtime trace to this file")
}

func runOpt(cmd *cobra.Command, args []string) (err error) {
	cfg, err := optConfig(cmd)
	if err != nil {
		return err
	}
	session, err := prof.Start(profileOptions(cmd))
	if err != nil {
		return err
	}
	defer func() {
		if serr := session.Stop(); serr != nil && err == nil {
			err = serr
		}
	}()
	output, _ := cmd.Flags().GetString("output")
	emitText, _ := cmd.Flags().GetBool("emit-text")
	skipDecls, _ := cmd.Flags().GetBool("skip-declarations")
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	timings, _ := cmd.Root().PersistentFlags().GetBool("timings")

	uiValue, _ := cmd.Flags().GetString("ui")
	display, err := parseDisplay(uiValue)
	if err != nil {
		return err
	}

	targets, err := outputPaths(args, output, emitText)
	if err != nil {
		return err
	}
	useUI := display.live(len(args), targets, quiet)

	span, ctx := trace.Start(cmd.Context(), trace.ScopeDriver, "opt")
	var results []pipeline.FileResult
	if useUI {
		results, err = runFilesWithUI(ctx, "rtcont opt", args, cfg)
	} else {
		results, err = pipeline.RunFiles(ctx, args, cfg, nil)
	}
	if err != nil {
		span.End("failed")
		return err
	}
	span.End(fmt.Sprintf("%d files", len(results)))

	// outputs are written only once every file succeeded
	for k, r := range results {
		if err := writeResult(cmd.OutOrStdout(), targets[k], r.Module, emitText, skipDecls); err != nil {
			return err
		}
		if timings {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s\n%s", r.Path, r.Timer.Summary())
		}
		if !quiet && !r.Changed {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: nothing to lower\n", r.Path)
		}
	}
	return nil
}

// optConfig layers the config file and the command-line overrides.
func optConfig(cmd *cobra.Command) (pipeline.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := pipeline.DefaultConfig()
	if path == "" {
		found, ok, err := pipeline.FindConfig(".")
		if err != nil {
			return cfg, err
		}
		if ok {
			path = found
		}
	}
	if path != "" {
		loaded, err := pipeline.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("passes") {
		passes, _ := flags.GetStringSlice("passes")
		cfg.Passes = passes
	}
	if flags.Changed("jobs") {
		cfg.Jobs, _ = flags.GetInt("jobs")
	}
	if noVerify, _ := flags.GetBool("no-verify"); noVerify {
		cfg.Verify = false
	}
	return cfg, cfg.Validate()
}

func profileOptions(cmd *cobra.Command) prof.Options {
	var opts prof.Options
	opts.CPU, _ = cmd.Flags().GetString("cpuprofile")
	opts.Mem, _ = cmd.Flags().GetString("memprofile")
	opts.Trace, _ = cmd.Flags().GetString("runtime-trace")
	return opts
}

func writeResult(stdout io.Writer, target string, m *ir.Module, emitText, skipDecls bool) error {
	if !emitText {
		return irfile.WriteFile(target, m)
	}
	opts := ir.DumpOptions{SkipDeclarations: skipDecls}
	if target == "" || target == "-" {
		return ir.DumpModule(stdout, m, opts)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if err := ir.DumpModule(f, m, opts); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

var errOutputNeedsDir = errors.New("-o must name a directory when several inputs are given")

func hasDirSuffix(path string) bool {
	return strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(os.PathSeparator))
}

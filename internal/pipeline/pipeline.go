// Package pipeline runs the continuation lowering passes over modules.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/samber/lo"

	"rtcont/internal/cleanup"
	"rtcont/internal/cpsstack"
	"rtcont/internal/ir"
	"rtcont/internal/observ"
	"rtcont/internal/regbuf"
	"rtcont/internal/signature"
	"rtcont/internal/trace"
)

// Pass is one registered transformation.
type Pass struct {
	Name string
	Doc  string
	run  func(ctx context.Context, m *ir.Module, cfg Config) (bool, string, error)
}

var registry = []Pass{
	{
		Name: "prepare-library",
		Doc:  "normalize driver function names and signatures",
		run:  runPrepare,
	},
	{
		Name: "cleanup-continuations",
		Doc:  "turn split fragments into continue/complete calls and spill the continuation state",
		run:  runCleanup,
	},
	{
		Name: "register-buffer",
		Doc:  "split register buffer globals into registers and overflow memory",
		run:  runRegisterBuffer,
	},
	{
		Name: "lower-cps-stack",
		Doc:  "lower the symbolic continuation stack to byte offsets",
		run:  runCPSStack,
	},
}

// Passes returns every registered pass in standard order.
func Passes() []Pass {
	return append([]Pass(nil), registry...)
}

// DefaultPasses returns the names of all passes in standard order.
func DefaultPasses() []string {
	return lo.Map(registry, func(p Pass, _ int) string { return p.Name })
}

// Lookup finds a pass by name.
func Lookup(name string) (Pass, bool) {
	return lo.Find(registry, func(p Pass) bool { return p.Name == name })
}

// PassResult is the outcome of one pass.
type PassResult struct {
	Name    string
	Changed bool
	Note    string
}

// Result is the outcome of one module run.
type Result struct {
	Changed bool
	Passes  []PassResult
	Timer   *observ.Timer
}

// Run applies the configured passes to m in order. It stops at the first
// failing pass; m may then be partially transformed and must be discarded.
func Run(ctx context.Context, m *ir.Module, cfg Config) (*Result, error) {
	return run(ctx, m, cfg, nil)
}

// run is Run with a hook called before the k-th pass starts.
func run(ctx context.Context, m *ir.Module, cfg Config, before func(k int, name string)) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res := &Result{Timer: observ.NewTimer()}
	for k, name := range cfg.Passes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if before != nil {
			before(k, name)
		}
		p, _ := Lookup(name)
		pr, err := runPass(ctx, p, m, cfg, res.Timer)
		if err != nil {
			return res, err
		}
		res.Passes = append(res.Passes, pr)
		res.Changed = res.Changed || pr.Changed
	}
	return res, nil
}

func runPass(ctx context.Context, p Pass, m *ir.Module, cfg Config, timer *observ.Timer) (PassResult, error) {
	span, ctx := trace.Start(ctx, trace.ScopePass, p.Name)
	idx := timer.Begin(p.Name)

	changed, note, err := p.run(ctx, m, cfg)
	if err == nil && changed && cfg.Verify {
		if verr := ir.Validate(m); verr != nil {
			err = fmt.Errorf("pipeline: %s produced invalid IR: %w", p.Name, verr)
		}
	}

	timer.End(idx, note)
	span.WithExtra("changed", strconv.FormatBool(changed))
	if err != nil {
		span.End("error: " + err.Error())
		return PassResult{}, err
	}
	span.End(note)
	return PassResult{Name: p.Name, Changed: changed, Note: note}, nil
}

// reportSizes emits one group event per entry of sizes in name order.
func reportSizes(ctx context.Context, what string, sizes map[string]uint32) {
	names := lo.Keys(sizes)
	sort.Strings(names)
	for _, name := range names {
		trace.Point(ctx, trace.ScopeGroup, name, fmt.Sprintf("%s %d bytes", what, sizes[name]))
	}
}

func runPrepare(ctx context.Context, m *ir.Module, _ Config) (bool, string, error) {
	changed, err := signature.PrepareLibrary(m, signature.MetadataPointees{})
	if err != nil {
		return changed, "", err
	}
	return changed, "", nil
}

func runCleanup(ctx context.Context, m *ir.Module, cfg Config) (bool, string, error) {
	changed, stats, err := cleanup.Run(m, cfg.cleanupOptions())
	if err != nil {
		return changed, "", err
	}
	reportSizes(ctx, "state", stats.StateBytes)
	note := fmt.Sprintf("%d groups, state %d bytes", stats.Groups, stats.MaxStateBytes)
	return changed, note, nil
}

func runRegisterBuffer(ctx context.Context, m *ir.Module, _ Config) (bool, string, error) {
	changed, stats, err := regbuf.Run(m)
	if err != nil {
		return changed, "", err
	}
	trace.Point(ctx, trace.ScopeGroup, "accesses",
		fmt.Sprintf("fast %d, overflow %d, dynamic %d", stats.Fast, stats.Overflow, stats.Dynamic))
	return changed, fmt.Sprintf("%d buffers", stats.Globals), nil
}

func runCPSStack(ctx context.Context, m *ir.Module, cfg Config) (bool, string, error) {
	opts, err := cfg.stackOptions()
	if err != nil {
		return false, "", err
	}
	changed, stats, err := cpsstack.Run(m, opts)
	if err != nil {
		return changed, "", err
	}
	reportSizes(ctx, "stack", stats.StackBytes)
	return changed, fmt.Sprintf("%d functions", stats.Functions), nil
}

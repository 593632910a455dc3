package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"rtcont/internal/ir"
	"rtcont/internal/irfile"
	"rtcont/internal/trace"
)

// FileResult is the outcome of one module file.
type FileResult struct {
	Path   string
	Module *ir.Module
	*Result
}

// RunFiles loads every path and runs the pipeline on it, processing up to
// cfg.Jobs files at once. Results keep the order of paths. The first
// failure cancels the remaining files and is returned; nothing is written.
// sink, if non-nil, receives progress events for every file.
func RunFiles(ctx context.Context, paths []string, cfg Config, sink ProgressSink) ([]FileResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	for _, path := range paths {
		emit(sink, Event{File: path, Stage: StageLoad, Status: StatusQueued, Steps: len(cfg.Passes)})
	}

	results := make([]FileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(paths)))
	for i, path := range paths {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			fr, err := runFile(gctx, path, cfg, sink)
			if err != nil {
				return err
			}
			// every goroutine owns its slot
			results[i] = fr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runFile(ctx context.Context, path string, cfg Config, sink ProgressSink) (FileResult, error) {
	start := time.Now()
	steps := len(cfg.Passes)
	fail := func(stage Stage, err error) {
		emit(sink, Event{File: path, Stage: stage, Status: StatusError, Steps: steps, Err: err, Elapsed: time.Since(start)})
	}

	span, ctx := trace.Start(ctx, trace.ScopeModule, "module:"+filepath.Base(path))
	emit(sink, Event{File: path, Stage: StageLoad, Status: StatusWorking, Steps: steps})
	m, err := irfile.ReadFile(path)
	if err != nil {
		span.End("load failed")
		fail(StageLoad, err)
		return FileResult{}, err
	}
	res, err := run(ctx, m, cfg, func(k int, name string) {
		emit(sink, Event{File: path, Stage: StageLower, Status: StatusWorking, Pass: name, Step: k, Steps: steps})
	})
	if err != nil {
		span.End("failed")
		fail(StageLower, err)
		return FileResult{}, fmt.Errorf("%s: %w", path, err)
	}
	span.End("")
	emit(sink, Event{File: path, Stage: StageLower, Status: StatusDone, Step: steps, Steps: steps, Elapsed: time.Since(start)})
	return FileResult{Path: path, Module: m, Result: res}, nil
}

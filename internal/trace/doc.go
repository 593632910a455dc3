// Package trace records what the rtcont passes do while they run.
//
// # Usage
//
// Enable tracing from the command line:
//
//	rtcont opt --trace=- --trace-level=detail shader.rtm
//
// # Tracers
//
//   - Nop: no-op tracer used when tracing is off
//   - StreamTracer: writes every event to an output as it happens
//   - RingTracer: keeps the last events in memory for failure dumps
//   - MultiTracer: fans out to several tracers
//   - Watch: wraps a tracer and beats with the passes and groups still open
//
// # Levels
//
//   - LevelOff: no tracing
//   - LevelError: ring buffer only, dumped when a run fails
//   - LevelPhase: driver, module and pass boundaries
//   - LevelDetail: adds per-group events inside passes
//   - LevelDebug: everything
//
// # Context propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopePass, "cleanup-continuations", parentID)
//	defer span.End("")
package trace

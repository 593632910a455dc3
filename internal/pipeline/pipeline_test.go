package pipeline_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
	"rtcont/internal/irfile"
	"rtcont/internal/pipeline"
	"rtcont/internal/testkit"
	"rtcont/internal/trace"
)

var pair = ir.StructOf(ir.Ptr0, ir.Ptr0)

// buildGroup builds a two-fragment group that awaits a traversal and
// returns its result, with the outgoing register count of the await set
// to regs (0 leaves it unset).
func buildGroup(m *ir.Module, name string, regs uint32) {
	await, _ := m.DeclareFunc("_AmdAwaitTraversal", ir.Ptr0, ir.I64, ir.I32)
	getRet, _ := m.DeclareFunc(cont.FnGetReturnValue, ir.I32)
	ret, _ := m.DeclareFunc(cont.FnReturn, ir.Void, ir.I64, ir.I32)
	ret.Variadic = true

	entry := m.AddFunc(ir.NewFunc(name, pair, ir.I64, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	resume := m.AddFunc(ir.NewFunc(name+".resume.0", pair, ir.Ptr0))
	cont.SetGroupLink(resume, entry)

	b := ir.BuilderAtEnd(entry.AddBlock("entry"))
	b.CreateStore(entry.Params[0], entry.Params[1])
	call := b.CreateCall(await, ir.ConstI64(5), ir.ConstI32(7))
	if regs > 0 {
		cont.SetOutgoingRegisterCount(call, regs)
	}
	a := b.CreateInsertValue(ir.Poison(pair), resume, 0)
	b.CreateRet(b.CreateInsertValue(a, call, 1))

	rb := ir.BuilderAtEnd(resume.AddBlock("entry"))
	rv := rb.CreateCall(getRet)
	ra := rb.CreateLoad(ir.I64, resume.Params[0], "ra")
	rc := rb.CreateCall(ret, ra, rv)
	cont.SetOutgoingRegisterCount(rc, 2)
	rb.CreateUnreachable()
}

func lateConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Passes = []string{"cleanup-continuations", "register-buffer"}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	want := []string{"prepare-library", "cleanup-continuations", "register-buffer", "lower-cps-stack"}
	if strings.Join(cfg.Passes, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected default passes %v", cfg.Passes)
	}
	if len(pipeline.Passes()) != len(want) {
		t.Errorf("expected %d registered passes", len(want))
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*pipeline.Config){
		"unknown pass": func(c *pipeline.Config) { c.Passes = []string{"inline"} },
		"duplicate":    func(c *pipeline.Config) { c.Passes = []string{"register-buffer", "register-buffer"} },
		"empty":        func(c *pipeline.Config) { c.Passes = nil },
		"backing":      func(c *pipeline.Config) { c.Stack.Backing = "lds" },
		"jobs":         func(c *pipeline.Config) { c.Jobs = -1 },
	}
	for name, mutate := range cases {
		cfg := pipeline.DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", name)
		}
	}
}

func TestRunLatePasses(t *testing.T) {
	m := ir.NewModule("t")
	buildGroup(m, "main", 3)

	var buf bytes.Buffer
	tr := trace.NewStreamTracer(&buf, trace.LevelDetail, trace.FormatText)
	ctx := trace.WithTracer(context.Background(), tr)

	res, err := pipeline.Run(ctx, m, lateConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Changed || len(res.Passes) != 2 || !res.Passes[0].Changed || !res.Passes[1].Changed {
		t.Fatalf("expected both passes to change the module, got %+v", res.Passes)
	}
	if err := testkit.CheckContinuationInvariants(m); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if len(res.Timer.Phases()) != 2 {
		t.Errorf("expected one timing phase per pass")
	}

	g := m.Global(cont.GlobalContState)
	if g == nil {
		t.Fatalf("expected the continuation state global")
	}
	if _, ok := cont.GetRegisterBuffer(g); ok {
		t.Errorf("expected the register buffer descriptor to be consumed")
	}
	if g.AddrSpace != cont.AddrSpaceRegister || g.ValueType.Len != 0 {
		t.Errorf("expected an empty register part, got %s in %d", g.ValueType, g.AddrSpace)
	}
	if m.Func(cont.FnGetPointerPrefix+".a0i32") == nil {
		t.Errorf("expected the state to be reached through the overflow accessor")
	}

	out := buf.String()
	for _, want := range []string{"→ cleanup-continuations", "main (state 8 bytes)", "← register-buffer (1 buffers)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in the trace:\n%s", want, out)
		}
	}
}

func paramTypes(f *ir.Func) string {
	var parts []string
	for _, p := range f.Params {
		parts = append(parts, p.Ty.String())
	}
	return strings.Join(parts, ",")
}

func TestStackLoweringRunsInEitherOrder(t *testing.T) {
	orders := map[string][]string{
		"cleanup first": {"cleanup-continuations", "register-buffer", "lower-cps-stack"},
		"stack first":   {"lower-cps-stack", "cleanup-continuations", "register-buffer"},
	}
	for name, passes := range orders {
		m := ir.NewModule("t")
		buildGroup(m, "main", 3)
		cont.SetStackSize(m.Func("main"), 16)
		cfg := pipeline.DefaultConfig()
		cfg.Passes = passes

		if _, err := pipeline.Run(context.Background(), m, cfg); err != nil {
			t.Fatalf("%s: run: %v", name, err)
		}
		if err := testkit.CheckContinuationInvariants(m); err != nil {
			t.Fatalf("%s: invariants: %v", name, err)
		}
		if m.Func(cont.FnGetStackOffset) != nil {
			t.Errorf("%s: expected every stack offset accessor to be bound", name)
		}
		entry, resume := m.Func("main"), m.Func("main.resume.0")
		if got := paramTypes(resume); got != "i32,i64,i32" {
			t.Errorf("%s: expected the resume fragment to take (csp, return address, value), got (%s)", name, got)
		}
		if got := cont.StackSize(entry); got != 16 {
			t.Errorf("%s: expected the stack size to stay 16, got %d", name, got)
		}

		var moves []string
		for _, f := range []*ir.Func{entry, resume} {
			for _, in := range f.Instructions() {
				if in.Op != ir.OpStore {
					continue
				}
				slot, ok := in.Ops[1].(*ir.Instr)
				next, isMove := in.Ops[0].(*ir.Instr)
				if !ok || slot.Op != ir.OpAlloca || slot.Name != "csp" || !isMove {
					continue
				}
				if next.Op == ir.OpAdd || next.Op == ir.OpSub {
					moves = append(moves, f.Name+":"+next.Op.String())
				}
			}
			if err := ir.ValidateFunc(f); err != nil {
				t.Errorf("%s: %s: %v", name, f.Name, err)
			}
		}
		if strings.Join(moves, ",") != "main:add,main.resume.0:sub" {
			t.Errorf("%s: expected the frame to move the stack pointer slot, got %v", name, moves)
		}

		// the resume fragment moves the stack only after seeding it
		var seeded bool
		for _, in := range resume.Entry().Instrs {
			if in.Op != ir.OpStore {
				continue
			}
			if in.Ops[0] == ir.Value(resume.Params[0]) {
				seeded = true
			}
			if next, ok := in.Ops[0].(*ir.Instr); ok && next.Op == ir.OpSub && !seeded {
				t.Errorf("%s: the stack moves before the incoming stack pointer is stored", name)
			}
		}
		if !seeded {
			t.Errorf("%s: expected the incoming stack pointer to seed the slot", name)
		}
	}
}

func TestRunStopsAtFailure(t *testing.T) {
	m := ir.NewModule("t")
	buildGroup(m, "main", 0)

	res, err := pipeline.Run(context.Background(), m, lateConfig())
	if !cont.IsMalformed(err) {
		t.Fatalf("expected a malformed-input error, got %v", err)
	}
	if len(res.Passes) != 0 {
		t.Errorf("expected no completed passes, got %+v", res.Passes)
	}
}

func TestRunHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pipeline.Run(ctx, ir.NewModule("t"), lateConfig()); err == nil {
		t.Fatalf("expected a cancelled run to fail")
	}
}

func writeModule(t *testing.T, dir, name string, regs uint32) string {
	t.Helper()
	m := ir.NewModule(name)
	buildGroup(m, name, regs)
	path := filepath.Join(dir, name+irfile.Ext)
	if err := irfile.WriteFile(path, m); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunFiles(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeModule(t, dir, "raygen", 3),
		writeModule(t, dir, "miss", 4),
		writeModule(t, dir, "hit", 5),
	}
	cfg := lateConfig()
	cfg.Jobs = 2

	results, err := pipeline.RunFiles(context.Background(), paths, cfg, nil)
	if err != nil {
		t.Fatalf("run files: %v", err)
	}
	if len(results) != len(paths) {
		t.Fatalf("expected %d results, got %d", len(paths), len(results))
	}
	for k, r := range results {
		if r.Path != paths[k] || !r.Changed {
			t.Errorf("result %d: expected a changed module for %s, got %s", k, paths[k], r.Path)
		}
		f := r.Module.Func(r.Module.Name + ".resume.0")
		if n, ok := cont.IncomingRegisterCount(f); !ok || n != uint32(3+k) {
			t.Errorf("%s: expected incoming count %d, got %d", r.Module.Name, 3+k, n)
		}
	}
}

func TestRunFilesFails(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeModule(t, dir, "good", 3),
		writeModule(t, dir, "bad", 0),
	}
	results, err := pipeline.RunFiles(context.Background(), paths, lateConfig(), nil)
	if err == nil || results != nil {
		t.Fatalf("expected the failing file to fail the run, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad"+irfile.Ext) {
		t.Errorf("expected the error to name the file, got %v", err)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (s *recordingSink) OnEvent(evt pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) forFile(path string) []pipeline.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.Event
	for _, evt := range s.events {
		if evt.File == path {
			out = append(out, evt)
		}
	}
	return out
}

func TestRunFilesReportsProgress(t *testing.T) {
	dir := t.TempDir()
	good := writeModule(t, dir, "good", 3)
	sink := &recordingSink{}
	if _, err := pipeline.RunFiles(context.Background(), []string{good}, lateConfig(), sink); err != nil {
		t.Fatalf("run files: %v", err)
	}
	events := sink.forFile(good)
	var statuses []string
	for _, evt := range events {
		statuses = append(statuses, string(evt.Status)+":"+evt.Pass)
	}
	want := "queued:,working:,working:cleanup-continuations,working:register-buffer,done:"
	if strings.Join(statuses, ",") != want {
		t.Fatalf("unexpected progress %v", statuses)
	}
	if last := events[len(events)-1]; last.Step != 2 || last.Steps != 2 {
		t.Errorf("expected the final event to report 2/2 passes, got %d/%d", last.Step, last.Steps)
	}

	bad := writeModule(t, dir, "bad", 0)
	sink = &recordingSink{}
	if _, err := pipeline.RunFiles(context.Background(), []string{bad}, lateConfig(), sink); err == nil {
		t.Fatalf("expected the run to fail")
	}
	events = sink.forFile(bad)
	if last := events[len(events)-1]; last.Status != pipeline.StatusError || last.Err == nil || last.Stage != pipeline.StageLower {
		t.Errorf("expected a lowering error event, got %+v", last)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "rtcont.toml")
	tomlText := "passes = [\"cleanup-continuations\"]\njobs = 3\n\n[stack]\nbacking = \"global\"\n\n[cleanup]\nstate_registers = 4\n"
	if err := os.WriteFile(tomlPath, []byte(tomlText), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := pipeline.LoadConfig(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if len(cfg.Passes) != 1 || cfg.Jobs != 3 || cfg.Stack.Backing != "global" || cfg.Cleanup.StateRegisters != 4 {
		t.Errorf("unexpected toml config %+v", cfg)
	}
	if !cfg.Verify {
		t.Errorf("expected unset keys to keep their defaults")
	}

	yamlPath := filepath.Join(dir, "other.yaml")
	yamlText := "passes:\n  - register-buffer\nverify: false\n"
	if err := os.WriteFile(yamlPath, []byte(yamlText), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = pipeline.LoadConfig(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if len(cfg.Passes) != 1 || cfg.Passes[0] != "register-buffer" || cfg.Verify {
		t.Errorf("unexpected yaml config %+v", cfg)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "a.toml")
	if err := os.WriteFile(tomlPath, []byte("passess = []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := pipeline.LoadConfig(tomlPath); err == nil || !strings.Contains(err.Error(), "passess") {
		t.Errorf("expected the unknown toml key to be reported, got %v", err)
	}
	yamlPath := filepath.Join(dir, "a.yml")
	if err := os.WriteFile(yamlPath, []byte("jobz: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := pipeline.LoadConfig(yamlPath); err == nil {
		t.Errorf("expected the unknown yaml key to be rejected")
	}
	if _, err := pipeline.LoadConfig(filepath.Join(dir, "a.json")); err == nil {
		t.Errorf("expected an unsupported extension error")
	}
}

func TestFindConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "rtcont.yaml")
	if err := os.WriteFile(want, []byte("jobs: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, ok, err := pipeline.FindConfig(nested)
	if err != nil || !ok {
		t.Fatalf("expected to find the config, got %v, %v", ok, err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

package ir_test

import (
	"strings"
	"testing"

	"rtcont/internal/ir"
)

func newFuncWithEntry(m *ir.Module, name string, ret *ir.Type, params ...*ir.Type) (*ir.Func, *ir.Builder) {
	f := m.AddFunc(ir.NewFunc(name, ret, params...))
	entry := f.AddBlock("entry")
	return f, ir.BuilderAtEnd(entry)
}

func TestLayoutSizes(t *testing.T) {
	dl := ir.DefaultLayout()
	st := ir.StructOf(ir.I8, ir.I32, ir.I64)
	if got := dl.FieldOffset(st, 1); got != 4 {
		t.Errorf("expected field 1 at offset 4, got %d", got)
	}
	if got := dl.FieldOffset(st, 2); got != 8 {
		t.Errorf("expected field 2 at offset 8, got %d", got)
	}
	if got := dl.AllocSize(st); got != 16 {
		t.Errorf("expected struct size 16, got %d", got)
	}
	packed := ir.PackedStructOf(ir.I8, ir.I32)
	if got := dl.AllocSize(packed); got != 5 {
		t.Errorf("expected packed size 5, got %d", got)
	}
	if got := dl.StoreSize(ir.Ptr(21)); got != 4 {
		t.Errorf("expected scratch pointer of 4 bytes, got %d", got)
	}
	if got := dl.StoreSize(ir.Ptr0); got != 8 {
		t.Errorf("expected generic pointer of 8 bytes, got %d", got)
	}
	if got := dl.AllocSize(ir.ArrayOf(ir.I32, 5)); got != 20 {
		t.Errorf("expected array size 20, got %d", got)
	}
}

func TestConstGEPOffset(t *testing.T) {
	m := ir.NewModule("t")
	g := m.AddGlobal("G", ir.ArrayOf(ir.StructOf(ir.I32, ir.I64), 4), 0)
	f, b := newFuncWithEntry(m, "f", ir.Void)
	gep := b.CreateConstGEP(g.ValueType, g, "", 0, 2, 1)
	b.CreateRetVoid()

	off, ok := m.Layout.ConstGEPOffset(gep)
	if !ok {
		t.Fatalf("expected constant offset")
	}
	if off != 2*16+8 {
		t.Errorf("expected offset 40, got %d", off)
	}
	if et := ir.ResultElemType(gep); !et.Equal(ir.I64) {
		t.Errorf("expected i64 element, got %s", et)
	}
	if err := ir.ValidateFunc(f); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestVariableGEPIndex(t *testing.T) {
	m := ir.NewModule("t")
	g := m.AddGlobal("G", ir.ArrayOf(ir.I32, 16), 0)
	f, b := newFuncWithEntry(m, "f", ir.Void, ir.I32)
	gep := b.CreateGEP(g.ValueType, g, []ir.Value{ir.ConstI32(0), f.Params[0]}, "")
	b.CreateRetVoid()

	off, vars, err := m.Layout.GEPOffsets(gep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off != 0 || len(vars) != 1 || vars[0].Scale != 4 || vars[0].Index != f.Params[0] {
		t.Errorf("expected one index scaled by 4, got off=%d vars=%v", off, vars)
	}
}

func TestSplitBlockAndInsertIfThenElse(t *testing.T) {
	m := ir.NewModule("t")
	f, b := newFuncWithEntry(m, "f", ir.I32, ir.I1)
	x := b.CreateAdd(ir.ConstI32(1), ir.ConstI32(2), "x")
	ret := b.CreateRet(x)

	thenTerm, elseTerm := ir.SplitBlockAndInsertIfThenElse(f.Params[0], ret)
	if len(f.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(f.Blocks))
	}
	tail := ret.Parent()
	if thenTerm.Blocks[0] != tail || elseTerm.Blocks[0] != tail {
		t.Errorf("expected both arms to reach the tail")
	}
	if got := len(tail.Predecessors()); got != 2 {
		t.Errorf("expected 2 predecessors of the tail, got %d", got)
	}
	phi := ir.BuilderBefore(ret).CreatePhi(ir.I32, "p")
	// phis must lead the block
	tail.Remove(phi)
	tail.InsertAt(0, phi)
	phi.AddIncoming(x, thenTerm.Parent())
	phi.AddIncoming(ir.ConstI32(0), elseTerm.Parent())
	ret.Ops[0] = phi
	if err := ir.ValidateFunc(f); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSplitBlockAfterUpdatesPhis(t *testing.T) {
	m := ir.NewModule("t")
	f, b := newFuncWithEntry(m, "f", ir.I32)
	exit := f.AddBlock("exit")
	call := b.CreateAdd(ir.ConstI32(1), ir.ConstI32(1), "v")
	b.CreateBr(exit)
	eb := ir.BuilderAtEnd(exit)
	phi := eb.CreatePhi(ir.I32, "p")
	phi.AddIncoming(call, f.Entry())
	eb.CreateRet(phi)

	tail := ir.SplitBlockAfter(call, "after")
	if tail == nil {
		t.Fatalf("expected a new block")
	}
	if phi.Blocks[0] != tail {
		t.Errorf("expected phi to name the split block, got %s", phi.Blocks[0].Name)
	}
	if err := ir.ValidateFunc(f); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestReplaceAllUsesWithReachesAggregatesAndMetadata(t *testing.T) {
	m := ir.NewModule("t")
	old := m.AddFunc(ir.NewFunc("old", ir.Void))
	repl := m.AddFunc(ir.NewFunc("repl", ir.Void))
	user, b := newFuncWithEntry(m, "user", ir.StructOf(ir.Ptr0, ir.I32))
	ir.SetMeta(&user.Meta, "continuation", &ir.MDNode{Ref: old})
	b.CreateRet(ir.Aggregate(ir.StructOf(ir.Ptr0, ir.I32), old, ir.Undef(ir.I32)))

	m.ReplaceAllUsesWith(old, repl)
	if m.HasUses(old) {
		t.Errorf("expected no remaining uses of old")
	}
	if n, _ := user.Meta.Get("continuation"); n.Ref != repl {
		t.Errorf("expected metadata to reference repl")
	}
}

func TestValidateReportsMissingTerminator(t *testing.T) {
	m := ir.NewModule("t")
	f, b := newFuncWithEntry(m, "f", ir.Void)
	b.CreateAdd(ir.ConstI32(1), ir.ConstI32(1), "")
	err := ir.ValidateFunc(f)
	if err == nil || !strings.Contains(err.Error(), "missing terminator") {
		t.Errorf("expected missing terminator error, got %v", err)
	}
}

func TestDumpFunc(t *testing.T) {
	m := ir.NewModule("t")
	callee := m.AddFunc(ir.NewFunc("callee", ir.I32, ir.I32))
	f, b := newFuncWithEntry(m, "f", ir.I32, ir.I32)
	c := b.CreateCall(callee, f.Params[0])
	ir.SetMetaInt(&c.Meta, "continuation.registercount", 3)
	b.CreateRet(c)

	var sb strings.Builder
	if err := ir.DumpModule(&sb, m, ir.DumpOptions{}); err != nil {
		t.Fatalf("dump: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"declare i32 @callee(i32 %a0)", "call i32 @callee(i32 %a0) !continuation.registercount !{3}", "ret i32 %0"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

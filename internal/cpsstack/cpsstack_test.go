package cpsstack_test

import (
	"testing"

	"rtcont/internal/cont"
	"rtcont/internal/cpsstack"
	"rtcont/internal/ir"
)

var stackPtr = ir.Ptr(cont.AddrSpaceStack)

func declare(t *testing.T, m *ir.Module, name string, ret *ir.Type, params ...*ir.Type) *ir.Func {
	t.Helper()
	f, err := m.DeclareFunc(name, ret, params...)
	if err != nil {
		t.Fatalf("declare %s: %v", name, err)
	}
	return f
}

// newGroup creates an entry fragment "main" that only returns.
func newGroup(m *ir.Module) *ir.Func {
	entry := m.AddFunc(ir.NewFunc("main", ir.Void))
	cont.SetGroupLink(entry, entry)
	ir.BuilderAtEnd(entry.AddBlock("entry")).CreateRetVoid()
	return entry
}

func findCall(f *ir.Func, name string) *ir.Instr {
	for _, in := range f.Instructions() {
		if cont.IsCallTo(in, name) {
			return in
		}
	}
	return nil
}

func TestLowerResumeFragment(t *testing.T) {
	m := ir.NewModule("t")
	entry := newGroup(m)
	alloc := declare(t, m, cont.FnStackAlloc, stackPtr, ir.I32)
	free := declare(t, m, cont.FnStackFree, ir.Void, ir.I32)

	resume := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void, ir.I64))
	cont.SetGroupLink(resume, entry)
	b := ir.BuilderAtEnd(resume.AddBlock("entry"))
	p := b.CreateCall(alloc, ir.ConstI32(10))
	q := b.CreateConstGEP(ir.I32, p, "q", 1)
	st := b.CreateStore(ir.ConstI32(7), q)
	b.CreateCall(free, ir.ConstI32(10))
	b.CreateRetVoid()

	changed, stats, err := cpsstack.Run(m, cpsstack.DefaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !changed {
		t.Fatalf("expected a change")
	}

	nf := m.Func("main.resume.0")
	if len(nf.Params) != 2 || !nf.Params[0].Ty.Equal(ir.I32) || !nf.Params[1].Ty.Equal(ir.I64) {
		t.Fatalf("expected (i32, i64) parameters, got %s", nf.Signature())
	}
	if got := cont.StackSize(m.Func("main")); got != 12 {
		t.Errorf("expected stack size 12, got %d", got)
	}
	if stats.StackBytes["main"] != 12 {
		t.Errorf("expected 12 peak bytes, got %d", stats.StackBytes["main"])
	}
	if added, ok := cont.StackLowered(m.Func("main")); !ok || added != 12 {
		t.Errorf("expected the entry to record 12 lowered bytes, got %d, %v", added, ok)
	}
	if added, ok := cont.StackLowered(nf); !ok || added != 0 {
		t.Errorf("expected the resume fragment to be marked lowered, got %d, %v", added, ok)
	}

	addr, ok := st.Ops[1].(*ir.Instr)
	if !ok || addr.Op != ir.OpIntToPtr || !addr.Ty.IsPtrIn(cont.AddrSpaceScratch) {
		t.Fatalf("expected the store to address scratch memory, got %v", st.Ops[1].Ident())
	}
	sum, ok := addr.Ops[0].(*ir.Instr)
	if !ok || sum.Op != ir.OpAdd {
		t.Fatalf("expected an offset add chain")
	}
	if c, ok := ir.ConstIntValue(sum.Ops[1]); !ok || c != 4 {
		t.Errorf("expected field offset 4, got %v", sum.Ops[1].Ident())
	}

	if m.Func(cont.FnStackAlloc) != nil || m.Func(cont.FnStackFree) != nil {
		t.Errorf("expected stack op declarations to be removed")
	}
	if findCall(nf, cont.FnStackAddr) != nil {
		t.Errorf("resume fragments take the stack pointer as a parameter")
	}
	if findCall(m.Func("main"), cont.FnStackAddr) == nil {
		t.Errorf("expected the entry fragment to read the driver stack address")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestAllocationsAreAligned(t *testing.T) {
	m := ir.NewModule("t")
	alloc := declare(t, m, cont.FnStackAlloc, stackPtr, ir.I32)
	entry := m.AddFunc(ir.NewFunc("main", ir.Void))
	cont.SetGroupLink(entry, entry)
	cont.SetStackSize(entry, 16)
	b := ir.BuilderAtEnd(entry.AddBlock("entry"))
	b.CreateCall(alloc, ir.ConstI32(3))
	b.CreateCall(alloc, ir.ConstI32(6))
	b.CreateRetVoid()

	if _, _, err := cpsstack.Run(m, cpsstack.DefaultOptions()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := cont.StackSize(m.Func("main")); got != 16+4+8 {
		t.Errorf("expected stack size 28, got %d", got)
	}
}

func TestPeekAndPtrToInt(t *testing.T) {
	m := ir.NewModule("t")
	peek := declare(t, m, cont.FnStackPeek, stackPtr, ir.I32)
	f := m.AddFunc(ir.NewFunc("helper", ir.I32))
	b := ir.BuilderAtEnd(f.AddBlock("entry"))
	p := b.CreateCall(peek, ir.ConstI32(8))
	i := b.CreateCast(ir.OpPtrToInt, p, ir.I32, "i")
	ret := b.CreateRet(i)

	changed, _, err := cpsstack.Run(m, cpsstack.DefaultOptions())
	if err != nil || !changed {
		t.Fatalf("run: %v, %v", changed, err)
	}
	sub, ok := ret.Ops[0].(*ir.Instr)
	if !ok || sub.Op != ir.OpSub {
		t.Fatalf("expected peek to subtract from the stack pointer, got %s", ret.Ops[0].Ident())
	}
	if c, _ := ir.ConstIntValue(sub.Ops[1]); c != 8 {
		t.Errorf("expected peek distance 8, got %d", c)
	}
	if findCall(f, cont.FnStackAddr) == nil {
		t.Errorf("expected the stack pointer to be initialized from the driver")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestStackOffsetAccessorBindsSlot(t *testing.T) {
	m := ir.NewModule("t")
	entry := newGroup(m)
	getOff := declare(t, m, cont.FnGetStackOffset, ir.Ptr0)
	resume := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void))
	cont.SetGroupLink(resume, entry)
	b := ir.BuilderAtEnd(resume.AddBlock("entry"))
	off := b.CreateCall(getOff)
	cur := b.CreateLoad(ir.I32, off, "cur")
	b.CreateStore(b.CreateSub(cur, ir.ConstI32(8), ""), off)
	b.CreateRetVoid()

	if _, _, err := cpsstack.Run(m, cpsstack.DefaultOptions()); err != nil {
		t.Fatalf("run: %v", err)
	}
	slot, ok := cur.Ops[0].(*ir.Instr)
	if !ok || slot.Op != ir.OpAlloca || slot.Name != "csp" {
		t.Fatalf("expected the accessor to resolve to the stack pointer slot")
	}
	if m.Func(cont.FnGetStackOffset) != nil {
		t.Errorf("expected the accessor declaration to be removed")
	}
}

func TestGlobalMemoryBase(t *testing.T) {
	m := ir.NewModule("t")
	alloc := declare(t, m, cont.FnStackAlloc, stackPtr, ir.I32)
	declare(t, m, cont.FnStackGlobalMemBase, ir.I64)
	entry := m.AddFunc(ir.NewFunc("main", ir.I32))
	cont.SetGroupLink(entry, entry)
	b := ir.BuilderAtEnd(entry.AddBlock("entry"))
	p := b.CreateCall(alloc, ir.ConstI32(4))
	ld := b.CreateLoad(ir.I32, p, "v")
	b.CreateRet(ld)

	opts := cpsstack.Options{BackingAddrSpace: cont.AddrSpaceGlobal}
	if _, _, err := cpsstack.Run(m, opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	gep, ok := ld.Ops[0].(*ir.Instr)
	if !ok || gep.Op != ir.OpGEP || !gep.Elem.Equal(ir.I8) {
		t.Fatalf("expected a byte offset from the memory base")
	}
	base, ok := gep.Ops[0].(*ir.Instr)
	if !ok || base.Name != "stack.base" || !base.Ty.IsPtrIn(cont.AddrSpaceGlobal) {
		t.Errorf("expected the base pointer in global memory")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNothingToLower(t *testing.T) {
	m := ir.NewModule("t")
	f := m.AddFunc(ir.NewFunc("plain", ir.Void))
	ir.BuilderAtEnd(f.AddBlock("entry")).CreateRetVoid()
	changed, _, err := cpsstack.Run(m, cpsstack.DefaultOptions())
	if err != nil || changed {
		t.Errorf("expected an unchanged module, got %v, %v", changed, err)
	}
}

func TestRejectsUnknownBackingSpace(t *testing.T) {
	m := ir.NewModule("t")
	if _, _, err := cpsstack.Run(m, cpsstack.Options{BackingAddrSpace: 5}); err == nil {
		t.Errorf("expected an error")
	}
}

func TestRejectsDynamicAllocation(t *testing.T) {
	m := ir.NewModule("t")
	alloc := declare(t, m, cont.FnStackAlloc, stackPtr, ir.I32)
	f := m.AddFunc(ir.NewFunc("helper", ir.Void, ir.I32))
	b := ir.BuilderAtEnd(f.AddBlock("entry"))
	b.CreateCall(alloc, f.Params[0])
	b.CreateRetVoid()
	if _, _, err := cpsstack.Run(m, cpsstack.DefaultOptions()); !cont.IsMalformed(err) {
		t.Errorf("expected malformed-input error, got %v", err)
	}
}

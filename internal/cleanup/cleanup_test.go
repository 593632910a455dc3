package cleanup_test

import (
	"testing"

	"rtcont/internal/cleanup"
	"rtcont/internal/cont"
	"rtcont/internal/ir"
	"rtcont/internal/testkit"
)

var pair = ir.StructOf(ir.Ptr0, ir.Ptr0)

func declare(t *testing.T, m *ir.Module, name string, ret *ir.Type, params ...*ir.Type) *ir.Func {
	t.Helper()
	f, err := m.DeclareFunc(name, ret, params...)
	if err != nil {
		t.Fatalf("declare %s: %v", name, err)
	}
	return f
}

func findCall(f *ir.Func, name string) *ir.Instr {
	for _, in := range f.Instructions() {
		if cont.IsCallTo(in, name) {
			return in
		}
	}
	return nil
}

func indexOf(blk *ir.Block, in *ir.Instr) int {
	if in == nil {
		return -1
	}
	return blk.IndexOf(in)
}

// suspend returns the {resume, token} pair built from call.
func suspend(b *ir.Builder, resume *ir.Func, call *ir.Instr) {
	a := b.CreateInsertValue(ir.Poison(pair), resume, 0)
	v := b.CreateInsertValue(a, call, 1)
	b.CreateRet(v)
}

// buildTraceGroup builds
//
//	main(i64 %ra, ptr %frame): store %ra into the frame, await traversal
//	main.resume.0(ptr %frame): return the traversal result to %ra
func buildTraceGroup(t *testing.T, m *ir.Module) (await *ir.Func) {
	t.Helper()
	await = declare(t, m, "_AmdAwaitTraversal", ir.Ptr0, ir.I64, ir.I32)
	getRet := declare(t, m, cont.FnGetReturnValue, ir.I32)
	ret := declare(t, m, cont.FnReturn, ir.Void, ir.I64, ir.I32)
	ret.Variadic = true

	entry := m.AddFunc(ir.NewFunc("main", pair, ir.I64, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	resume := m.AddFunc(ir.NewFunc("main.resume.0", pair, ir.Ptr0))
	cont.SetGroupLink(resume, entry)

	b := ir.BuilderAtEnd(entry.AddBlock("entry"))
	b.CreateStore(entry.Params[0], entry.Params[1])
	call := b.CreateCall(await, ir.ConstI64(5), ir.ConstI32(7))
	cont.SetOutgoingRegisterCount(call, 3)
	suspend(b, resume, call)

	rb := ir.BuilderAtEnd(resume.AddBlock("entry"))
	rv := rb.CreateCall(getRet)
	rv.Name = "hit"
	ra := rb.CreateLoad(ir.I64, resume.Params[0], "ra")
	rc := rb.CreateCall(ret, ra, rv)
	cont.SetOutgoingRegisterCount(rc, 2)
	rb.CreateUnreachable()
	return await
}

func TestCleanupGroup(t *testing.T) {
	m := ir.NewModule("t")
	await := buildTraceGroup(t, m)

	changed, stats, err := cleanup.Run(m, cleanup.DefaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !changed || stats.Groups != 1 {
		t.Fatalf("expected one rewritten group, got %v, %+v", changed, stats)
	}
	if err := testkit.CheckContinuationInvariants(m); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if stats.StateBytes["main"] != cont.MinimumContinuationStateBytes {
		t.Errorf("expected the minimum state size, got %d", stats.StateBytes["main"])
	}

	entry := m.Func("main")
	resume := m.Func("main.resume.0")
	if len(entry.Params) != 1 || !entry.Params[0].Ty.Equal(ir.I64) || !entry.Ret.IsVoid() {
		t.Fatalf("expected void (i64), got %s", entry.Signature())
	}
	if n, ok := cont.StateBytes(entry); !ok || n != 8 {
		t.Errorf("expected state metadata 8, got %d, %v", n, ok)
	}
	if findCall(entry, cont.FnSaveState) == nil {
		t.Errorf("expected the entry to save the caller's state")
	}

	blk := entry.Entry()
	if blk.Terminator().Op != ir.OpUnreachable {
		t.Fatalf("expected the entry to end in unreachable")
	}
	cc := blk.Instrs[len(blk.Instrs)-2]
	if !cont.IsCallTo(cc, cont.FnContinue) {
		t.Fatalf("expected a continue before unreachable, got %s", cc.Op)
	}
	args := cc.Args()
	if len(args) != 5 {
		t.Fatalf("expected continue(target, csp, resume, 5, 7), got %d args", len(args))
	}
	if target, ok := args[0].(*ir.Instr); !ok || target.Op != ir.OpPtrToInt || target.Ops[0] != await {
		t.Errorf("expected the awaited function as the target")
	}
	if csp, ok := args[1].(*ir.Instr); !ok || csp.Op != ir.OpLoad || !csp.Ty.Equal(ir.I32) {
		t.Errorf("expected the stack pointer as the second argument")
	}
	if ra, ok := args[2].(*ir.Instr); !ok || ra.Op != ir.OpPtrToInt || ra.Ops[0] != resume {
		t.Errorf("expected the resume fragment as the return address")
	}
	if v, _ := ir.ConstIntValue(args[3]); v != 5 {
		t.Errorf("expected the original arguments to follow")
	}
	if n, ok := cont.OutgoingRegisterCount(cc); !ok || n != 3 {
		t.Errorf("expected the register count to move to the continue")
	}

	if len(resume.Params) != 2 || !resume.Params[0].Ty.Equal(ir.I64) || resume.Params[1].Name != "hit" {
		t.Fatalf("expected (i64 returnAddr, i32 hit), got %s", resume.Signature())
	}
	if n, ok := cont.IncomingRegisterCount(resume); !ok || n != 3 {
		t.Errorf("expected incoming register count 3, got %d, %v", n, ok)
	}
	if link, _ := cont.GroupLink(resume); link != entry {
		t.Errorf("expected the group link to follow the new entry")
	}
	rblk := resume.Entry()
	back := findCall(resume, cont.FnContinue)
	if back == nil {
		t.Fatalf("expected the resume fragment to continue to its caller")
	}
	ld, ok := back.Arg(0).(*ir.Instr)
	if !ok || ld.Op != ir.OpLoad {
		t.Fatalf("expected the return address to be loaded")
	}
	if slot, ok := ld.Ops[0].(*ir.Instr); !ok || slot.Op != ir.OpAlloca || slot.Name != "cont.state" {
		t.Errorf("expected the frame to be the local state record")
	}
	if back.Arg(2) != resume.Params[1] {
		t.Errorf("expected the return value to be forwarded")
	}
	restore := findCall(resume, cont.FnRestoreState)
	if restore == nil || indexOf(rblk, restore) > indexOf(rblk, back) {
		t.Errorf("expected the caller's state to be restored before returning")
	}

	for _, f := range []*ir.Func{entry, resume} {
		for _, in := range f.Instructions() {
			if in.Op == ir.OpInsertValue || in.Op == ir.OpRet {
				t.Errorf("%s: unexpected %s left behind", f.Name, in.Op)
			}
		}
	}
	if m.Func(cont.FnGetReturnValue) != nil {
		t.Errorf("expected the return value accessor to be removed")
	}

	g := m.Global(cont.GlobalContState)
	if g == nil || g.AddrSpace != cont.AddrSpaceRegister || g.ValueType.Len != 2 {
		t.Fatalf("expected a two-word state global in registers")
	}
	info, ok := cont.GetRegisterBuffer(g)
	if !ok || info.RegisterCount != 0 || info.OverflowAddrSpace != cont.AddrSpaceGlobal {
		t.Errorf("expected register buffer {0, 22}, got %+v", info)
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestStateSizeFromAllocation(t *testing.T) {
	m := ir.NewModule("t")
	malloc := declare(t, m, cont.FnMalloc, ir.Ptr0, ir.I32)
	await := declare(t, m, "_AmdAwaitAnyHit", ir.Ptr0, ir.I64)

	entry := m.AddFunc(ir.NewFunc("main", pair, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	ir.SetMeta(&entry.Meta, cont.MDEntry, &ir.MDNode{})
	resume := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void, ir.Ptr0))
	cont.SetGroupLink(resume, entry)

	b := ir.BuilderAtEnd(entry.AddBlock("entry"))
	mem := b.CreateCall(malloc, ir.ConstI32(20))
	b.CreateStore(mem, entry.Params[0])
	b.CreateStore(ir.ConstI32(1), mem)
	call := b.CreateCall(await, ir.ConstI64(9))
	cont.SetOutgoingRegisterCount(call, 0)
	suspend(b, resume, call)

	rb := ir.BuilderAtEnd(resume.AddBlock("entry"))
	frame := rb.CreateLoad(ir.Ptr0, resume.Params[0], "frame")
	rb.CreateLoad(ir.I32, frame, "x")
	rb.CreateRetVoid()

	_, stats, err := cleanup.Run(m, cleanup.DefaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.StateBytes["main"] != 20 {
		t.Errorf("expected the allocation size, got %d", stats.StateBytes["main"])
	}
	if g := m.Global(cont.GlobalContState); g.ValueType.Len != 5 {
		t.Errorf("expected five state words, got %d", g.ValueType.Len)
	}
	if findCall(m.Func("main"), cont.FnMalloc) != nil || m.Func(cont.FnMalloc) != nil {
		t.Errorf("expected the allocation to be removed")
	}
	if findCall(m.Func("main"), cont.FnSaveState) != nil {
		t.Errorf("the pipeline entry has no caller state to save")
	}
	if findCall(m.Func("main.resume.0"), cont.FnComplete) == nil {
		t.Errorf("expected a plain return to complete")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSmallAllocationKeepsItsSize(t *testing.T) {
	m := ir.NewModule("t")
	malloc := declare(t, m, cont.FnMalloc, ir.Ptr0, ir.I32)
	await := declare(t, m, "_AmdAwaitAnyHit", ir.Ptr0, ir.I64)

	entry := m.AddFunc(ir.NewFunc("main", pair, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	resume := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void, ir.Ptr0))
	cont.SetGroupLink(resume, entry)

	b := ir.BuilderAtEnd(entry.AddBlock("entry"))
	mem := b.CreateCall(malloc, ir.ConstI32(4))
	b.CreateStore(mem, entry.Params[0])
	b.CreateStore(ir.ConstI32(1), mem)
	call := b.CreateCall(await, ir.ConstI64(9))
	cont.SetOutgoingRegisterCount(call, 0)
	suspend(b, resume, call)

	rb := ir.BuilderAtEnd(resume.AddBlock("entry"))
	frame := rb.CreateLoad(ir.Ptr0, resume.Params[0], "frame")
	rb.CreateLoad(ir.I32, frame, "x")
	rb.CreateRetVoid()

	_, stats, err := cleanup.Run(m, cleanup.DefaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.StateBytes["main"] != 4 {
		t.Errorf("expected exactly the allocated 4 bytes, got %d", stats.StateBytes["main"])
	}
	if n, ok := cont.StateBytes(m.Func("main")); !ok || n != 4 {
		t.Errorf("expected state metadata 4, got %d, %v", n, ok)
	}
	if g := m.Global(cont.GlobalContState); g.ValueType.Len != 1 {
		t.Errorf("expected one state word, got %d", g.ValueType.Len)
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestUnusedFrameNeedsNoState(t *testing.T) {
	m := ir.NewModule("t")
	await := declare(t, m, "_AmdAwaitTraversal", ir.Ptr0, ir.I64)

	entry := m.AddFunc(ir.NewFunc("main", pair, ir.I64, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	resume := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void, ir.Ptr0))
	cont.SetGroupLink(resume, entry)

	start, wait, done := entry.AddBlock("entry"), entry.AddBlock("wait"), entry.AddBlock("done")
	b := ir.BuilderAtEnd(start)
	b.CreateCondBr(b.CreateICmp(ir.PredEQ, entry.Params[0], ir.ConstI64(0), "skip"), done, wait)
	wb := ir.BuilderAtEnd(wait)
	call := wb.CreateCall(await, entry.Params[0])
	cont.SetOutgoingRegisterCount(call, 1)
	suspend(wb, resume, call)
	ir.BuilderAtEnd(done).CreateRet(ir.Poison(pair))
	ir.BuilderAtEnd(resume.AddBlock("entry")).CreateRetVoid()

	_, stats, err := cleanup.Run(m, cleanup.DefaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := testkit.CheckContinuationInvariants(m); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if stats.StateBytes["main"] != 0 || stats.MaxStateBytes != 0 {
		t.Errorf("expected no state, got %d", stats.StateBytes["main"])
	}
	entry, resume = m.Func("main"), m.Func("main.resume.0")
	if n, ok := cont.StateBytes(entry); !ok || n != 0 {
		t.Errorf("expected state metadata 0, got %d, %v", n, ok)
	}
	for _, f := range []*ir.Func{entry, resume} {
		for _, in := range f.Instructions() {
			if in.Op == ir.OpAlloca && in.Name == "cont.state" {
				t.Errorf("%s: unexpected local state record", f.Name)
			}
		}
	}
	if findCall(entry, cont.FnSaveState) != nil || m.Func(cont.FnSaveState) != nil {
		t.Errorf("expected no caller state to be saved")
	}
	if findCall(resume, cont.FnRestoreState) != nil {
		t.Errorf("expected no caller state to be restored")
	}

	var doneBlk *ir.Block
	for _, blk := range entry.Blocks {
		if blk.Name == "done" {
			doneBlk = blk
		}
	}
	if doneBlk == nil || len(doneBlk.Instrs) != 2 {
		t.Fatalf("expected the completing block to hold complete and unreachable")
	}
	if !cont.IsCallTo(doneBlk.Instrs[0], cont.FnComplete) || doneBlk.Terminator().Op != ir.OpUnreachable {
		t.Errorf("expected the entry completion to become %s", cont.FnComplete)
	}
	if findCall(resume, cont.FnComplete) == nil {
		t.Errorf("expected the resume fragment to complete")
	}
	if g := m.Global(cont.GlobalContState); g == nil || g.ValueType.Len != 0 {
		t.Errorf("expected an empty state global")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestJoinedSuspendsAndWait(t *testing.T) {
	m := ir.NewModule("t")
	first := declare(t, m, "_AmdAwaitTraversal", ir.Ptr0, ir.I64)
	second := declare(t, m, "_AmdWaitAwaitTraversal", ir.Ptr0, ir.I64, ir.I64)

	entry := m.AddFunc(ir.NewFunc("main", pair, ir.I1, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	cont.SetStackSize(entry, 16)
	r0 := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void, ir.Ptr0))
	r1 := m.AddFunc(ir.NewFunc("main.resume.1", ir.Void, ir.Ptr0))
	cont.SetGroupLink(r0, entry)
	cont.SetGroupLink(r1, entry)
	for _, r := range []*ir.Func{r0, r1} {
		ir.BuilderAtEnd(r.AddBlock("entry")).CreateRetVoid()
	}

	start := entry.AddBlock("entry")
	left := entry.AddBlock("left")
	right := entry.AddBlock("right")
	join := entry.AddBlock("join")
	ir.BuilderAtEnd(start).CreateCondBr(entry.Params[0], left, right)

	lb := ir.BuilderAtEnd(left)
	c0 := lb.CreateCall(first, ir.ConstI64(1))
	cont.SetOutgoingRegisterCount(c0, 4)
	lb.CreateBr(join)

	rb := ir.BuilderAtEnd(right)
	c1 := rb.CreateCall(second, ir.ConstI64(-1), ir.ConstI64(2))
	cont.SetOutgoingRegisterCount(c1, 4)
	ir.SetMeta(&c1.Meta, cont.MDWaitAwait, &ir.MDNode{})
	rb.CreateBr(join)

	jb := ir.BuilderAtEnd(join)
	tok := jb.CreatePhi(ir.Ptr0, "tok")
	tok.AddIncoming(c0, left)
	tok.AddIncoming(c1, right)
	res := jb.CreatePhi(ir.Ptr0, "res")
	res.AddIncoming(r0, left)
	res.AddIncoming(r1, right)
	a := jb.CreateInsertValue(ir.Poison(pair), res, 0)
	v := jb.CreateInsertValue(a, tok, 1)
	jb.CreateRet(v)

	if _, _, err := cleanup.Run(m, cleanup.DefaultOptions()); err != nil {
		t.Fatalf("run: %v", err)
	}
	nf := m.Func("main")
	if len(nf.Blocks) != 3 {
		t.Fatalf("expected the join block to be gone, got %d blocks", len(nf.Blocks))
	}

	lc := findCall(nf, cont.FnContinue)
	if lc == nil || lc.Parent().Name != "left" {
		t.Fatalf("expected a continue in the left block")
	}
	if ra := lc.Arg(2).(*ir.Instr); ra.Ops[0] != m.Func("main.resume.0") {
		t.Errorf("expected the left path to resume in main.resume.0")
	}

	wc := findCall(nf, cont.FnWaitContinue)
	if wc == nil || wc.Parent().Name != "right" {
		t.Fatalf("expected a wait continue in the right block")
	}
	if mask, _ := ir.ConstIntValue(wc.Arg(1)); mask != -1 {
		t.Errorf("expected the wait mask second")
	}
	if ra := wc.Arg(3).(*ir.Instr); ra.Ops[0] != m.Func("main.resume.1") {
		t.Errorf("expected the right path to resume in main.resume.1")
	}
	if wc.Meta.Has(cont.MDWaitAwait) {
		t.Errorf("expected the wait marker to be dropped")
	}
	if findCall(nf, cont.FnSetPointerBarrier) == nil {
		t.Errorf("expected a barrier before the stack moves")
	}

	for _, name := range []string{"main.resume.0", "main.resume.1"} {
		if n, ok := cont.IncomingRegisterCount(m.Func(name)); !ok || n != 4 {
			t.Errorf("%s: expected incoming register count 4, got %d, %v", name, n, ok)
		}
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMissingRegisterCount(t *testing.T) {
	m := ir.NewModule("t")
	await := declare(t, m, "_AmdAwaitTraversal", ir.Ptr0)
	entry := m.AddFunc(ir.NewFunc("main", pair, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	resume := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void, ir.Ptr0))
	cont.SetGroupLink(resume, entry)
	ir.BuilderAtEnd(resume.AddBlock("entry")).CreateRetVoid()
	b := ir.BuilderAtEnd(entry.AddBlock("entry"))
	suspend(b, resume, b.CreateCall(await))

	if _, _, err := cleanup.Run(m, cleanup.DefaultOptions()); !cont.IsMalformed(err) {
		t.Fatalf("expected malformed-input error, got %v", err)
	}
	if m.Func("main") != entry || len(entry.Params) != 1 {
		t.Errorf("expected the module to be left untouched")
	}
}

func TestConflictingRegisterCounts(t *testing.T) {
	m := ir.NewModule("t")
	await := declare(t, m, "_AmdAwaitTraversal", ir.Ptr0)
	entry := m.AddFunc(ir.NewFunc("main", pair, ir.I1, ir.Ptr0))
	cont.SetGroupLink(entry, entry)
	resume := m.AddFunc(ir.NewFunc("main.resume.0", ir.Void, ir.Ptr0))
	cont.SetGroupLink(resume, entry)
	ir.BuilderAtEnd(resume.AddBlock("entry")).CreateRetVoid()

	start := entry.AddBlock("entry")
	left := entry.AddBlock("left")
	right := entry.AddBlock("right")
	ir.BuilderAtEnd(start).CreateCondBr(entry.Params[0], left, right)
	for k, blk := range []*ir.Block{left, right} {
		b := ir.BuilderAtEnd(blk)
		call := b.CreateCall(await)
		cont.SetOutgoingRegisterCount(call, uint32(k+1))
		suspend(b, resume, call)
	}

	if _, _, err := cleanup.Run(m, cleanup.DefaultOptions()); !cont.IsInconsistent(err) {
		t.Fatalf("expected inconsistent-state error, got %v", err)
	}
}

func TestSplitAfterSystemDataRestore(t *testing.T) {
	m := ir.NewModule("t")
	restore := declare(t, m, "_AmdRestoreSystemDataAnyHit", ir.Void)
	declare(t, m, "_cont_Unused", ir.Void)
	f := m.AddFunc(ir.NewFunc("anyhit", ir.I32))
	b := ir.BuilderAtEnd(f.AddBlock("entry"))
	b.CreateCall(restore)
	b.CreateRet(ir.ConstI32(0))

	changed, stats, err := cleanup.Run(m, cleanup.DefaultOptions())
	if err != nil || !changed {
		t.Fatalf("run: %v, %v", changed, err)
	}
	if stats.SplitBlocks != 1 || len(f.Blocks) != 2 {
		t.Fatalf("expected one split, got %d (%d blocks)", stats.SplitBlocks, len(f.Blocks))
	}
	if f.Entry().Terminator().Op != ir.OpBr {
		t.Errorf("expected the restore to be followed by a branch")
	}
	if m.Func("_cont_Unused") != nil {
		t.Errorf("expected unused driver declarations to be removed")
	}
	if m.Func(restore.Name) == nil {
		t.Errorf("expected the used restore declaration to stay")
	}
	if m.Global(cont.GlobalContState) != nil {
		t.Errorf("no state global without groups")
	}

	changed, stats, err = cleanup.Run(m, cleanup.DefaultOptions())
	if err != nil || changed || stats.SplitBlocks != 0 {
		t.Errorf("expected a second run to do nothing, got %v, %v", changed, err)
	}
}

package signature_test

import (
	"testing"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
	"rtcont/internal/signature"
)

var systemData = ir.StructOf(ir.I32, ir.I32)

func TestUnmangle(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "\x01?_cont_Traversal@@YAXUSystemData@@@Z", want: "_cont_Traversal", ok: true},
		{in: "?_AmdAwait@@YAXH@Z", want: "_AmdAwait", ok: true},
		{in: "_cont_Traversal", ok: false},
		{in: "?_cont_Traversal", ok: false},
		{in: "?_cont_Traversal@@YAX", ok: false},
		{in: "?@@Z", ok: false},
	}
	for _, tc := range cases {
		got, err := signature.Unmangle(tc.in)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Errorf("Unmangle(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
			}
			continue
		}
		if err == nil {
			t.Errorf("Unmangle(%q) = %q, expected an error", tc.in, got)
		} else if !cont.IsMalformed(err) {
			t.Errorf("Unmangle(%q): expected malformed-input error, got %v", tc.in, err)
		}
	}
}

func TestPromotionMask(t *testing.T) {
	if got := signature.PromotionMask("_AmdAwaitTraversal", 3).Positions(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected await to promote [1 2], got %v", got)
	}
	if got := signature.PromotionMask("_AmdWaitAwaitTraversal", 4).Positions(); len(got) != 2 || got[0] != 2 {
		t.Errorf("expected wait-await to promote [2 3], got %v", got)
	}
	if got := signature.PromotionMask("_cont_Traversal", 1).Positions(); len(got) != 1 || got[0] != 0 {
		t.Errorf("expected traversal to promote [0], got %v", got)
	}
	if signature.PromotionMask("_cont_GetLocalRootIndex", 1).Any() {
		t.Errorf("expected no promotion for unrelated helpers")
	}
}

// buildPromotable creates @callee(ptr %data) that loads field 1 of
// %data, and @caller(ptr %p) that calls it.
func buildPromotable(m *ir.Module) (callee, caller *ir.Func) {
	callee = m.AddFunc(ir.NewFunc("_cont_Traversal", ir.I32, ir.Ptr0))
	signature.SetParamPointees(callee, systemData)
	b := ir.BuilderAtEnd(callee.AddBlock("entry"))
	gep := b.CreateConstGEP(systemData, callee.Params[0], "f", 0, 1)
	v := b.CreateLoad(ir.I32, gep, "v")
	b.CreateRet(v)

	caller = m.AddFunc(ir.NewFunc("caller", ir.I32, ir.Ptr0))
	cb := ir.BuilderAtEnd(caller.AddBlock("entry"))
	call := cb.CreateCall(callee, caller.Params[0])
	cb.CreateRet(call)
	return callee, caller
}

func TestPromotePointerParameters(t *testing.T) {
	m := ir.NewModule("t")
	callee, caller := buildPromotable(m)

	nf, err := signature.PromotePointerParameters(m, callee, signature.MaskOf(1, 0), signature.MetadataPointees{})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if nf == callee {
		t.Fatalf("expected a new function")
	}
	if !nf.Params[0].Ty.Equal(systemData) {
		t.Errorf("expected by-value %s parameter, got %s", systemData, nf.Params[0].Ty)
	}
	if m.Func("_cont_Traversal") != nf {
		t.Errorf("expected the new function to take over the name")
	}

	// callee: the parameter is copied into a slot that replaces the pointer
	entry := nf.Entry()
	if entry.Instrs[0].Op != ir.OpAlloca || !entry.Instrs[0].Elem.Equal(systemData) {
		t.Fatalf("expected a local slot first, got %s", entry.Instrs[0].Op)
	}
	store := entry.Instrs[1]
	if store.Op != ir.OpStore || store.Ops[0] != nf.Params[0] || store.Ops[1] != entry.Instrs[0] {
		t.Errorf("expected the parameter to be stored into the slot")
	}
	gep := entry.Instrs[2]
	if gep.Op != ir.OpGEP || gep.Ops[0] != entry.Instrs[0] {
		t.Errorf("expected field access through the slot")
	}

	// caller: the pointee is loaded before the call
	ce := caller.Entry().Instrs
	if ce[0].Op != ir.OpLoad || ce[0].Ops[0] != caller.Params[0] || !ce[0].Ty.Equal(systemData) {
		t.Fatalf("expected a load of the pointee before the call")
	}
	if ce[1].Op != ir.OpCall || ce[1].Callee() != nf || ce[1].Arg(0) != ce[0] {
		t.Errorf("expected the call to pass the loaded value")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestPromoteNoOps(t *testing.T) {
	m := ir.NewModule("t")
	callee, _ := buildPromotable(m)

	nf, err := signature.PromotePointerParameters(m, callee, signature.MaskOf(1), signature.MetadataPointees{})
	if err != nil || nf != callee {
		t.Errorf("expected empty mask to leave the function alone")
	}
	delete(callee.Meta, cont.MDTypes)
	nf, err = signature.PromotePointerParameters(m, callee, signature.MaskOf(1, 0), signature.MetadataPointees{})
	if err != nil || nf != callee {
		t.Errorf("expected missing pointee information to leave the function alone")
	}
}

func TestLowerOutputParameter(t *testing.T) {
	m := ir.NewModule("t")
	vec := ir.ArrayOf(ir.F32, 3)
	fn := m.AddFunc(ir.NewFunc("_cont_WorldRayOrigin", ir.Void, ir.Ptr0, ir.I32))
	fn.Params[0].Attrs.OutputSlot = vec
	b := ir.BuilderAtEnd(fn.AddBlock("entry"))
	b.CreateStore(ir.Zero(vec), fn.Params[0])
	b.CreateRetVoid()

	caller := m.AddFunc(ir.NewFunc("caller", ir.Void, ir.Ptr0))
	cb := ir.BuilderAtEnd(caller.AddBlock("entry"))
	cb.CreateCall(fn, caller.Params[0], ir.ConstI32(7))
	cb.CreateRetVoid()

	nf, err := signature.LowerOutputParameter(m, fn)
	if err != nil {
		t.Fatalf("lower: %v", err)
	}
	if !nf.Ret.Equal(vec) || len(nf.Params) != 1 || !nf.Params[0].Ty.Equal(ir.I32) {
		t.Fatalf("expected %s (i32), got %s", vec, nf.Signature())
	}
	term := nf.Entry().Terminator()
	if term.Op != ir.OpRet || len(term.Ops) != 1 {
		t.Fatalf("expected a value return")
	}
	if ld, ok := term.Ops[0].(*ir.Instr); !ok || ld.Op != ir.OpLoad {
		t.Errorf("expected the return value to be loaded from the local slot")
	}

	ci := caller.Entry().Instrs
	if len(ci) != 6 || ci[0].Op != ir.OpAlloca || !ci[0].Elem.Equal(vec) {
		t.Fatalf("expected a local temporary first in the caller, got %d instructions", len(ci))
	}
	tmp, call := ci[0], ci[1]
	if call.Op != ir.OpCall || call.Callee() != nf || len(call.Args()) != 1 {
		t.Fatalf("expected a call without the output pointer")
	}
	if ci[2].Op != ir.OpStore || ci[2].Ops[0] != call || ci[2].Ops[1] != tmp {
		t.Errorf("expected the result to land in the temporary")
	}
	if ci[3].Op != ir.OpLoad || ci[3].Ops[0] != tmp {
		t.Errorf("expected the temporary to be reloaded")
	}
	if ci[4].Op != ir.OpStore || ci[4].Ops[0] != ci[3] || ci[4].Ops[1] != caller.Params[0] {
		t.Errorf("expected the result to be stored through the original pointer")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLowerOutputParameterRejectsNonVoid(t *testing.T) {
	m := ir.NewModule("t")
	fn := m.AddFunc(ir.NewFunc("f", ir.I32, ir.Ptr0))
	fn.Params[0].Attrs.OutputSlot = ir.I32
	if _, err := signature.LowerOutputParameter(m, fn); !cont.IsMalformed(err) {
		t.Errorf("expected malformed-input error, got %v", err)
	}
}

func TestUnpackAggregateReturn(t *testing.T) {
	m := ir.NewModule("t")
	mat := ir.ArrayOf(ir.F32, 12)
	wrapped := ir.StructOf(mat, ir.I64)
	fn := m.AddFunc(ir.NewFunc("_cont_ObjectToWorld4x3", wrapped))
	b := ir.BuilderAtEnd(fn.AddBlock("entry"))
	b.CreateRet(ir.Zero(wrapped))

	caller := m.AddFunc(ir.NewFunc("caller", mat, ir.Ptr0))
	cb := ir.BuilderAtEnd(caller.AddBlock("entry"))
	call := cb.CreateCall(fn)
	first := cb.CreateExtractValue(call, 0, 5)
	cb.CreateStore(first, caller.Params[0])
	cb.CreateRet(cb.CreateExtractValue(call, 0))

	nf, err := signature.UnpackAggregateReturn(m, fn)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !nf.Ret.Equal(mat) {
		t.Fatalf("expected %s return, got %s", mat, nf.Ret)
	}
	if m.Func("_cont_ObjectToWorld4x3") != nf {
		t.Fatalf("expected the new function to replace the old one")
	}

	ci := caller.Entry().Instrs
	if ci[0].Op != ir.OpCall || ci[0].Callee() != nf || !ci[0].Ty.Equal(mat) {
		t.Fatalf("expected the call to return %s directly", mat)
	}
	for _, in := range ci {
		if in.Op == ir.OpInsertValue {
			t.Errorf("expected no aggregate to be rebuilt in the caller")
		}
		if in.Op == ir.OpExtractValue && (in.Ops[0] != ci[0] || len(in.Idx) != 1 || in.Idx[0] != 5) {
			t.Errorf("expected only the nested element extract to remain, got %v", in.Idx)
		}
	}
	if ret := caller.Entry().Terminator(); ret.Ops[0] != ci[0] {
		t.Errorf("expected the caller to return the new call result")
	}
	if err := ir.Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestUnpackAggregateReturnRejectsOtherFields(t *testing.T) {
	m := ir.NewModule("t")
	pair := ir.StructOf(ir.I32, ir.I64)
	fn := m.AddFunc(ir.NewFunc("two", pair))
	ir.BuilderAtEnd(fn.AddBlock("entry")).CreateRet(ir.Zero(pair))

	caller := m.AddFunc(ir.NewFunc("caller", ir.I64))
	cb := ir.BuilderAtEnd(caller.AddBlock("entry"))
	cb.CreateRet(cb.CreateExtractValue(cb.CreateCall(fn), 1))

	if _, err := signature.UnpackAggregateReturn(m, fn); !cont.IsMalformed(err) {
		t.Fatalf("expected malformed-input error, got %v", err)
	}
	if m.Func("two") != fn || !fn.Ret.Equal(pair) {
		t.Errorf("expected the module to stay untouched")
	}

	scalar := m.AddFunc(ir.NewFunc("scalar", ir.I32))
	if _, err := signature.UnpackAggregateReturn(m, scalar); !cont.IsMalformed(err) {
		t.Errorf("expected a scalar return to be rejected, got %v", err)
	}
}

func TestPrepareLibrary(t *testing.T) {
	m := ir.NewModule("t")
	fn := m.AddFunc(ir.NewFunc("\x01?_cont_Traversal@@YAXUSystemData@@@Z", ir.Void, ir.Ptr0))
	signature.SetParamPointees(fn, systemData)
	b := ir.BuilderAtEnd(fn.AddBlock("entry"))
	b.CreateRetVoid()
	m.AddFunc(ir.NewFunc("unrelated", ir.Void))

	changed, err := signature.PrepareLibrary(m, signature.MetadataPointees{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !changed {
		t.Fatalf("expected a change")
	}
	got := m.Func("_cont_Traversal")
	if got == nil {
		t.Fatalf("expected the canonical name to be used")
	}
	if !got.Params[0].Ty.Equal(systemData) {
		t.Errorf("expected the system data to be passed by value")
	}
	if !got.Attrs.AlwaysInline {
		t.Errorf("expected always-inline")
	}

	changed, err = signature.PrepareLibrary(m, signature.MetadataPointees{})
	if err != nil || changed {
		t.Errorf("expected a second run to report no change, got %v, %v", changed, err)
	}
}

func TestPrepareLibraryRejectsBrokenMangling(t *testing.T) {
	m := ir.NewModule("t")
	m.AddFunc(ir.NewFunc("?_cont_Traversal", ir.Void))
	if _, err := signature.PrepareLibrary(m, signature.MetadataPointees{}); !cont.IsMalformed(err) {
		t.Errorf("expected malformed-input error, got %v", err)
	}
}

package signature

import (
	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

func copyParam(p *ir.Param) *ir.Param {
	return &ir.Param{Name: p.Name, Ty: p.Ty, Attrs: p.Attrs}
}

// rebuild registers a function with fn's header under a new signature and
// moves fn's body into it. fn stays in the module until ReplaceFunc.
func rebuild(m *ir.Module, fn *ir.Func, ret *ir.Type, params []*ir.Param) *ir.Func {
	nf := ir.CloneHeader(fn, fn.Name, ret, params)
	m.AddFunc(nf)
	nf.TakeBody(fn)
	return nf
}

// callSites returns the direct calls of fn.
func callSites(m *ir.Module, fn *ir.Func) []*ir.Instr {
	var out []*ir.Instr
	for _, u := range m.Users(fn) {
		if u.Op == ir.OpCall && u.Callee() == fn {
			out = append(out, u)
		}
	}
	return out
}

func retargetCall(call *ir.Instr, nf *ir.Func, args []ir.Value) *ir.Instr {
	nc := ir.BuilderBefore(call).CreateCall(nf, args...)
	nc.Name = call.Name
	nc.Meta = call.Meta.Clone()
	return nc
}

// UnpackAggregateReturn rewrites fn, which returns an aggregate with at
// least one field, to return the first field directly. Every call site must
// only extract from that field; its extracts are rewired to the new call so
// no aggregate is left in the caller.
func UnpackAggregateReturn(m *ir.Module, fn *ir.Func) (*ir.Func, error) {
	ret := fn.Ret
	if !ret.IsAggregate() || ret.NumElems() < 1 {
		return nil, cont.Malformed(passName, fn.Name, "return type %s is not an aggregate with at least one field", ret)
	}
	calls := callSites(m, fn)
	for _, call := range calls {
		for _, u := range ir.UsersIn(call.Func(), call) {
			if u.Op != ir.OpExtractValue || u.Ops[0] != call || len(u.Idx) == 0 || u.Idx[0] != 0 {
				return nil, cont.Malformed(passName, fn.Name, "call in %s uses the result beyond its first field", call.Func().Name)
			}
		}
	}

	elem := ret.ElemAt(0)
	params := make([]*ir.Param, len(fn.Params))
	for k, p := range fn.Params {
		params[k] = copyParam(p)
	}
	nf := rebuild(m, fn, elem, params)
	for k, p := range fn.Params {
		ir.ReplaceAllUsesIn(nf, p, nf.Params[k])
	}
	for _, b := range nf.Blocks {
		term := b.Terminator()
		if term == nil || term.Op != ir.OpRet || len(term.Ops) == 0 {
			continue
		}
		term.Ops[0] = ir.BuilderBefore(term).CreateExtractValue(term.Ops[0], 0)
	}

	for _, call := range calls {
		caller := call.Func()
		nc := retargetCall(call, nf, call.Args())
		for _, u := range ir.UsersIn(caller, call) {
			var v ir.Value = nc
			if len(u.Idx) > 1 {
				inner := ir.BuilderBefore(u).CreateExtractValue(nc, u.Idx[1:]...)
				inner.Name = u.Name
				v = inner
			}
			ir.ReplaceAllUsesIn(caller, u, v)
			u.EraseFromParent()
		}
		call.EraseFromParent()
	}
	m.ReplaceFunc(fn, nf)
	return nf, nil
}

// LowerOutputParameter turns the hidden output slot of fn into a real
// return value. The body writes into a local slot that is loaded on every
// return; callers receive the result in a local temporary and store it
// through the pointer they used to pass.
func LowerOutputParameter(m *ir.Module, fn *ir.Func) (*ir.Func, error) {
	if !fn.Ret.IsVoid() {
		return nil, cont.Malformed(passName, fn.Name, "function with an output slot returns %s", fn.Ret)
	}
	slot := -1
	for k, p := range fn.Params {
		if p.Attrs.OutputSlot == nil {
			continue
		}
		if slot >= 0 {
			return nil, cont.Malformed(passName, fn.Name, "more than one output slot parameter")
		}
		slot = k
	}
	if slot < 0 {
		return nil, cont.Malformed(passName, fn.Name, "no output slot parameter")
	}
	retTy := fn.Params[slot].Attrs.OutputSlot

	params := make([]*ir.Param, 0, len(fn.Params)-1)
	for k, p := range fn.Params {
		if k != slot {
			params = append(params, copyParam(p))
		}
	}
	nf := rebuild(m, fn, retTy, params)
	dropPointee(nf, slot)

	if !nf.IsDeclaration() {
		b := ir.NewBuilder()
		b.SetInsertPointPastAllocas(nf)
		local := b.CreateAlloca(retTy, fn.Params[slot].Name+".local")
		j := 0
		for k, p := range fn.Params {
			if k == slot {
				ir.ReplaceAllUsesIn(nf, p, local)
				continue
			}
			ir.ReplaceAllUsesIn(nf, p, nf.Params[j])
			j++
		}
		for _, blk := range nf.Blocks {
			term := blk.Terminator()
			if term == nil || term.Op != ir.OpRet {
				continue
			}
			v := ir.BuilderBefore(term).CreateLoad(retTy, local, "")
			term.Ops = []ir.Value{v}
		}
	}

	for _, call := range callSites(m, fn) {
		args := call.Args()
		out := args[slot]
		rest := make([]ir.Value, 0, len(args)-1)
		rest = append(rest, args[:slot]...)
		rest = append(rest, args[slot+1:]...)
		caller := call.Func()
		tb := ir.NewBuilder()
		tb.SetInsertPointPastAllocas(caller)
		tmp := tb.CreateAlloca(retTy, "out.tmp")

		nc := retargetCall(call, nf, rest)
		nc.Name = ""
		b := ir.BuilderBefore(call)
		b.CreateStore(nc, tmp)
		b.CreateStore(b.CreateLoad(retTy, tmp, ""), out)
		call.EraseFromParent()
	}
	m.ReplaceFunc(fn, nf)
	return nf, nil
}

// PromotePointerParameters passes the parameters selected by mask by value
// instead of by pointer. The callee copies each value into a local slot;
// callers load the pointee before the call. Nothing is written back. fn is
// returned unchanged when the mask is empty, when pointee types are
// unknown, or when no selected parameter is a pointer with a known pointee.
func PromotePointerParameters(m *ir.Module, fn *ir.Func, mask Mask, lookup PointeeLookup) (*ir.Func, error) {
	if !mask.Any() || lookup == nil || !lookup.Known(fn) {
		return fn, nil
	}
	pointees := make(map[int]*ir.Type)
	var promoted []int
	for k, p := range fn.Params {
		if !mask.Has(k) || !p.Ty.IsPtr() {
			continue
		}
		if t, ok := lookup.ParamPointee(fn, k); ok {
			pointees[k] = t
			promoted = append(promoted, k)
		}
	}
	if len(promoted) == 0 {
		return fn, nil
	}

	params := make([]*ir.Param, len(fn.Params))
	for k, p := range fn.Params {
		params[k] = copyParam(p)
		if t, ok := pointees[k]; ok {
			params[k].Ty = t
		}
	}
	nf := rebuild(m, fn, fn.Ret, params)
	for _, k := range promoted {
		clearPointee(nf, k)
	}

	if !nf.IsDeclaration() {
		b := ir.NewBuilder()
		b.SetInsertPointPastAllocas(nf)
		for k, p := range fn.Params {
			t, ok := pointees[k]
			if !ok {
				ir.ReplaceAllUsesIn(nf, p, nf.Params[k])
				continue
			}
			slot := ir.BuilderBefore(nf.Entry().Instrs[0]).CreateAlloca(t, p.Name+".addr")
			ir.ReplaceAllUsesIn(nf, p, slot)
			b.CreateStore(nf.Params[k], slot)
		}
	}

	for _, call := range callSites(m, fn) {
		args := append([]ir.Value(nil), call.Args()...)
		b := ir.BuilderBefore(call)
		for _, k := range promoted {
			args[k] = b.CreateLoad(pointees[k], args[k], "")
		}
		nc := retargetCall(call, nf, args)
		ir.ReplaceAllUsesIn(call.Func(), call, nc)
		call.EraseFromParent()
	}
	m.ReplaceFunc(fn, nf)
	return nf, nil
}

package cleanup

import (
	"fmt"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

// rewriteGroup rebuilds every fragment of gi and swaps the results in.
func (c *context) rewriteGroup(gi *groupInfo) error {
	type pair struct{ old, repl *ir.Func }
	pairs := make([]pair, 0, len(gi.frags))
	for _, fr := range gi.frags {
		nf, err := c.rewriteFragment(gi, fr)
		if err != nil {
			return err
		}
		pairs = append(pairs, pair{old: fr.fn, repl: nf})
	}

	// Swapping rewrites group links and resume addresses as well.
	for _, p := range pairs {
		c.m.ReplaceFunc(p.old, p.repl)
	}
	for _, p := range pairs {
		if p.old == gi.entry {
			cont.SetStateBytes(p.repl, gi.stateBytes)
			continue
		}
		if n, ok := gi.incoming[p.old]; ok {
			cont.SetIncomingRegisterCount(p.repl, n)
		}
	}
	return nil
}

func (c *context) rewriteFragment(gi *groupInfo, fr *fragment) (*ir.Func, error) {
	f := fr.fn
	var params []*ir.Param
	if fr.isEntry {
		for _, p := range f.Params[:len(f.Params)-1] {
			params = append(params, &ir.Param{Name: p.Name, Ty: p.Ty, Attrs: p.Attrs})
		}
	} else {
		for _, p := range f.Params[:fr.leading()] {
			params = append(params, &ir.Param{Name: p.Name, Ty: p.Ty, Attrs: p.Attrs})
		}
		params = append(params, &ir.Param{Name: "returnAddr", Ty: ir.I64})
		for k, rv := range fr.retVals {
			name := rv.Name
			if name == "" {
				name = fmt.Sprintf("ret.%d", k)
			}
			params = append(params, &ir.Param{Name: name, Ty: rv.Ty})
		}
	}

	nf := ir.CloneHeader(f, f.Name+".cont", ir.Void, params)
	if !fr.isEntry {
		delete(nf.Meta, cont.MDEntry)
		delete(nf.Meta, cont.MDStart)
		delete(nf.Meta, cont.MDStackSize)
		nf.Linkage = gi.entry.Linkage
	}
	c.m.AddFunc(nf)
	nf.TakeBody(f)

	if fr.isEntry {
		for k, p := range nf.Params {
			ir.ReplaceAllUsesIn(nf, f.Params[k], p)
		}
	} else {
		lead := fr.leading()
		for k := range lead {
			ir.ReplaceAllUsesIn(nf, f.Params[k], nf.Params[k])
		}
		for k, rv := range fr.retVals {
			ir.ReplaceAllUsesIn(nf, rv, nf.Params[lead+k+1])
			rv.EraseFromParent()
		}
	}
	if fr.slot != nil {
		c.bindStackOffset(nf, fr.slot)
	}
	for _, in := range fr.frees {
		in.EraseFromParent()
	}

	words := gi.stateWords()
	b := ir.NewBuilder()
	b.SetInsertPointPastAllocas(nf)
	var local *ir.Instr
	if words > 0 {
		local = b.CreateAlloca(ir.ArrayOf(ir.I32, words), "cont.state")
	}
	if fr.slotInit != nil {
		// the prologue reads the slot after it is seeded
		blk := fr.slotInit.Parent()
		b.SetInsertPoint(blk.Instrs[blk.IndexOf(fr.slotInit)+1])
	}
	if fr.isEntry {
		if gi.stateBytes > 0 && !gi.outermost {
			b.CreateCall(c.saveFn)
		}
	} else {
		c.copyState(b, local, words, false)
		if gi.stackBytes > 0 {
			b.CreateCall(c.barrier, c.state)
			c.moveStack(b, fr, -int64(gi.stackBytes))
		}
	}

	if fr.frame != nil {
		if local != nil {
			ir.ReplaceAllUsesIn(nf, fr.frame, local)
		} else if fr.frameUsed() {
			return nil, cont.Inconsistent(passName, f.Name, "frame is used but no state was reserved")
		}
		for _, in := range fr.frameDefs {
			in.EraseFromParent()
		}
	}

	for _, ex := range fr.exits {
		switch ex.kind {
		case exitSuspend:
			c.lowerSuspend(gi, fr, nf, ex, local, words)
		case exitComplete:
			c.lowerCompletion(gi, fr, ex, local, words)
		}
	}
	ir.RemoveUnreachableBlocks(nf)
	return nf, nil
}

// lowerSuspend replaces the token return of ex with a continue at every
// call that produced a token.
func (c *context) lowerSuspend(gi *groupInfo, fr *fragment, nf *ir.Func, ex *exit, local *ir.Instr, words uint64) {
	ir.BuilderBefore(ex.term).CreateUnreachable()
	ex.term.EraseFromParent()
	seen := make(map[*ir.Instr]bool, len(ex.chain))
	for _, in := range ex.chain {
		if seen[in] {
			continue
		}
		seen[in] = true
		if ir.InstrHasUses(in) {
			ir.ReplaceAllUsesIn(nf, in, ir.Poison(in.Ty))
		}
		in.EraseFromParent()
	}

	for _, e := range ex.edges {
		call := e.call
		b := ir.BuilderBefore(call)
		resumeAddr := b.CreateCast(ir.OpPtrToInt, e.resume, ir.I64, "resume.addr")
		c.copyState(b, local, words, true)
		if gi.stackBytes > 0 {
			b.CreateCall(c.barrier, c.state)
			c.moveStack(b, fr, int64(gi.stackBytes))
		}
		csp := c.loadStack(b, fr)

		fn := c.continueFn
		args := call.Args()
		target := b.CreateCast(ir.OpPtrToInt, call.Callee(), ir.I64, "callee.addr")
		out := []ir.Value{target}
		if cont.IsWaitAwait(call) {
			fn = c.waitFn
			out = append(out, args[0])
			args = args[1:]
		}
		out = append(out, csp, resumeAddr)
		out = append(out, args...)
		nc := b.CreateCall(fn, out...)
		nc.Meta = call.Meta.Clone()
		delete(nc.Meta, cont.MDWaitAwait)

		terminate(call)
	}
}

// lowerCompletion replaces a completion exit with continuation.complete or
// a continue to the caller.
func (c *context) lowerCompletion(gi *groupInfo, fr *fragment, ex *exit, local *ir.Instr, words uint64) {
	at := ex.term
	if ex.ret != nil {
		at = ex.ret
	}
	b := ir.BuilderBefore(at)
	c.copyState(b, local, words, true)

	var retAddr ir.Value
	if ex.ret != nil {
		retAddr = ex.ret.Arg(0)
	}
	if retAddr == nil || ir.IsUndefOrPoison(retAddr) {
		b.CreateCall(c.completeFn)
	} else {
		if gi.stateBytes > 0 && !gi.outermost {
			b.CreateCall(c.restoreFn)
		}
		csp := c.loadStack(b, fr)
		out := []ir.Value{retAddr, csp}
		out = append(out, ex.ret.Args()[1:]...)
		nc := b.CreateCall(c.continueFn, out...)
		nc.Meta = ex.ret.Meta.Clone()
	}
	terminate(at)
}

// terminate removes in and everything after it from its block and ends the
// block with unreachable. Successors lose the block as a phi predecessor.
func terminate(in *ir.Instr) {
	blk := in.Parent()
	for _, s := range blk.Successors() {
		for _, phi := range s.Phis() {
			phi.RemoveIncoming(blk)
		}
	}
	blk.EraseFrom(in)
	ir.BuilderAtEnd(blk).CreateUnreachable()
}

// copyState copies the local state record to the state global when
// toGlobal is set, and back otherwise.
func (c *context) copyState(b *ir.Builder, local *ir.Instr, words uint64, toGlobal bool) {
	if local == nil {
		return
	}
	localType := local.Elem
	globalType := c.state.ValueType
	for i := range words {
		k, _ := toInt64(i)
		lp := b.CreateConstGEP(localType, local, "", 0, k)
		gp := b.CreateConstGEP(globalType, c.state, "", 0, k)
		if toGlobal {
			v := b.CreateAlignedLoad(ir.I32, lp, cont.RegisterBytes, "")
			b.CreateAlignedStore(v, gp, cont.RegisterBytes)
		} else {
			v := b.CreateAlignedLoad(ir.I32, gp, cont.RegisterBytes, "")
			b.CreateAlignedStore(v, lp, cont.RegisterBytes)
		}
	}
}

// stackSlot returns the pointer to fr's stack pointer: its own slot once
// the stack is lowered, the stack offset accessor otherwise.
func (c *context) stackSlot(b *ir.Builder, fr *fragment) ir.Value {
	if fr.slot != nil {
		return fr.slot
	}
	return b.CreateCall(c.stackOffset)
}

// bindStackOffset points leftover stack offset accessor calls in nf at slot.
func (c *context) bindStackOffset(nf *ir.Func, slot *ir.Instr) {
	for _, in := range nf.Instructions() {
		if cont.IsCallTo(in, cont.FnGetStackOffset) {
			ir.ReplaceAllUsesIn(nf, in, slot)
			in.EraseFromParent()
		}
	}
}

func (c *context) loadStack(b *ir.Builder, fr *fragment) *ir.Instr {
	return b.CreateAlignedLoad(ir.I32, c.stackSlot(b, fr), cont.RegisterBytes, "csp")
}

// moveStack adds delta to the continuation stack pointer.
func (c *context) moveStack(b *ir.Builder, fr *fragment, delta int64) {
	slot := c.stackSlot(b, fr)
	cur := b.CreateAlignedLoad(ir.I32, slot, cont.RegisterBytes, "csp")
	var next *ir.Instr
	if delta >= 0 {
		next = b.CreateAdd(cur, ir.ConstI32(delta), "csp.next")
	} else {
		next = b.CreateSub(cur, ir.ConstI32(-delta), "csp.next")
	}
	b.CreateAlignedStore(next, slot, cont.RegisterBytes)
}

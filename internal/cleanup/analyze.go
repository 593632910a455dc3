package cleanup

import (
	"github.com/samber/lo"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

// edge pairs a token-producing call with the fragment that resumes after it.
type edge struct {
	call   *ir.Instr
	resume *ir.Func
}

type exitKind uint8

const (
	exitSuspend exitKind = iota
	exitComplete
)

// exit is one classified function exit of a fragment.
type exit struct {
	kind exitKind
	term *ir.Instr // ret, or unreachable after continuation.return
	ret  *ir.Instr // continuation.return call, nil if absent
	// chain holds the value construction feeding term, outermost first.
	chain []*ir.Instr
	edges []edge
}

type fragment struct {
	fn      *ir.Func
	isEntry bool
	exits   []*exit
	retVals []*ir.Instr // continuation.getReturnValue calls
	frees   []*ir.Instr
	// frame is the value the body uses to reach the state record; the
	// instructions in frameDefs produce or publish it and are erased.
	frame     ir.Value
	frameDefs []*ir.Instr
	// slot is the i32 stack pointer slot of an already stack-lowered
	// fragment, nil otherwise; slotInit is the store initializing it.
	slot     *ir.Instr
	slotInit *ir.Instr
}

// leading is the number of parameters a resume fragment keeps in front of
// its return address.
func (fr *fragment) leading() int {
	if fr.slot != nil && !fr.isEntry {
		return 1
	}
	return 0
}

// groupInfo is everything Cleanup learns about a group before it touches
// the IR.
type groupInfo struct {
	entry      *ir.Func
	frags      []*fragment
	malloc     *ir.Instr
	stateBytes uint32
	stackBytes uint32
	outermost  bool
	incoming   map[*ir.Func]uint32
}

func (gi *groupInfo) stateWords() uint64 {
	return ir.AlignTo(uint64(gi.stateBytes), cont.RegisterBytes) / cont.RegisterBytes
}

func analyzeGroup(g *cont.Group) (*groupInfo, error) {
	gi := &groupInfo{
		entry:      g.Entry,
		stackBytes: cont.StackSize(g.Entry),
		outermost:  cont.IsPipelineEntry(g.Entry),
		incoming:   make(map[*ir.Func]uint32),
	}
	if added, ok := cont.StackLowered(g.Entry); ok {
		if added > gi.stackBytes {
			return nil, cont.Inconsistent(passName, g.Entry.Name, "stack lowering added %d bytes to a stack of %d", added, gi.stackBytes)
		}
		gi.stackBytes -= added
	}
	for _, f := range g.Fragments {
		fr, err := gi.scanFragment(f, f == g.Entry)
		if err != nil {
			return nil, err
		}
		gi.frags = append(gi.frags, fr)
	}

	for _, fr := range gi.frags {
		if err := gi.resolveFrame(fr); err != nil {
			return nil, err
		}
	}
	if err := gi.sizeState(); err != nil {
		return nil, err
	}
	if err := gi.checkEdges(g); err != nil {
		return nil, err
	}
	return gi, nil
}

func (gi *groupInfo) scanFragment(f *ir.Func, isEntry bool) (*fragment, error) {
	fr := &fragment{fn: f, isEntry: isEntry}
	if isEntry && len(f.Params) == 0 {
		return nil, cont.Malformed(passName, f.Name, "entry fragment has no frame buffer parameter")
	}
	_, lowered := cont.StackLowered(f)
	if !isEntry {
		switch {
		case !lowered && len(f.Params) != 1:
			return nil, cont.Malformed(passName, f.Name, "resume fragment takes %d parameters, want the frame only", len(f.Params))
		case lowered && len(f.Params) != 2:
			return nil, cont.Malformed(passName, f.Name, "resume fragment takes %d parameters, want the stack pointer and the frame", len(f.Params))
		case lowered && !f.Params[0].Ty.Equal(ir.I32):
			return nil, cont.Malformed(passName, f.Name, "stack pointer parameter has type %s", f.Params[0].Ty)
		}
	}
	if lowered {
		init, err := stackSlotInit(f, isEntry)
		if err != nil {
			return nil, err
		}
		fr.slotInit = init
		fr.slot = init.Ops[1].(*ir.Instr)
	}
	for _, in := range f.Instructions() {
		switch {
		case cont.IsCallTo(in, cont.FnMalloc):
			if !isEntry {
				return nil, cont.Malformed(passName, f.Name, "state allocation outside the entry fragment")
			}
			if gi.malloc != nil {
				return nil, cont.Malformed(passName, f.Name, "more than one state allocation")
			}
			gi.malloc = in
		case cont.IsCallTo(in, cont.FnFree):
			fr.frees = append(fr.frees, in)
		case cont.IsCallTo(in, cont.FnGetReturnValue):
			if isEntry {
				return nil, cont.Malformed(passName, f.Name, "entry fragment reads a return value")
			}
			if in.Parent() != f.Entry() {
				return nil, cont.Malformed(passName, f.Name, "return value read outside the entry block")
			}
			fr.retVals = append(fr.retVals, in)
		}
	}
	for _, blk := range f.Blocks {
		term := blk.Terminator()
		if term == nil {
			return nil, cont.Malformed(passName, f.Name, "block %s has no terminator", blk.Name)
		}
		ex, err := classifyExit(f, term)
		if err != nil {
			return nil, err
		}
		if ex != nil {
			fr.exits = append(fr.exits, ex)
		}
	}
	return fr, nil
}

// classifyExit recognizes suspend and completion exits. Other terminators
// yield nil.
func classifyExit(f *ir.Func, term *ir.Instr) (*exit, error) {
	prev := previous(term)
	switch term.Op {
	case ir.OpUnreachable:
		if prev != nil && cont.IsCallTo(prev, cont.FnReturn) {
			return completion(f, term, prev)
		}
		return nil, nil
	case ir.OpRet:
	default:
		return nil, nil
	}
	if len(term.Ops) == 0 || ir.IsUndefOrPoison(term.Ops[0]) || ir.IsNullValue(term.Ops[0]) {
		var ret *ir.Instr
		if prev != nil && cont.IsCallTo(prev, cont.FnReturn) {
			ret = prev
		}
		return completion(f, term, ret)
	}
	ex := &exit{kind: exitSuspend, term: term}
	if err := ex.walk(f, term.Ops[0]); err != nil {
		return nil, err
	}
	return ex, nil
}

func completion(f *ir.Func, term, ret *ir.Instr) (*exit, error) {
	if ret != nil {
		args := ret.Args()
		if len(args) == 0 {
			return nil, cont.Malformed(passName, f.Name, "%s without a return address", cont.FnReturn)
		}
		if !args[0].Type().Equal(ir.I64) && !ir.IsUndefOrPoison(args[0]) {
			return nil, cont.Malformed(passName, f.Name, "return address has type %s", args[0].Type())
		}
	}
	return &exit{kind: exitComplete, term: term, ret: ret}, nil
}

func previous(in *ir.Instr) *ir.Instr {
	blk := in.Parent()
	k := blk.IndexOf(in)
	if k <= 0 {
		return nil
	}
	return blk.Instrs[k-1]
}

// walk follows the {resume function, token} construction v back to the
// calls that produced the tokens. The construction may be merged by a phi,
// either of whole aggregates or of its two elements.
func (ex *exit) walk(f *ir.Func, v ir.Value) error {
	if phi, ok := v.(*ir.Instr); ok && phi.Op == ir.OpPhi && phi.Ty.IsAggregate() {
		ex.chain = append(ex.chain, phi)
		for _, in := range phi.Ops {
			if err := ex.walk(f, in); err != nil {
				return err
			}
		}
		return nil
	}

	var token, resume ir.Value
	for {
		iv, ok := v.(*ir.Instr)
		if !ok || iv.Op != ir.OpInsertValue {
			break
		}
		if len(iv.Idx) != 1 {
			return cont.Malformed(passName, f.Name, "suspend value is not a flat {resume, token} pair")
		}
		switch iv.Idx[0] {
		case 0:
			if resume == nil {
				resume = iv.Ops[1]
			}
		case 1:
			if token == nil {
				token = iv.Ops[1]
			}
		}
		ex.chain = append(ex.chain, iv)
		v = iv.Ops[0]
	}
	if c, ok := v.(*ir.Const); ok && c.Kind == ir.ConstAggregate && resume == nil && len(c.Elems) > 0 {
		resume = c.Elems[0]
	}
	if token == nil || resume == nil {
		return cont.Malformed(passName, f.Name, "return value is neither a suspend pair nor a completion")
	}
	token = ex.stripCast(token)
	resume = ex.stripCast(resume)

	tokenPhi, ok := token.(*ir.Instr)
	if !ok || tokenPhi.Op != ir.OpPhi {
		return ex.addEdge(f, token, resume)
	}
	resumePhi, ok := resume.(*ir.Instr)
	if !ok || resumePhi.Op != ir.OpPhi {
		return cont.Malformed(passName, f.Name, "token is merged by a phi but the resume function is not")
	}
	ex.chain = append(ex.chain, tokenPhi, resumePhi)
	for k, in := range tokenPhi.Ops {
		rv, ok := resumePhi.IncomingFor(tokenPhi.Blocks[k])
		if !ok {
			return cont.Malformed(passName, f.Name, "no resume function flows in from %s", tokenPhi.Blocks[k].Name)
		}
		if err := ex.addEdge(f, ex.stripCast(in), ex.stripCast(rv)); err != nil {
			return err
		}
	}
	return nil
}

func (ex *exit) stripCast(v ir.Value) ir.Value {
	for {
		in, ok := v.(*ir.Instr)
		if !ok || in.Op != ir.OpBitCast {
			return v
		}
		ex.chain = append(ex.chain, in)
		v = in.Ops[0]
	}
}

func (ex *exit) addEdge(f *ir.Func, token, resume ir.Value) error {
	call, ok := token.(*ir.Instr)
	if !ok || call.Op != ir.OpCall {
		return cont.Malformed(passName, f.Name, "token %s is not produced by a call", token.Ident())
	}
	fn, ok := resume.(*ir.Func)
	if !ok {
		return cont.Malformed(passName, f.Name, "resume target %s is not a function", resume.Ident())
	}
	if cont.IsWaitAwait(call) && len(call.Args()) == 0 {
		return cont.Malformed(passName, f.Name, "wait call without a wait mask")
	}
	ex.edges = append(ex.edges, edge{call: call, resume: fn})
	return nil
}

// stackSlotInit finds the store initializing the i32 slot a stack-lowered
// fragment keeps its stack pointer in: an entry block alloca set from the
// incoming stack pointer, or from the driver's stack address in an entry.
func stackSlotInit(f *ir.Func, isEntry bool) (*ir.Instr, error) {
	for _, in := range f.Entry().Instrs {
		if in.Op != ir.OpStore {
			continue
		}
		slot, ok := in.Ops[1].(*ir.Instr)
		if !ok || slot.Op != ir.OpAlloca || !slot.Elem.Equal(ir.I32) {
			continue
		}
		init, _ := in.Ops[0].(*ir.Instr)
		if isEntry && init != nil && cont.IsCallTo(init, cont.FnStackAddr) {
			return in, nil
		}
		if !isEntry && in.Ops[0] == ir.Value(f.Params[0]) {
			return in, nil
		}
	}
	return nil, cont.Malformed(passName, f.Name, "stack-lowered fragment has no stack pointer slot")
}

// resolveFrame finds the value through which fr reaches the state record.
// Without an explicit allocation it is the buffer parameter, always the
// last one. With one, the entry publishes the allocation through the
// buffer and resume fragments load it back.
func (gi *groupInfo) resolveFrame(fr *fragment) error {
	f := fr.fn
	buffer := f.Params[len(f.Params)-1]
	if gi.malloc == nil {
		if len(ir.UsesIn(f, buffer)) > 0 {
			fr.frame = buffer
		}
		return nil
	}

	if fr.isEntry {
		fr.frame = gi.malloc
		for _, u := range ir.UsersIn(f, buffer) {
			if u.Op == ir.OpStore && u.Ops[1] == buffer && u.Ops[0] == gi.malloc {
				fr.frameDefs = append(fr.frameDefs, u)
				continue
			}
			return cont.Malformed(passName, f.Name, "frame buffer is used by %s", u.Op)
		}
		fr.frameDefs = append(fr.frameDefs, gi.malloc)
		return nil
	}

	for _, u := range ir.UsersIn(f, buffer) {
		if u.Op != ir.OpLoad {
			return cont.Malformed(passName, f.Name, "frame buffer is used by %s", u.Op)
		}
		if fr.frame != nil {
			return cont.Malformed(passName, f.Name, "frame pointer is loaded more than once")
		}
		fr.frame = u
		fr.frameDefs = append(fr.frameDefs, u)
	}
	return nil
}

// sizeState decides the state size: exactly the allocation size when there
// is one, the minimum when the frame is touched anyway, zero otherwise.
func (gi *groupInfo) sizeState() error {
	if gi.malloc != nil {
		v, ok := ir.ConstIntValue(gi.malloc.Arg(0))
		if !ok {
			return cont.Malformed(passName, gi.entry.Name, "state allocation size is not a constant")
		}
		n, ok := toUint32(v)
		if !ok {
			return cont.Malformed(passName, gi.entry.Name, "state allocation of %d bytes", v)
		}
		gi.stateBytes = n
	}
	if gi.malloc != nil {
		return nil
	}
	used := lo.ContainsBy(gi.frags, (*fragment).frameUsed)
	if used && gi.stateBytes < cont.MinimumContinuationStateBytes {
		gi.stateBytes = cont.MinimumContinuationStateBytes
	}
	return nil
}

// checkEdges validates every suspend edge and derives the incoming register
// count of each resume fragment from the calls that target it.
func (gi *groupInfo) checkEdges(g *cont.Group) error {
	resumes := lo.SliceToMap(g.Fragments[1:], func(f *ir.Func) (*ir.Func, bool) { return f, true })
	for _, fr := range gi.frags {
		for _, ex := range fr.exits {
			for _, e := range ex.edges {
				if !resumes[e.resume] {
					return cont.Malformed(passName, fr.fn.Name, "%s is not a resume fragment of group %s", e.resume.Name, gi.entry.Name)
				}
				n, ok := cont.OutgoingRegisterCount(e.call)
				if !ok {
					return cont.Malformed(passName, fr.fn.Name, "suspend call has no %s metadata", cont.MDRegisterCount)
				}
				if prev, seen := gi.incoming[e.resume]; seen && prev != n {
					return cont.Inconsistent(passName, e.resume.Name, "suspend calls pass %d and %d registers", prev, n)
				}
				gi.incoming[e.resume] = n
			}
		}
	}
	return nil
}

// frameUsed reports whether anything besides the frame's own definitions
// reads the frame.
func (fr *fragment) frameUsed() bool {
	if fr.frame == nil {
		return false
	}
	return lo.ContainsBy(ir.UsersIn(fr.fn, fr.frame), func(u *ir.Instr) bool {
		return !lo.Contains(fr.frameDefs, u)
	})
}

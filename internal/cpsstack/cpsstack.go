// Package cpsstack lowers the symbolic continuation stack.
//
// Stack pointers live in their own address space and are rewritten to
// 32-bit byte offsets held in a per-function slot. Allocations move the
// offset up, frees move it down and peeks read below it without moving it.
// Loads and stores through stack pointers address the backing address
// space, optionally relative to a global memory base.
package cpsstack

import (
	"fmt"
	"strings"

	"fortio.org/safecast"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
	"rtcont/internal/typelower"
)

const passName = "lower-cps-stack"

// Options configures the lowering.
type Options struct {
	// BackingAddrSpace is the address space the stack is placed in,
	// scratch or global memory.
	BackingAddrSpace uint32
}

// DefaultOptions places the stack in scratch memory.
func DefaultOptions() Options {
	return Options{BackingAddrSpace: cont.AddrSpaceScratch}
}

// Stats reports what one run did.
type Stats struct {
	Functions  int
	StackBytes map[string]uint32 // group entry name -> peak bytes
}

// Run lowers every fragment and every function that uses the symbolic
// stack. Entry fragments start from the driver's stack address; other
// fragments receive the stack pointer as a new leading i32 parameter. The
// peak usage of each group is added to the stack size of its entry, and
// every fragment is marked so cleanup can still run afterwards.
func Run(m *ir.Module, opts Options) (bool, *Stats, error) {
	if opts.BackingAddrSpace != cont.AddrSpaceScratch && opts.BackingAddrSpace != cont.AddrSpaceGlobal {
		return false, nil, fmt.Errorf("%s: unsupported backing address space %d", passName, opts.BackingAddrSpace)
	}
	groups, err := cont.CollectGroups(m, passName)
	if err != nil {
		return false, nil, err
	}
	stats := &Stats{StackBytes: make(map[string]uint32)}

	seen := make(map[*ir.Func]bool)
	for _, g := range groups {
		var peak uint32
		for k, f := range g.Fragments {
			seen[f] = true
			nf, used, err := lowerFunc(m, f, opts, k != 0)
			if err != nil {
				return true, nil, err
			}
			if k == 0 {
				g.Entry = nf
			}
			cont.SetStackLowered(nf, 0)
			peak = max(peak, used)
			stats.Functions++
		}
		if peak > 0 {
			cont.SetStackSize(g.Entry, cont.StackSize(g.Entry)+peak)
		}
		cont.SetStackLowered(g.Entry, peak)
		stats.StackBytes[g.Entry.Name] = peak
	}

	for _, f := range m.Definitions() {
		if seen[f] || !usesStack(f) {
			continue
		}
		if _, _, err := lowerFunc(m, f, opts, false); err != nil {
			return true, nil, err
		}
		stats.Functions++
	}

	removeDeadDeclarations(m)
	return stats.Functions > 0, stats, nil
}

// IsStackPointer reports whether t is a symbolic stack pointer.
func IsStackPointer(t *ir.Type) bool { return t.IsPtrIn(cont.AddrSpaceStack) }

// usesStack reports whether f calls a stack primitive.
func usesStack(f *ir.Func) bool {
	for _, in := range f.Instructions() {
		if in.Op != ir.OpCall {
			continue
		}
		if callee := in.CalledFunc(); callee != nil && isStackOp(callee.Name) {
			return true
		}
	}
	return false
}

func isStackOp(name string) bool {
	return strings.HasPrefix(name, "lgc.cps.") || name == cont.FnGetStackOffset
}

func removeDeadDeclarations(m *ir.Module) {
	for _, f := range append([]*ir.Func(nil), m.Funcs...) {
		if f.IsDeclaration() && isStackOp(f.Name) && !m.HasUses(f) {
			m.RemoveFunc(f)
		}
	}
}

// lowerFunc lowers f and returns the function that replaces it together
// with the number of stack bytes it allocates.
func lowerFunc(m *ir.Module, f *ir.Func, opts Options, incoming bool) (*ir.Func, uint32, error) {
	l := &lowerer{m: m, opts: opts}
	if err := l.bind(f, incoming); err != nil {
		return nil, 0, err
	}
	if err := l.lower(); err != nil {
		return nil, 0, err
	}
	return l.fn, l.stackBytes, nil
}

type stage uint8

const (
	stageUninitialized stage = iota
	stageBound
	stageLowered
)

// lowerer is the state of one function's lowering.
type lowerer struct {
	m          *ir.Module
	opts       Options
	stage      stage
	fn         *ir.Func
	tl         *typelower.TypeLowering
	csp        *ir.Instr // i32 slot holding the current stack offset
	base       ir.Value  // global memory base, nil when offsets are absolute
	stackBytes uint32
}

// bind creates the stack pointer slot and initializes it.
func (l *lowerer) bind(f *ir.Func, incoming bool) error {
	if l.stage != stageUninitialized {
		return fmt.Errorf("%s: %s bound twice", passName, f.Name)
	}
	if incoming {
		f = addIncomingStackPointer(l.m, f)
	}
	l.fn = f

	b := ir.NewBuilder()
	b.SetInsertPointPastAllocas(f)
	l.csp = b.CreateAlloca(ir.I32, "csp")

	var init ir.Value
	if incoming {
		init = f.Params[0]
	} else {
		getAddr, err := cont.Declare(l.m, passName, cont.FnStackAddr, ir.I32)
		if err != nil {
			return err
		}
		init = b.CreateCall(getAddr)
	}
	b.CreateStore(init, l.csp)

	if l.opts.BackingAddrSpace == cont.AddrSpaceGlobal {
		if getBase := l.m.Func(cont.FnStackGlobalMemBase); getBase != nil {
			if len(getBase.Params) != 0 || !getBase.Ret.IsInt() {
				return cont.Malformed(passName, f.Name, "%s has signature %s", getBase.Name, getBase.Signature())
			}
			raw := b.CreateCall(getBase)
			l.base = b.CreateCast(ir.OpIntToPtr, raw, ir.Ptr(l.opts.BackingAddrSpace), "stack.base")
		}
	}
	l.stage = stageBound
	return nil
}

// addIncomingStackPointer rebuilds f with a leading i32 stack pointer
// parameter.
func addIncomingStackPointer(m *ir.Module, f *ir.Func) *ir.Func {
	params := make([]*ir.Param, 0, len(f.Params)+1)
	params = append(params, &ir.Param{Name: "cspInit", Ty: ir.I32})
	for _, p := range f.Params {
		params = append(params, &ir.Param{Name: p.Name, Ty: p.Ty, Attrs: p.Attrs})
	}
	nf := ir.CloneHeader(f, f.Name, f.Ret, params)
	m.AddFunc(nf)
	nf.TakeBody(f)
	for k, p := range f.Params {
		ir.ReplaceAllUsesIn(nf, p, nf.Params[k+1])
	}
	m.ReplaceFunc(f, nf)
	return nf
}

func (l *lowerer) lower() error {
	if l.stage != stageBound {
		return fmt.Errorf("%s: %s lowered before its stack pointer was bound", passName, l.fn.Name)
	}
	l.tl = typelower.New(l.m)
	l.tl.AddRule(typelower.RuleFunc(func(_ *typelower.TypeLowering, t *ir.Type) ([]*ir.Type, bool) {
		if IsStackPointer(t) {
			return []*ir.Type{ir.I32}, true
		}
		return nil, false
	}))
	nf, err := l.tl.LowerFunctionArguments(l.fn)
	if err != nil {
		return err
	}
	l.fn = nf

	for _, blk := range ir.ReversePostOrder(l.fn) {
		for _, in := range append([]*ir.Instr(nil), blk.Instrs...) {
			if in == l.csp {
				continue
			}
			if err := l.visit(in); err != nil {
				return err
			}
		}
	}
	l.tl.FinishPhis()
	if err := l.tl.FinishCleanup(); err != nil {
		return fmt.Errorf("%s: %s: %w", passName, l.fn.Name, err)
	}
	l.stage = stageLowered
	return nil
}

func (l *lowerer) visit(in *ir.Instr) error {
	switch in.Op {
	case ir.OpCall:
		if callee := in.CalledFunc(); callee != nil && isStackOp(callee.Name) {
			return l.visitStackOp(callee.Name, in)
		}
	case ir.OpGEP:
		if IsStackPointer(in.Ty) {
			return l.visitGEP(in)
		}
	case ir.OpLoad, ir.OpStore:
		if IsStackPointer(in.PointerOperand().Type()) {
			l.retargetAccess(in)
		}
	case ir.OpPtrToInt:
		if IsStackPointer(in.Ops[0].Type()) {
			off := l.tl.GetValue(in.Ops[0])[0]
			l.tl.ReplaceInstruction(in, []ir.Value{ir.BuilderBefore(in).CreateZExtOrTrunc(off, in.Ty, in.Name)})
			return nil
		}
	case ir.OpIntToPtr:
		if IsStackPointer(in.Ty) {
			l.tl.ReplaceInstruction(in, []ir.Value{ir.BuilderBefore(in).CreateZExtOrTrunc(in.Ops[0], ir.I32, in.Name)})
			return nil
		}
	case ir.OpBitCast, ir.OpAddrSpaceCast:
		if IsStackPointer(in.Ops[0].Type()) {
			l.visitCast(in)
			return nil
		}
	case ir.OpICmp:
		if IsStackPointer(in.Ops[0].Type()) {
			for k, op := range in.Ops {
				in.Ops[k] = l.tl.GetValue(op)[0]
			}
			return nil
		}
	}
	l.tl.VisitInstruction(in)
	return nil
}

func (l *lowerer) loadCsp(b *ir.Builder) *ir.Instr {
	return b.CreateAlignedLoad(ir.I32, l.csp, cont.StackAlignment, "csp.cur")
}

// stackOpSize returns the aligned constant size operand of a stack op.
func (l *lowerer) stackOpSize(in *ir.Instr) (int64, error) {
	v, ok := ir.ConstIntValue(in.Arg(0))
	u, err := safecast.Conv[uint64](v)
	if !ok || err != nil {
		return 0, cont.Malformed(passName, l.fn.Name, "%s size is not a non-negative constant", in.CalledFunc().Name)
	}
	aligned, err := safecast.Conv[int64](ir.AlignTo(u, cont.StackAlignment))
	if err != nil {
		return 0, cont.Malformed(passName, l.fn.Name, "stack size %d overflows", v)
	}
	return aligned, nil
}

func (l *lowerer) visitStackOp(name string, in *ir.Instr) error {
	b := ir.BuilderBefore(in)
	switch name {
	case cont.FnStackAlloc:
		size, err := l.stackOpSize(in)
		if err != nil {
			return err
		}
		n, err := safecast.Conv[uint32](size)
		if err != nil {
			return cont.Malformed(passName, l.fn.Name, "allocation of %d bytes", size)
		}
		l.stackBytes += n
		vsp := l.loadCsp(b)
		b.CreateAlignedStore(b.CreateAdd(vsp, ir.ConstI32(size), "csp.next"), l.csp, cont.StackAlignment)
		l.tl.ReplaceInstruction(in, []ir.Value{vsp})
	case cont.FnStackFree:
		size, err := l.stackOpSize(in)
		if err != nil {
			return err
		}
		vsp := l.loadCsp(b)
		// the stack grows upwards
		b.CreateAlignedStore(b.CreateSub(vsp, ir.ConstI32(size), "csp.next"), l.csp, cont.StackAlignment)
		l.tl.ReplaceInstruction(in, nil)
	case cont.FnStackPeek:
		size, err := l.stackOpSize(in)
		if err != nil {
			return err
		}
		vsp := l.loadCsp(b)
		l.tl.ReplaceInstruction(in, []ir.Value{b.CreateSub(vsp, ir.ConstI32(size), "peek")})
	case cont.FnStackSetVSP:
		b.CreateAlignedStore(l.tl.GetValue(in.Arg(0))[0], l.csp, cont.StackAlignment)
		l.tl.ReplaceInstruction(in, nil)
	case cont.FnStackGetVSP:
		l.tl.ReplaceInstruction(in, []ir.Value{l.loadCsp(b)})
	case cont.FnGetStackOffset:
		ir.ReplaceAllUsesIn(l.fn, in, l.csp)
		l.tl.EraseInstruction(in)
	default:
		return cont.Malformed(passName, l.fn.Name, "unknown stack operation %s", name)
	}
	return nil
}

// visitGEP turns address arithmetic on a stack pointer into an add chain
// on its offset.
func (l *lowerer) visitGEP(gep *ir.Instr) error {
	constOff, vars, err := l.m.Layout.GEPOffsets(gep)
	if err != nil {
		return cont.Malformed(passName, l.fn.Name, "%v", err)
	}
	b := ir.BuilderBefore(gep)
	chain := l.tl.GetValue(gep.Ops[0])[0]
	if constOff != 0 {
		chain = b.CreateAdd(chain, ir.ConstI32(constOff), gep.Name)
	}
	for _, v := range vars {
		scaled := b.CreateZExtOrTrunc(v.Index, ir.I32, "")
		if v.Scale != 1 {
			scaled = b.CreateMul(scaled, ir.ConstI32(v.Scale), "")
		}
		chain = b.CreateAdd(chain, scaled, gep.Name)
	}
	l.tl.ReplaceInstruction(gep, []ir.Value{chain})
	return nil
}

// realAddress turns a stack offset into a pointer in the backing space.
func (l *lowerer) realAddress(b *ir.Builder, off ir.Value) ir.Value {
	if l.base != nil {
		return b.CreateByteGEP(l.base, off, "")
	}
	return b.CreateCast(ir.OpIntToPtr, off, ir.Ptr(l.opts.BackingAddrSpace), "")
}

func (l *lowerer) retargetAccess(in *ir.Instr) {
	off := l.tl.GetValue(in.PointerOperand())[0]
	addr := l.realAddress(ir.BuilderBefore(in), off)
	if in.Op == ir.OpLoad {
		in.Ops[0] = addr
	} else {
		in.Ops[1] = addr
	}
}

func (l *lowerer) visitCast(in *ir.Instr) {
	off := l.tl.GetValue(in.Ops[0])[0]
	if IsStackPointer(in.Ty) {
		l.tl.ReplaceInstruction(in, []ir.Value{off})
		return
	}
	b := ir.BuilderBefore(in)
	addr := l.realAddress(b, off)
	if !addr.Type().Equal(in.Ty) {
		addr = b.CreateCast(ir.OpAddrSpaceCast, addr, in.Ty, in.Name)
	}
	l.tl.ReplaceInstruction(in, []ir.Value{addr})
}

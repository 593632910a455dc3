// Package cont holds the constants, metadata conventions and helper
// declarations shared by the continuation passes.
package cont

import (
	"strings"

	"fortio.org/safecast"

	"rtcont/internal/ir"
)

// Sizes in bytes.
const (
	// RegisterBytes is the width of one register.
	RegisterBytes = 4
	// MinimumContinuationStateBytes is the state size reserved when a group
	// touches its frame without an explicit allocation.
	MinimumContinuationStateBytes = 8
	// StackAlignment is the alignment of continuation stack allocations.
	StackAlignment = 4
	// StateRegisterCount is the number of continuation state words kept in
	// registers. Everything beyond lives in global memory.
	StateRegisterCount = 0
)

// Address spaces.
const (
	AddrSpaceGeneric  uint32 = 0
	AddrSpaceRegister uint32 = 20 // fast per-lane storage
	AddrSpaceScratch  uint32 = 21 // scratch memory backing the stack
	AddrSpaceGlobal   uint32 = 22 // global memory backing stack or overflow
	AddrSpaceStack    uint32 = 32 // symbolic continuation stack
)

// Metadata names.
const (
	MDGroup          = "continuation"
	MDStart          = "continuation.start"
	MDEntry          = "continuation.entry"
	MDStackSize      = "continuation.stacksize"
	MDStackLowered   = "continuation.stack.lowered"
	MDState          = "continuation.state"
	MDRegisterCount  = "continuation.registercount"
	MDWaitAwait      = "continuation.wait.await"
	MDRegisterBuffer = "registerbuffer"
	MDTypes          = "types"
)

// Helper function names.
const (
	FnContinue           = "continuation.continue"
	FnWaitContinue       = "continuation.waitContinue"
	FnComplete           = "continuation.complete"
	FnReturn             = "continuation.return"
	FnMalloc             = "continuation.malloc"
	FnFree               = "continuation.free"
	FnGetReturnValue     = "continuation.getReturnValue"
	FnSaveState          = "continuation.save.continuation_state"
	FnRestoreState       = "continuation.restore.continuation_state"
	FnGetStackOffset     = "continuation.getContinuationStackOffset"
	FnSetPointerBarrier  = "registerbuffer.setpointerbarrier"
	FnGetPointerPrefix   = "registerbuffer.getpointer"
	FnRestoreSystemData  = "_AmdRestoreSystemData"
	FnStackAddr          = "_cont_GetContinuationStackAddr"
	FnStackGlobalMemBase = "_cont_GetContinuationStackGlobalMemBase"

	FnStackAlloc  = "lgc.cps.alloc"
	FnStackFree   = "lgc.cps.free"
	FnStackPeek   = "lgc.cps.peek"
	FnStackSetVSP = "lgc.cps.set.vsp"
	FnStackGetVSP = "lgc.cps.get.vsp"

	FnLifetimeStart = "llvm.lifetime.start"
	FnLifetimeEnd   = "llvm.lifetime.end"
)

// GlobalContState is the name of the shared continuation state global.
const GlobalContState = "CONTINUATION_STATE"

// IsDriverName reports whether name belongs to the driver library.
func IsDriverName(name string) bool {
	return strings.Contains(name, "_cont_") || strings.Contains(name, "_Amd")
}

// IsCallTo reports whether in is a direct call to a function named name.
func IsCallTo(in *ir.Instr, name string) bool {
	if in.Op != ir.OpCall {
		return false
	}
	f := in.CalledFunc()
	return f != nil && f.Name == name
}

// IsCallWithPrefix reports whether in directly calls a function whose name
// starts with prefix.
func IsCallWithPrefix(in *ir.Instr, prefix string) bool {
	if in.Op != ir.OpCall {
		return false
	}
	f := in.CalledFunc()
	return f != nil && strings.HasPrefix(f.Name, prefix)
}

func toUint32(v uint64) (uint32, bool) {
	u, err := safecast.Conv[uint32](v)
	return u, err == nil
}

// IncomingRegisterCount returns the number of registers f receives.
func IncomingRegisterCount(f *ir.Func) (uint32, bool) {
	v, ok := f.MetaInt(MDRegisterCount)
	if !ok {
		return 0, false
	}
	return toUint32(v)
}

// SetIncomingRegisterCount records the number of registers f receives.
func SetIncomingRegisterCount(f *ir.Func, n uint32) {
	ir.SetMetaInt(&f.Meta, MDRegisterCount, uint64(n))
}

// OutgoingRegisterCount returns the number of registers a call passes.
func OutgoingRegisterCount(call *ir.Instr) (uint32, bool) {
	v, ok := call.MetaInt(MDRegisterCount)
	if !ok {
		return 0, false
	}
	return toUint32(v)
}

// SetOutgoingRegisterCount records the number of registers a call passes.
func SetOutgoingRegisterCount(call *ir.Instr, n uint32) {
	ir.SetMetaInt(&call.Meta, MDRegisterCount, uint64(n))
}

// IsWaitAwait reports whether call carries the wait marker.
func IsWaitAwait(call *ir.Instr) bool { return call.Meta.Has(MDWaitAwait) }

// StackSize returns the stack bytes recorded for an entry fragment.
func StackSize(f *ir.Func) uint32 {
	v, ok := f.MetaInt(MDStackSize)
	if !ok {
		return 0
	}
	n, _ := toUint32(v)
	return n
}

// SetStackSize records the stack bytes of an entry fragment.
func SetStackSize(f *ir.Func, n uint32) { ir.SetMetaInt(&f.Meta, MDStackSize, uint64(n)) }

// StackLowered reports whether f already keeps its stack pointer in an i32
// slot, and for a group entry how many of its stack bytes the lowering
// added.
func StackLowered(f *ir.Func) (uint32, bool) {
	v, ok := f.MetaInt(MDStackLowered)
	if !ok {
		return 0, false
	}
	n, _ := toUint32(v)
	return n, true
}

// SetStackLowered marks f as stack lowered. added is the peak the lowering
// added to the stack size of a group entry, zero elsewhere.
func SetStackLowered(f *ir.Func, added uint32) {
	ir.SetMetaInt(&f.Meta, MDStackLowered, uint64(added))
}

// StateBytes returns the continuation state size of an entry fragment.
func StateBytes(f *ir.Func) (uint32, bool) {
	v, ok := f.MetaInt(MDState)
	if !ok {
		return 0, false
	}
	return toUint32(v)
}

// SetStateBytes records the continuation state size of an entry fragment.
func SetStateBytes(f *ir.Func, n uint32) { ir.SetMetaInt(&f.Meta, MDState, uint64(n)) }

// IsPipelineEntry reports whether f is the outermost entry of the pipeline.
func IsPipelineEntry(f *ir.Func) bool { return f.Meta.Has(MDEntry) }

// GroupLink returns the entry fragment f's group link points to.
func GroupLink(f *ir.Func) (ir.Value, bool) {
	n, ok := f.Meta.Get(MDGroup)
	if !ok {
		return nil, false
	}
	return n.Ref, n.Ref != nil
}

// SetGroupLink points f's group link to entry.
func SetGroupLink(f, entry *ir.Func) {
	ir.SetMeta(&f.Meta, MDGroup, &ir.MDNode{Ref: entry})
}

// IsFragment reports whether f belongs to a continuation group.
func IsFragment(f *ir.Func) bool {
	_, ok := GroupLink(f)
	return ok
}

// IsGroupEntry reports whether f is the entry fragment of its group.
func IsGroupEntry(f *ir.Func) bool {
	link, ok := GroupLink(f)
	return ok && link == f
}

// RegisterBufferInfo describes a global split between registers and memory.
type RegisterBufferInfo struct {
	RegisterCount     uint32
	OverflowAddrSpace uint32
}

// GetRegisterBuffer reads the register buffer descriptor of g.
func GetRegisterBuffer(g *ir.Global) (RegisterBufferInfo, bool) {
	n, ok := g.Meta.Get(MDRegisterBuffer)
	if !ok || len(n.Ints) < 2 {
		return RegisterBufferInfo{}, false
	}
	count, ok1 := toUint32(n.Ints[0])
	as, ok2 := toUint32(n.Ints[1])
	if !ok1 || !ok2 {
		return RegisterBufferInfo{}, false
	}
	return RegisterBufferInfo{RegisterCount: count, OverflowAddrSpace: as}, true
}

// SetRegisterBuffer attaches a register buffer descriptor to g.
func SetRegisterBuffer(g *ir.Global, info RegisterBufferInfo) {
	ir.SetMeta(&g.Meta, MDRegisterBuffer, &ir.MDNode{Ints: []uint64{uint64(info.RegisterCount), uint64(info.OverflowAddrSpace)}})
}

// Declare returns the helper called name, declaring it when missing. A
// clash with an incompatible existing declaration is malformed input.
func Declare(m *ir.Module, pass, name string, ret *ir.Type, params ...*ir.Type) (*ir.Func, error) {
	f, err := m.DeclareFunc(name, ret, params...)
	if err != nil {
		return nil, Malformed(pass, "", "%v", err)
	}
	return f, nil
}

// DeclareVariadic is Declare for helpers taking trailing arguments after
// the fixed params.
func DeclareVariadic(m *ir.Module, pass, name string, ret *ir.Type, params ...*ir.Type) (*ir.Func, error) {
	if f := m.Func(name); f != nil {
		if !f.Variadic || !f.Ret.Equal(ret) || len(f.Params) != len(params) {
			return nil, Malformed(pass, "", "%s redeclared with an incompatible signature", name)
		}
		for k, p := range params {
			if !f.Params[k].Ty.Equal(p) {
				return nil, Malformed(pass, "", "%s parameter %d is %s, want %s", name, k, f.Params[k].Ty, p)
			}
		}
		return f, nil
	}
	f := ir.NewFunc(name, ret, params...)
	f.Variadic = true
	return m.AddFunc(f), nil
}

// Group is a set of fragments sharing one entry.
type Group struct {
	Entry     *ir.Func
	Fragments []*ir.Func // Fragments[0] is Entry
}

// CollectGroups gathers the continuation groups of m in module order and
// checks the group link and entry conventions.
func CollectGroups(m *ir.Module, pass string) ([]*Group, error) {
	var groups []*Group
	byEntry := make(map[*ir.Func]*Group)
	for _, f := range m.Funcs {
		link, ok := GroupLink(f)
		if !ok {
			continue
		}
		entry, isFunc := link.(*ir.Func)
		if !isFunc {
			return nil, Malformed(pass, f.Name, "group link does not reference a function")
		}
		if f.IsDeclaration() {
			return nil, Malformed(pass, f.Name, "fragment has no body")
		}
		g := byEntry[entry]
		if g == nil {
			g = &Group{Entry: entry}
			byEntry[entry] = g
			groups = append(groups, g)
		}
		g.Fragments = append(g.Fragments, f)
	}
	for _, g := range groups {
		if !IsGroupEntry(g.Entry) || g.Entry.Parent() != m {
			return nil, Malformed(pass, g.Entry.Name, "group entry is not a member of its own group")
		}
		starts := 0
		for k, f := range g.Fragments {
			if f == g.Entry {
				g.Fragments[0], g.Fragments[k] = g.Fragments[k], g.Fragments[0]
			}
			if f.Meta.Has(MDStart) {
				starts++
				if f != g.Entry {
					return nil, Inconsistent(pass, f.Name, "fragment claims entry status but the group entry is %s", g.Entry.Name)
				}
			}
		}
		if starts > 1 {
			return nil, Inconsistent(pass, g.Entry.Name, "%d fragments claim entry status", starts)
		}
	}
	return groups, nil
}

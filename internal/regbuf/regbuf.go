// Package regbuf splits globals tagged as register buffers into a register
// part and a memory part.
//
// A global of N elements with R registers keeps elements [0, R) in the
// register address space. Elements [R, N) live in memory reached through
// registerbuffer.getpointer.a<R>i<bits>, which a later pass resolves to the
// real overflow pointer. Accesses are first split into register-sized
// leaves. Leaves with a constant offset address one side directly; other
// leaves branch on the offset at run time.
package regbuf

import (
	"fmt"

	"fortio.org/safecast"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

const passName = "register-buffer"

// Stats reports what one run did.
type Stats struct {
	Globals  int
	InPlace  int // buffers that fit the registers entirely
	Fast     int // leaf accesses resolved to registers
	Overflow int // leaf accesses resolved to memory
	Dynamic  int // leaf accesses resolved at run time
	Removed  int // lifetime markers dropped
}

// Run lowers every register buffer global of m. Each global is validated
// before it is modified.
func Run(m *ir.Module) (bool, *Stats, error) {
	stats := &Stats{}
	for _, g := range append([]*ir.Global(nil), m.Globals...) {
		info, ok := cont.GetRegisterBuffer(g)
		if !ok {
			continue
		}
		b, err := newBuffer(m, g, info)
		if err != nil {
			return stats.Globals > 0, nil, err
		}
		if err := b.collect(); err != nil {
			return stats.Globals > 0, nil, err
		}
		if err := b.lower(stats); err != nil {
			return true, nil, err
		}
		stats.Globals++
	}
	return stats.Globals > 0, stats, nil
}

// buffer is the state of one global's lowering.
type buffer struct {
	m        *ir.Module
	g        *ir.Global
	elem     *ir.Type
	elemSize uint64
	total    uint64 // N
	regs     uint64 // R
	overflow uint32 // address space of the memory part

	derived  []*ir.Instr // address computations rooted at g
	accesses []*ir.Instr // loads and stores through g
	barriers []*ir.Instr
	markers  []*ir.Instr // lifetime calls

	accessor *ir.Func
	memBase  map[*ir.Func]ir.Value
	memAddr  map[*ir.Instr]ir.Value
}

func newBuffer(m *ir.Module, g *ir.Global, info cont.RegisterBufferInfo) (*buffer, error) {
	t := g.ValueType
	if t.Kind != ir.TypeArray || !t.Elem.IsInt() {
		return nil, cont.Malformed(passName, "", "register buffer %s has type %s, want an integer array", g.Name, t)
	}
	return &buffer{
		m:        m,
		g:        g,
		elem:     t.Elem,
		elemSize: m.Layout.StoreSize(t.Elem),
		total:    t.Len,
		regs:     uint64(info.RegisterCount),
		overflow: info.OverflowAddrSpace,
		memBase:  make(map[*ir.Func]ir.Value),
		memAddr:  make(map[*ir.Instr]ir.Value),
	}, nil
}

// collect walks the uses of the global through address computations and
// sorts them into accesses, barriers and lifetime markers. Anything else
// is an unhandled use.
func (b *buffer) collect() error {
	seen := make(map[*ir.Instr]bool)
	work := []ir.Value{b.g}
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		for _, u := range b.m.Users(v) {
			if seen[u] {
				continue
			}
			switch {
			case (u.Op == ir.OpGEP || u.Op == ir.OpBitCast || u.Op == ir.OpAddrSpaceCast) && u.Ops[0] == v && !usesBesidesBase(u, v):
				seen[u] = true
				b.derived = append(b.derived, u)
				work = append(work, u)
			case u.Op == ir.OpLoad:
				seen[u] = true
				if err := b.checkBounds(u, u.Ty); err != nil {
					return err
				}
				b.accesses = append(b.accesses, u)
			case u.Op == ir.OpStore && u.Ops[1] == v && u.Ops[0] != v:
				seen[u] = true
				if err := b.checkBounds(u, u.Ops[0].Type()); err != nil {
					return err
				}
				b.accesses = append(b.accesses, u)
			case cont.IsCallWithPrefix(u, cont.FnSetPointerBarrier):
				seen[u] = true
				b.barriers = append(b.barriers, u)
			case cont.IsCallWithPrefix(u, cont.FnLifetimeStart) || cont.IsCallWithPrefix(u, cont.FnLifetimeEnd):
				seen[u] = true
				b.markers = append(b.markers, u)
			default:
				return cont.Malformed(passName, funcName(u), "unhandled use of register buffer %s by %s", b.g.Name, u.Op)
			}
		}
	}
	return nil
}

func usesBesidesBase(u *ir.Instr, v ir.Value) bool {
	for _, op := range u.Ops[1:] {
		if op == v {
			return true
		}
	}
	return false
}

func funcName(in *ir.Instr) string {
	if f := in.Func(); f != nil {
		return f.Name
	}
	return ""
}

// checkBounds rejects constant accesses that end past the last element.
func (b *buffer) checkBounds(in *ir.Instr, t *ir.Type) error {
	off, ok := b.constOffset(in.PointerOperand())
	if !ok {
		return nil
	}
	end := off + b.m.Layout.StoreSize(t)
	if end > b.total*b.elemSize {
		return cont.Malformed(passName, funcName(in), "access at byte %d of %s overruns %d elements", off, b.g.Name, b.total)
	}
	return nil
}

// lower retypes the global and rewrites its uses.
func (b *buffer) lower(stats *Stats) error {
	for _, d := range b.derived {
		d.Ty = ir.Ptr(cont.AddrSpaceRegister)
	}
	b.g.ValueType = ir.ArrayOf(b.elem, min(b.regs, b.total))
	b.g.AddrSpace = cont.AddrSpaceRegister
	delete(b.g.Meta, cont.MDRegisterBuffer)

	for _, in := range b.markers {
		in.EraseFromParent()
		stats.Removed++
	}
	if b.total <= b.regs {
		stats.InPlace++
		return nil
	}

	acc, err := b.declareAccessor()
	if err != nil {
		return err
	}
	b.accessor = acc
	for _, in := range b.accesses {
		b.splitAccess(in, stats)
	}
	return nil
}

func (b *buffer) declareAccessor() (*ir.Func, error) {
	name := fmt.Sprintf("%s.a%di%d", cont.FnGetPointerPrefix, b.regs, b.elem.Bits)
	return cont.Declare(b.m, passName, name, ir.Ptr(b.overflow), ir.Ptr(cont.AddrSpaceRegister))
}

// constOffset returns the byte offset of addr from the global when every
// step leading to it is constant.
func (b *buffer) constOffset(addr ir.Value) (uint64, bool) {
	for {
		in, ok := addr.(*ir.Instr)
		if !ok || (in.Op != ir.OpBitCast && in.Op != ir.OpAddrSpaceCast) {
			break
		}
		addr = in.Ops[0]
	}
	if addr == b.g {
		return 0, true
	}
	gep, ok := addr.(*ir.Instr)
	if !ok || gep.Op != ir.OpGEP {
		return 0, false
	}
	off, ok := b.m.Layout.ConstGEPOffset(gep)
	if !ok {
		return 0, false
	}
	base, ok := b.constOffset(gep.Ops[0])
	if !ok {
		return 0, false
	}
	start, err := safecast.Conv[int64](base)
	if err != nil {
		return 0, false
	}
	u, err := safecast.Conv[uint64](start + off)
	if err != nil {
		return 0, false
	}
	return u, true
}

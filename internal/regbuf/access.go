package regbuf

import (
	"fmt"

	"fortio.org/safecast"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

// storage says where an address of the buffer lives.
type storage uint8

const (
	storageUnknown storage = iota
	storageFast
	storageOverflow
)

func (s storage) String() string {
	switch s {
	case storageFast:
		return "fast"
	case storageOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

func (b *buffer) classify(addr ir.Value) storage {
	if b.regs == 0 {
		return storageOverflow
	}
	off, ok := b.constOffset(addr)
	if !ok {
		return storageUnknown
	}
	if off/b.elemSize < b.regs {
		return storageFast
	}
	return storageOverflow
}

// splitAccess replaces the load or store in with register-sized leaf
// accesses.
func (b *buffer) splitAccess(in *ir.Instr, stats *Stats) {
	t := in.Ty
	if in.Op == ir.OpStore {
		t = in.Ops[0].Type()
	}
	align := in.Align
	if align == 0 {
		align = b.m.Layout.ABIAlign(t)
	}
	s := &splitter{b: b, at: in, fn: in.Func(), base: in.PointerOperand(), baseType: t, align: align, stats: stats}
	name := in.Name
	if name == "" {
		name = "rb"
	}
	if in.Op == ir.OpLoad {
		s.agg = ir.Poison(t)
		s.isLoad = true
		s.emit(t, 0, name)
		ir.ReplaceAllUsesIn(s.fn, in, s.agg)
	} else {
		s.agg = in.Ops[0]
		s.emit(t, 0, name)
	}
	in.EraseFromParent()
}

// splitter walks one access type down to its scalar leaves. path holds
// the aggregate indices of the current leaf below baseType.
type splitter struct {
	b        *buffer
	at       *ir.Instr
	fn       *ir.Func
	base     ir.Value
	baseType *ir.Type
	align    uint64
	stats    *Stats
	isLoad   bool
	agg      ir.Value
	path     []int
}

func (s *splitter) emit(t *ir.Type, offset uint64, name string) {
	if !t.IsAggregate() {
		s.leaf(t, offset, name)
		return
	}
	dl := s.b.m.Layout
	for i := range t.NumElems() {
		s.path = append(s.path, i)
		s.emit(t.ElemAt(i), offset+dl.ElemOffset(t, i), fmt.Sprintf("%s.%d", name, i))
		s.path = s.path[:len(s.path)-1]
	}
}

func (s *splitter) leaf(t *ir.Type, offset uint64, name string) {
	dl := s.b.m.Layout
	ptr := s.base
	if len(s.path) > 0 {
		idx := make([]int64, 0, len(s.path)+1)
		idx = append(idx, 0)
		for _, k := range s.path {
			idx = append(idx, int64(k))
		}
		ptr = ir.BuilderBefore(s.at).CreateConstGEP(s.baseType, s.base, name+".gep", idx...)
	}

	var val ir.Value
	if !s.isLoad {
		val = s.agg
		if len(s.path) > 0 {
			val = ir.BuilderBefore(s.at).CreateExtractValue(s.agg, s.path...)
		}
	}

	align := commonAlign(s.align, offset)
	size := dl.StoreSize(t)
	unit := min(size, uint64(cont.RegisterBytes))
	if align < unit {
		unit = 1
	}
	var got ir.Value
	if unit == size {
		got = s.b.single(s.at, t, val, ptr, align, s.stats)
	} else {
		got = s.parts(t, val, ptr, align, size, unit, name)
	}
	if !s.isLoad {
		return
	}
	if len(s.path) > 0 {
		s.agg = ir.BuilderBefore(s.at).CreateInsertValue(s.agg, got, s.path...)
	} else {
		s.agg = got
	}
}

// parts accesses a scalar wider or less aligned than a register as a
// packed struct of integers, going through a local for the reinterpretation.
func (s *splitter) parts(t *ir.Type, val, ptr ir.Value, align, size, unit uint64, name string) ir.Value {
	dl := s.b.m.Layout
	var fields []*ir.Type
	for off := uint64(0); off < size; off += unit {
		bits, _ := safecast.Conv[int](min(unit, size-off) * 8)
		fields = append(fields, ir.Int(bits))
	}
	packed := ir.PackedStructOf(fields...)

	ab := ir.NewBuilder()
	ab.SetInsertPointPastAllocas(s.fn)
	slot := ab.CreateAlloca(packed, name+".alloca")

	if s.isLoad {
		var whole ir.Value = ir.Poison(packed)
		for k, ft := range fields {
			p := ir.BuilderBefore(s.at).CreateConstGEP(packed, ptr, fmt.Sprintf("%s.gep.%d", name, k), 0, int64(k))
			v := s.b.single(s.at, ft, nil, p, commonAlign(align, dl.FieldOffset(packed, k)), s.stats)
			whole = ir.BuilderBefore(s.at).CreateInsertValue(whole, v, k)
		}
		b := ir.BuilderBefore(s.at)
		b.CreateStore(whole, slot)
		return b.CreateLoad(t, slot, name+".alloca.load")
	}

	b := ir.BuilderBefore(s.at)
	b.CreateStore(val, slot)
	whole := b.CreateLoad(packed, slot, name+".alloca.load")
	for k, ft := range fields {
		pb := ir.BuilderBefore(s.at)
		p := pb.CreateConstGEP(packed, ptr, fmt.Sprintf("%s.gep.%d", name, k), 0, int64(k))
		v := pb.CreateExtractValue(whole, k)
		s.b.single(s.at, ft, v, p, commonAlign(align, dl.FieldOffset(packed, k)), s.stats)
	}
	return nil
}

// single emits one register-sized access before at. val is nil for loads.
// It returns the loaded value.
func (b *buffer) single(at *ir.Instr, t *ir.Type, val, addr ir.Value, align uint64, stats *Stats) ir.Value {
	fn := at.Func()
	switch b.classify(addr) {
	case storageFast:
		stats.Fast++
		return access(ir.BuilderBefore(at), t, val, addr, align)
	case storageOverflow:
		stats.Overflow++
		return access(ir.BuilderBefore(at), t, val, b.memoryAddress(fn, addr), align)
	}

	stats.Dynamic++
	mem := b.memoryAddress(fn, addr)
	bld := ir.BuilderBefore(at)
	base := bld.CreateCast(ir.OpPtrToInt, b.g, ir.I32, "")
	pos := bld.CreateCast(ir.OpPtrToInt, addr, ir.I32, "")
	diff := bld.CreateSub(pos, base, "")
	limit, _ := safecast.Conv[int64](b.regs * b.elemSize)
	cond := bld.CreateICmp(ir.PredULT, diff, ir.ConstI32(limit), "in.registers")

	thenTerm, elseTerm := ir.SplitBlockAndInsertIfThenElse(cond, at)
	fast := access(ir.BuilderBefore(thenTerm), t, val, addr, align)
	slow := access(ir.BuilderBefore(elseTerm), t, val, mem, align)
	if val != nil {
		return nil
	}
	phi := ir.BuilderBefore(at.Parent().Instrs[0]).CreatePhi(t, "")
	phi.AddIncoming(fast, thenTerm.Parent())
	phi.AddIncoming(slow, elseTerm.Parent())
	return phi
}

func access(b *ir.Builder, t *ir.Type, val, addr ir.Value, align uint64) ir.Value {
	if val == nil {
		return b.CreateAlignedLoad(t, addr, align, "")
	}
	b.CreateAlignedStore(val, addr, align)
	return nil
}

// memoryAddress rebuilds the address computation of addr on top of the
// memory part. Indexing from the memory base keeps element i at memory
// slot i-R.
func (b *buffer) memoryAddress(fn *ir.Func, addr ir.Value) ir.Value {
	if addr == b.g {
		return b.memoryBase(fn)
	}
	in, ok := addr.(*ir.Instr)
	if !ok {
		return addr
	}
	if v, ok := b.memAddr[in]; ok {
		return v
	}
	var v ir.Value
	switch in.Op {
	case ir.OpGEP:
		src := b.memoryAddress(fn, in.Ops[0])
		name := in.Name
		if name != "" {
			name += ".mem"
		}
		v = ir.BuilderBefore(in).CreateGEP(in.Elem, src, in.Ops[1:], name)
	case ir.OpBitCast, ir.OpAddrSpaceCast:
		v = b.memoryAddress(fn, in.Ops[0])
	default:
		v = addr
	}
	b.memAddr[in] = v
	return v
}

// memoryBase returns, once per function, the overflow pointer moved back
// by R elements.
func (b *buffer) memoryBase(fn *ir.Func) ir.Value {
	if v, ok := b.memBase[fn]; ok {
		return v
	}
	bld := ir.NewBuilder()
	bld.SetInsertPointPastAllocas(fn)
	mem := bld.CreateCall(b.accessor, b.g)
	back, _ := safecast.Conv[int64](b.regs)
	v := bld.CreateGEP(b.elem, mem, []ir.Value{ir.ConstI32(-back)}, "overflow.base")
	b.memBase[fn] = v
	return v
}

// commonAlign is the largest power of two dividing both align and offset.
func commonAlign(align, offset uint64) uint64 {
	if offset == 0 {
		return align
	}
	return min(align, offset&-offset)
}

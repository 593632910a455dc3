package ir

// Builder creates instructions at an insertion point: either before an
// existing instruction or at the end of a block.
type Builder struct {
	block  *Block
	before *Instr
}

// NewBuilder returns a builder without an insertion point.
func NewBuilder() *Builder { return &Builder{} }

// BuilderBefore returns a builder inserting before in.
func BuilderBefore(in *Instr) *Builder {
	b := &Builder{}
	b.SetInsertPoint(in)
	return b
}

// BuilderAtEnd returns a builder appending to blk.
func BuilderAtEnd(blk *Block) *Builder {
	b := &Builder{}
	b.SetInsertPointAtEnd(blk)
	return b
}

// SetInsertPoint positions the builder before in. The position follows in
// if it later moves to another block.
func (b *Builder) SetInsertPoint(in *Instr) {
	b.before = in
	b.block = in.block
}

// SetInsertPointAtEnd positions the builder at the end of blk.
func (b *Builder) SetInsertPointAtEnd(blk *Block) {
	b.block = blk
	b.before = nil
}

// SetInsertPointPastAllocas positions the builder after the leading
// allocas of f's entry block.
func (b *Builder) SetInsertPointPastAllocas(f *Func) {
	entry := f.Entry()
	for _, in := range entry.Instrs {
		if in.Op != OpAlloca && in.Op != OpPhi {
			b.SetInsertPoint(in)
			return
		}
	}
	b.SetInsertPointAtEnd(entry)
}

// Block returns the current insertion block.
func (b *Builder) Block() *Block {
	if b.before != nil {
		return b.before.block
	}
	return b.block
}

// Insert places in at the insertion point.
func (b *Builder) Insert(in *Instr) *Instr {
	if b.before != nil {
		blk := b.before.block
		return blk.InsertAt(blk.IndexOf(b.before), in)
	}
	return b.block.Append(in)
}

// CreateAlloca reserves a local slot of type t.
func (b *Builder) CreateAlloca(t *Type, name string) *Instr {
	return b.Insert(&Instr{Op: OpAlloca, Ty: Ptr0, Elem: t, Name: name})
}

// CreateLoad reads a t from p.
func (b *Builder) CreateLoad(t *Type, p Value, name string) *Instr {
	return b.Insert(&Instr{Op: OpLoad, Ty: t, Ops: []Value{p}, Name: name})
}

// CreateAlignedLoad reads a t from p with an explicit alignment.
func (b *Builder) CreateAlignedLoad(t *Type, p Value, align uint64, name string) *Instr {
	in := b.CreateLoad(t, p, name)
	in.Align = align
	return in
}

// CreateStore writes v through p.
func (b *Builder) CreateStore(v, p Value) *Instr {
	return b.Insert(&Instr{Op: OpStore, Ty: Void, Ops: []Value{v, p}})
}

// CreateAlignedStore writes v through p with an explicit alignment.
func (b *Builder) CreateAlignedStore(v, p Value, align uint64) *Instr {
	in := b.CreateStore(v, p)
	in.Align = align
	return in
}

// CreateGEP computes an address over elem starting at base.
func (b *Builder) CreateGEP(elem *Type, base Value, idx []Value, name string) *Instr {
	ops := append([]Value{base}, idx...)
	return b.Insert(&Instr{Op: OpGEP, Ty: Ptr(base.Type().AddrSpace), Elem: elem, Ops: ops, Name: name})
}

// CreateConstGEP computes an address over elem with constant indices.
func (b *Builder) CreateConstGEP(elem *Type, base Value, name string, idx ...int64) *Instr {
	vals := make([]Value, len(idx))
	for k, i := range idx {
		vals[k] = ConstI32(i)
	}
	return b.CreateGEP(elem, base, vals, name)
}

// CreateByteGEP offsets base by a number of bytes.
func (b *Builder) CreateByteGEP(base, offset Value, name string) *Instr {
	return b.CreateGEP(I8, base, []Value{offset}, name)
}

// CreateCast emits a conversion instruction.
func (b *Builder) CreateCast(op Opcode, v Value, t *Type, name string) *Instr {
	return b.Insert(&Instr{Op: op, Ty: t, Ops: []Value{v}, Name: name})
}

// CreateZExtOrTrunc converts an integer to width t, emitting nothing when
// the width already matches.
func (b *Builder) CreateZExtOrTrunc(v Value, t *Type, name string) Value {
	from := v.Type().Bits
	switch {
	case from < t.Bits:
		return b.CreateCast(OpZExt, v, t, name)
	case from > t.Bits:
		return b.CreateCast(OpTrunc, v, t, name)
	}
	return v
}

// CreateBinOp emits a two-operand arithmetic instruction.
func (b *Builder) CreateBinOp(op Opcode, x, y Value, name string) *Instr {
	return b.Insert(&Instr{Op: op, Ty: x.Type(), Ops: []Value{x, y}, Name: name})
}

// CreateAdd emits x + y.
func (b *Builder) CreateAdd(x, y Value, name string) *Instr { return b.CreateBinOp(OpAdd, x, y, name) }

// CreateSub emits x - y.
func (b *Builder) CreateSub(x, y Value, name string) *Instr { return b.CreateBinOp(OpSub, x, y, name) }

// CreateMul emits x * y.
func (b *Builder) CreateMul(x, y Value, name string) *Instr { return b.CreateBinOp(OpMul, x, y, name) }

// CreateICmp compares x and y.
func (b *Builder) CreateICmp(pred Predicate, x, y Value, name string) *Instr {
	return b.Insert(&Instr{Op: OpICmp, Ty: I1, Pred: pred, Ops: []Value{x, y}, Name: name})
}

// CreateSelect picks x or y by cond.
func (b *Builder) CreateSelect(cond, x, y Value, name string) *Instr {
	return b.Insert(&Instr{Op: OpSelect, Ty: x.Type(), Ops: []Value{cond, x, y}, Name: name})
}

// CreateCall calls fn directly.
func (b *Builder) CreateCall(fn *Func, args ...Value) *Instr {
	ops := append([]Value{fn}, args...)
	return b.Insert(&Instr{Op: OpCall, Ty: fn.Ret, Ops: ops})
}

// CreateIndirectCall calls callee with the given return type.
func (b *Builder) CreateIndirectCall(ret *Type, callee Value, args ...Value) *Instr {
	ops := append([]Value{callee}, args...)
	return b.Insert(&Instr{Op: OpCall, Ty: ret, Ops: ops})
}

// CreateInsertValue inserts v into agg at idx.
func (b *Builder) CreateInsertValue(agg, v Value, idx ...int) *Instr {
	return b.Insert(&Instr{Op: OpInsertValue, Ty: agg.Type(), Ops: []Value{agg, v}, Idx: idx})
}

// CreateExtractValue reads the element of agg at idx.
func (b *Builder) CreateExtractValue(agg Value, idx ...int) *Instr {
	return b.Insert(&Instr{Op: OpExtractValue, Ty: agg.Type().IndexedType(idx), Ops: []Value{agg}, Idx: idx})
}

// CreatePhi creates an empty phi of type t.
func (b *Builder) CreatePhi(t *Type, name string) *Instr {
	return b.Insert(&Instr{Op: OpPhi, Ty: t, Name: name})
}

// CreateBr jumps to dest.
func (b *Builder) CreateBr(dest *Block) *Instr {
	return b.Insert(&Instr{Op: OpBr, Ty: Void, Blocks: []*Block{dest}})
}

// CreateCondBr branches on cond.
func (b *Builder) CreateCondBr(cond Value, then, els *Block) *Instr {
	return b.Insert(&Instr{Op: OpCondBr, Ty: Void, Ops: []Value{cond}, Blocks: []*Block{then, els}})
}

// CreateRet returns v.
func (b *Builder) CreateRet(v Value) *Instr {
	return b.Insert(&Instr{Op: OpRet, Ty: Void, Ops: []Value{v}})
}

// CreateRetVoid returns nothing.
func (b *Builder) CreateRetVoid() *Instr {
	return b.Insert(&Instr{Op: OpRet, Ty: Void})
}

// CreateUnreachable terminates the block as unreachable.
func (b *Builder) CreateUnreachable() *Instr {
	return b.Insert(&Instr{Op: OpUnreachable, Ty: Void})
}

package ir

// Opcode enumerates instruction kinds.
type Opcode uint8

const (
	// OpAlloca reserves a function-local slot of type Elem.
	OpAlloca Opcode = iota
	// OpLoad reads a value of type Ty from Ops[0].
	OpLoad
	// OpStore writes Ops[0] through pointer Ops[1].
	OpStore
	// OpGEP computes an address from base Ops[0] and indices Ops[1:] over Elem.
	OpGEP
	// OpBitCast reinterprets a value.
	OpBitCast
	// OpAddrSpaceCast converts a pointer between address spaces.
	OpAddrSpaceCast
	// OpPtrToInt converts a pointer to an integer.
	OpPtrToInt
	// OpIntToPtr converts an integer to a pointer.
	OpIntToPtr
	// OpZExt zero-extends an integer.
	OpZExt
	// OpTrunc truncates an integer.
	OpTrunc
	// OpAdd adds two integers.
	OpAdd
	// OpSub subtracts two integers.
	OpSub
	// OpMul multiplies two integers.
	OpMul
	// OpAnd is bitwise and.
	OpAnd
	// OpOr is bitwise or.
	OpOr
	// OpShl shifts left.
	OpShl
	// OpLShr shifts right, filling with zeros.
	OpLShr
	// OpICmp compares two integers or pointers with Pred.
	OpICmp
	// OpSelect picks Ops[1] or Ops[2] by condition Ops[0].
	OpSelect
	// OpCall calls Ops[0] with arguments Ops[1:].
	OpCall
	// OpInsertValue inserts Ops[1] into aggregate Ops[0] at Idx.
	OpInsertValue
	// OpExtractValue extracts the element at Idx from aggregate Ops[0].
	OpExtractValue
	// OpPhi merges Ops[i] flowing in from Blocks[i].
	OpPhi
	// OpBr jumps to Blocks[0].
	OpBr
	// OpCondBr branches on Ops[0] to Blocks[0] or Blocks[1].
	OpCondBr
	// OpRet returns Ops[0] or nothing.
	OpRet
	// OpUnreachable marks unreachable control flow.
	OpUnreachable
)

var opcodeNames = [...]string{
	OpAlloca:        "alloca",
	OpLoad:          "load",
	OpStore:         "store",
	OpGEP:           "getelementptr",
	OpBitCast:       "bitcast",
	OpAddrSpaceCast: "addrspacecast",
	OpPtrToInt:      "ptrtoint",
	OpIntToPtr:      "inttoptr",
	OpZExt:          "zext",
	OpTrunc:         "trunc",
	OpAdd:           "add",
	OpSub:           "sub",
	OpMul:           "mul",
	OpAnd:           "and",
	OpOr:            "or",
	OpShl:           "shl",
	OpLShr:          "lshr",
	OpICmp:          "icmp",
	OpSelect:        "select",
	OpCall:          "call",
	OpInsertValue:   "insertvalue",
	OpExtractValue:  "extractvalue",
	OpPhi:           "phi",
	OpBr:            "br",
	OpCondBr:        "br",
	OpRet:           "ret",
	OpUnreachable:   "unreachable",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "unknown"
}

// IsCast reports whether op is a single-operand conversion.
func (op Opcode) IsCast() bool {
	switch op {
	case OpBitCast, OpAddrSpaceCast, OpPtrToInt, OpIntToPtr, OpZExt, OpTrunc:
		return true
	}
	return false
}

// IsBinary reports whether op is a two-operand arithmetic instruction.
func (op Opcode) IsBinary() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpShl, OpLShr:
		return true
	}
	return false
}

// Predicate is an integer comparison predicate.
type Predicate uint8

const (
	// PredEQ is ==.
	PredEQ Predicate = iota
	// PredNE is !=.
	PredNE
	// PredULT is unsigned <.
	PredULT
	// PredULE is unsigned <=.
	PredULE
	// PredUGT is unsigned >.
	PredUGT
	// PredUGE is unsigned >=.
	PredUGE
	// PredSLT is signed <.
	PredSLT
	// PredSGE is signed >=.
	PredSGE
)

func (p Predicate) String() string {
	switch p {
	case PredEQ:
		return "eq"
	case PredNE:
		return "ne"
	case PredULT:
		return "ult"
	case PredULE:
		return "ule"
	case PredUGT:
		return "ugt"
	case PredUGE:
		return "uge"
	case PredSLT:
		return "slt"
	case PredSGE:
		return "sge"
	}
	return "?"
}

// Instr is a single SSA instruction.
type Instr struct {
	Op     Opcode
	Ty     *Type // result type, Void when the instruction yields nothing
	Name   string
	Ops    []Value
	Elem   *Type    // alloca/gep element type
	Idx    []int    // insertvalue/extractvalue path
	Blocks []*Block // phi incoming blocks or branch targets
	Pred   Predicate
	Align  uint64
	Meta   Metadata

	block *Block
}

// Type returns the result type.
func (i *Instr) Type() *Type { return i.Ty }

// Ident returns the SSA reference of the instruction.
func (i *Instr) Ident() string {
	if i.Name == "" {
		return "%?"
	}
	return "%" + i.Name
}

// Parent returns the containing block.
func (i *Instr) Parent() *Block { return i.block }

// Func returns the containing function.
func (i *Instr) Func() *Func {
	if i.block == nil {
		return nil
	}
	return i.block.fn
}

// IsTerminator reports whether i ends a block.
func (i *Instr) IsTerminator() bool {
	switch i.Op {
	case OpBr, OpCondBr, OpRet, OpUnreachable:
		return true
	}
	return false
}

// Callee returns the called value of a call instruction.
func (i *Instr) Callee() Value {
	if i.Op != OpCall || len(i.Ops) == 0 {
		return nil
	}
	return i.Ops[0]
}

// CalledFunc returns the directly called function, if any.
func (i *Instr) CalledFunc() *Func {
	f, _ := i.Callee().(*Func)
	return f
}

// Args returns the call arguments.
func (i *Instr) Args() []Value {
	if i.Op != OpCall || len(i.Ops) == 0 {
		return nil
	}
	return i.Ops[1:]
}

// Arg returns the n-th call argument.
func (i *Instr) Arg(n int) Value { return i.Ops[n+1] }

// SetArg replaces the n-th call argument.
func (i *Instr) SetArg(n int, v Value) { i.Ops[n+1] = v }

// PointerOperand returns the address of a load or store.
func (i *Instr) PointerOperand() Value {
	switch i.Op {
	case OpLoad:
		return i.Ops[0]
	case OpStore:
		return i.Ops[1]
	}
	return nil
}

// StoredValue returns the value written by a store.
func (i *Instr) StoredValue() Value {
	if i.Op != OpStore {
		return nil
	}
	return i.Ops[0]
}

// Successors returns the branch targets of a terminator.
func (i *Instr) Successors() []*Block {
	switch i.Op {
	case OpBr, OpCondBr:
		return i.Blocks
	}
	return nil
}

// IncomingFor returns the phi operand flowing in from b.
func (i *Instr) IncomingFor(b *Block) (Value, bool) {
	for k, blk := range i.Blocks {
		if blk == b {
			return i.Ops[k], true
		}
	}
	return nil, false
}

// AddIncoming appends an incoming edge to a phi.
func (i *Instr) AddIncoming(v Value, b *Block) {
	i.Ops = append(i.Ops, v)
	i.Blocks = append(i.Blocks, b)
}

// RemoveIncoming drops all phi edges coming from b.
func (i *Instr) RemoveIncoming(b *Block) {
	ops := i.Ops[:0]
	blocks := i.Blocks[:0]
	for k, blk := range i.Blocks {
		if blk == b {
			continue
		}
		ops = append(ops, i.Ops[k])
		blocks = append(blocks, blk)
	}
	i.Ops = ops
	i.Blocks = blocks
}

// ReplaceSuccessor retargets branch edges from old to repl. For phis it
// renames the incoming block instead.
func (i *Instr) ReplaceSuccessor(old, repl *Block) {
	for k, blk := range i.Blocks {
		if blk == old {
			i.Blocks[k] = repl
		}
	}
}

// EraseFromParent removes i from its block.
func (i *Instr) EraseFromParent() {
	if i.block != nil {
		i.block.Remove(i)
	}
}

// MetaInt returns the first integer of the named attachment.
func (i *Instr) MetaInt(name string) (uint64, bool) { return i.Meta.Int(name) }

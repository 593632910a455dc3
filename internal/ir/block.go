package ir

// Block is a basic block: a straight-line instruction list ending in a
// terminator.
type Block struct {
	Name   string
	Instrs []*Instr

	fn *Func
}

// Parent returns the owning function.
func (b *Block) Parent() *Func { return b.fn }

// Ident returns the label reference.
func (b *Block) Ident() string { return "%" + b.Name }

// Terminator returns the last instruction if it is a terminator.
func (b *Block) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	last := b.Instrs[len(b.Instrs)-1]
	if !last.IsTerminator() {
		return nil
	}
	return last
}

// Successors returns the blocks the terminator may jump to.
func (b *Block) Successors() []*Block {
	if t := b.Terminator(); t != nil {
		return t.Successors()
	}
	return nil
}

// Predecessors scans the owning function for blocks branching to b.
func (b *Block) Predecessors() []*Block {
	if b.fn == nil {
		return nil
	}
	var preds []*Block
	for _, other := range b.fn.Blocks {
		for _, s := range other.Successors() {
			if s == b {
				preds = append(preds, other)
				break
			}
		}
	}
	return preds
}

// Phis returns the leading phi instructions.
func (b *Block) Phis() []*Instr {
	n := 0
	for n < len(b.Instrs) && b.Instrs[n].Op == OpPhi {
		n++
	}
	return b.Instrs[:n]
}

// FirstNonPhi returns the first instruction that is not a phi.
func (b *Block) FirstNonPhi() *Instr {
	for _, in := range b.Instrs {
		if in.Op != OpPhi {
			return in
		}
	}
	return nil
}

// IndexOf returns the position of in, or -1.
func (b *Block) IndexOf(in *Instr) int {
	for k, x := range b.Instrs {
		if x == in {
			return k
		}
	}
	return -1
}

// Append adds in at the end of the block.
func (b *Block) Append(in *Instr) *Instr {
	in.block = b
	b.Instrs = append(b.Instrs, in)
	return in
}

// InsertAt inserts in at position pos.
func (b *Block) InsertAt(pos int, in *Instr) *Instr {
	in.block = b
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[pos+1:], b.Instrs[pos:])
	b.Instrs[pos] = in
	return in
}

// Remove detaches in from the block.
func (b *Block) Remove(in *Instr) {
	k := b.IndexOf(in)
	if k < 0 {
		return
	}
	b.Instrs = append(b.Instrs[:k], b.Instrs[k+1:]...)
	in.block = nil
}

// EraseFrom removes every instruction from in (inclusive) to the end of
// the block.
func (b *Block) EraseFrom(in *Instr) []*Instr {
	k := b.IndexOf(in)
	if k < 0 {
		return nil
	}
	removed := append([]*Instr(nil), b.Instrs[k:]...)
	for _, r := range removed {
		r.block = nil
	}
	b.Instrs = b.Instrs[:k]
	return removed
}

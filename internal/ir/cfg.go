package ir

// ReversePostOrder returns the blocks of f reachable from the entry in
// reverse post-order. Unreachable blocks are appended in layout order.
func ReversePostOrder(f *Func) []*Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	visited := make(map[*Block]bool, len(f.Blocks))
	post := make([]*Block, 0, len(f.Blocks))
	var walk func(b *Block)
	walk = func(b *Block) {
		visited[b] = true
		for _, s := range b.Successors() {
			if !visited[s] {
				walk(s)
			}
		}
		post = append(post, b)
	}
	walk(f.Entry())
	out := make([]*Block, 0, len(f.Blocks))
	for k := len(post) - 1; k >= 0; k-- {
		out = append(out, post[k])
	}
	for _, b := range f.Blocks {
		if !visited[b] {
			out = append(out, b)
		}
	}
	return out
}

// SplitBlockBefore moves in and everything after it into a new block placed
// after the original, and links the two with a branch. Phis in successors
// are updated to name the new block.
func SplitBlockBefore(in *Instr, name string) *Block {
	head := in.block
	f := head.fn
	if name == "" {
		name = f.uniqueName(head.Name + ".split")
	}
	tail := f.InsertBlockAfter(head, name)
	moved := head.EraseFrom(in)
	for _, x := range moved {
		tail.Append(x)
	}
	for _, s := range tail.Successors() {
		for _, phi := range s.Phis() {
			for k, blk := range phi.Blocks {
				if blk == head {
					phi.Blocks[k] = tail
				}
			}
		}
	}
	BuilderAtEnd(head).CreateBr(tail)
	return tail
}

// SplitBlockAfter splits the block right after in and returns the new
// block. A terminator cannot be split after.
func SplitBlockAfter(in *Instr, name string) *Block {
	b := in.block
	k := b.IndexOf(in)
	if k < 0 || k+1 >= len(b.Instrs) {
		return nil
	}
	return SplitBlockBefore(b.Instrs[k+1], name)
}

// SplitBlockAndInsertIfThenElse splits before `before` and inserts a
// diamond: the head branches on cond to two fresh blocks that both fall
// through to the tail, which starts at `before`. It returns the branches
// terminating the then and else blocks.
func SplitBlockAndInsertIfThenElse(cond Value, before *Instr) (thenTerm, elseTerm *Instr) {
	head := before.block
	f := head.fn
	tail := SplitBlockBefore(before, "")
	head.Terminator().EraseFromParent()

	thenBlk := f.InsertBlockAfter(head, f.uniqueName(head.Name+".then"))
	elseBlk := f.InsertBlockAfter(thenBlk, f.uniqueName(head.Name+".else"))
	BuilderAtEnd(head).CreateCondBr(cond, thenBlk, elseBlk)
	thenTerm = BuilderAtEnd(thenBlk).CreateBr(tail)
	elseTerm = BuilderAtEnd(elseBlk).CreateBr(tail)
	return thenTerm, elseTerm
}

// RemoveUnreachableBlocks deletes blocks that cannot be reached from the
// entry and drops their phi edges. It reports whether anything changed.
func RemoveUnreachableBlocks(f *Func) bool {
	if len(f.Blocks) == 0 {
		return false
	}
	reachable := make(map[*Block]bool, len(f.Blocks))
	work := []*Block{f.Entry()}
	reachable[f.Entry()] = true
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		for _, s := range b.Successors() {
			if !reachable[s] {
				reachable[s] = true
				work = append(work, s)
			}
		}
	}
	var dead []*Block
	for _, b := range f.Blocks {
		if !reachable[b] {
			dead = append(dead, b)
		}
	}
	for _, b := range dead {
		for _, s := range b.Successors() {
			for _, phi := range s.Phis() {
				phi.RemoveIncoming(b)
			}
		}
		f.RemoveBlock(b)
	}
	return len(dead) > 0
}

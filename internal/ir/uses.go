package ir

// Use names one operand slot of an instruction.
type Use struct {
	User *Instr
	Op   int
}

// refersTo reports whether operand op is v or a constant aggregate that
// contains v.
func refersTo(op, v Value) bool {
	if op == v {
		return true
	}
	if c, ok := op.(*Const); ok && c.Kind == ConstAggregate {
		for _, e := range c.Elems {
			if refersTo(e, v) {
				return true
			}
		}
	}
	return false
}

// UsesIn returns all operand slots in f that refer to v.
func UsesIn(f *Func, v Value) []Use {
	var uses []Use
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for k, op := range in.Ops {
				if refersTo(op, v) {
					uses = append(uses, Use{User: in, Op: k})
				}
			}
		}
	}
	return uses
}

// Uses returns all operand slots in m that refer to v.
func (m *Module) Uses(v Value) []Use {
	var uses []Use
	for _, f := range m.Funcs {
		uses = append(uses, UsesIn(f, v)...)
	}
	return uses
}

// Users returns the distinct instructions that use v, in program order.
func (m *Module) Users(v Value) []*Instr {
	var out []*Instr
	seen := make(map[*Instr]bool)
	for _, u := range m.Uses(v) {
		if !seen[u.User] {
			seen[u.User] = true
			out = append(out, u.User)
		}
	}
	return out
}

// UsersIn returns the distinct instructions in f that use v.
func UsersIn(f *Func, v Value) []*Instr {
	var out []*Instr
	seen := make(map[*Instr]bool)
	for _, u := range UsesIn(f, v) {
		if !seen[u.User] {
			seen[u.User] = true
			out = append(out, u.User)
		}
	}
	return out
}

// HasUses reports whether anything in m refers to v, including metadata.
func (m *Module) HasUses(v Value) bool {
	if len(m.Uses(v)) > 0 {
		return true
	}
	for _, f := range m.Funcs {
		if f == v {
			continue
		}
		for _, n := range f.Meta {
			if n != nil && n.Ref == v {
				return true
			}
		}
	}
	return false
}

func replaceIn(op, old, repl Value) Value {
	if op == old {
		return repl
	}
	if c, ok := op.(*Const); ok && c.Kind == ConstAggregate {
		for k, e := range c.Elems {
			c.Elems[k] = replaceIn(e, old, repl)
		}
	}
	return op
}

// ReplaceAllUsesIn rewrites every operand in f referring to old.
func ReplaceAllUsesIn(f *Func, old, repl Value) {
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for k, op := range in.Ops {
				in.Ops[k] = replaceIn(op, old, repl)
			}
		}
	}
}

// ReplaceAllUsesWith rewrites every operand and metadata reference in m.
func (m *Module) ReplaceAllUsesWith(old, repl Value) {
	for _, f := range m.Funcs {
		ReplaceAllUsesIn(f, old, repl)
		for _, n := range f.Meta {
			if n != nil && n.Ref == old {
				n.Ref = repl
			}
		}
		for _, b := range f.Blocks {
			for _, in := range b.Instrs {
				for _, n := range in.Meta {
					if n != nil && n.Ref == old {
						n.Ref = repl
					}
				}
			}
		}
	}
	for _, g := range m.Globals {
		for _, n := range g.Meta {
			if n != nil && n.Ref == old {
				n.Ref = repl
			}
		}
	}
}

// InstrHasUses reports whether any instruction of the owning function uses in.
func InstrHasUses(in *Instr) bool {
	f := in.Func()
	if f == nil {
		return false
	}
	return len(UsesIn(f, in)) > 0
}

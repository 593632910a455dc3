package ir

import (
	"errors"
	"fmt"
)

// Validate checks structural invariants of every function in m.
func Validate(m *Module) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, f := range m.Funcs {
		if err := ValidateFunc(f); err != nil {
			errs = append(errs, fmt.Errorf("function %s: %w", f.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateFunc checks structural invariants of f.
func ValidateFunc(f *Func) error {
	if f == nil || f.IsDeclaration() {
		return nil
	}
	var errs []error
	inFunc := make(map[*Block]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		inFunc[b] = true
	}
	preds := make(map[*Block][]*Block)
	for _, b := range f.Blocks {
		for _, s := range b.Successors() {
			preds[s] = append(preds[s], b)
		}
	}

	for _, b := range f.Blocks {
		if b.fn != f {
			errs = append(errs, fmt.Errorf("block %s: wrong parent", b.Name))
		}
		if b.Terminator() == nil {
			errs = append(errs, fmt.Errorf("block %s: missing terminator", b.Name))
		}
		seenNonPhi := false
		for k, in := range b.Instrs {
			if in.block != b {
				errs = append(errs, fmt.Errorf("block %s: %s has wrong parent", b.Name, in.Op))
			}
			if in.IsTerminator() && k != len(b.Instrs)-1 {
				errs = append(errs, fmt.Errorf("block %s: terminator %s in the middle of the block", b.Name, in.Op))
			}
			if in.Op == OpPhi {
				if seenNonPhi {
					errs = append(errs, fmt.Errorf("block %s: phi after non-phi instruction", b.Name))
				}
				errs = append(errs, validatePhi(b, in, preds[b])...)
			} else {
				seenNonPhi = true
			}
			for _, t := range in.Successors() {
				if !inFunc[t] {
					errs = append(errs, fmt.Errorf("block %s: branch to foreign block %s", b.Name, t.Name))
				}
			}
			errs = append(errs, validateOperands(f, b, in)...)
		}
	}
	return errors.Join(errs...)
}

func validatePhi(b *Block, phi *Instr, preds []*Block) []error {
	var errs []error
	if len(phi.Ops) != len(phi.Blocks) {
		return []error{fmt.Errorf("block %s: phi operand/block count mismatch", b.Name)}
	}
	for _, in := range phi.Blocks {
		found := false
		for _, p := range preds {
			if p == in {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Errorf("block %s: phi names %s which is not a predecessor", b.Name, in.Name))
		}
	}
	for _, p := range preds {
		if _, ok := phi.IncomingFor(p); !ok {
			errs = append(errs, fmt.Errorf("block %s: phi missing value for predecessor %s", b.Name, p.Name))
		}
	}
	for _, op := range phi.Ops {
		if !op.Type().Equal(phi.Ty) {
			errs = append(errs, fmt.Errorf("block %s: phi of %s has %s operand", b.Name, phi.Ty, op.Type()))
		}
	}
	return errs
}

func validateOperands(f *Func, b *Block, in *Instr) []error {
	var errs []error
	for _, op := range in.Ops {
		switch v := op.(type) {
		case nil:
			errs = append(errs, fmt.Errorf("block %s: %s has nil operand", b.Name, in.Op))
		case *Instr:
			if v.Func() != f {
				errs = append(errs, fmt.Errorf("block %s: %s uses an instruction outside the function", b.Name, in.Op))
			}
		case *Param:
			if v.fn != f {
				errs = append(errs, fmt.Errorf("block %s: %s uses a foreign parameter %%%s", b.Name, in.Op, v.Name))
			}
		}
	}
	switch in.Op {
	case OpLoad, OpStore:
		if p := in.PointerOperand(); p != nil && !p.Type().IsPtr() {
			errs = append(errs, fmt.Errorf("block %s: %s through non-pointer %s", b.Name, in.Op, p.Type()))
		}
	case OpCall:
		if callee := in.CalledFunc(); callee != nil {
			args := in.Args()
			if len(args) < len(callee.Params) || (len(args) > len(callee.Params) && !callee.Variadic) {
				errs = append(errs, fmt.Errorf("block %s: call to %s has %d args, want %d", b.Name, callee.Name, len(args), len(callee.Params)))
				break
			}
			for k, a := range args[:len(callee.Params)] {
				if !a.Type().Equal(callee.Params[k].Ty) {
					errs = append(errs, fmt.Errorf("block %s: call to %s arg %d is %s, want %s", b.Name, callee.Name, k, a.Type(), callee.Params[k].Ty))
				}
			}
			if !in.Ty.Equal(callee.Ret) {
				errs = append(errs, fmt.Errorf("block %s: call to %s yields %s, want %s", b.Name, callee.Name, in.Ty, callee.Ret))
			}
		}
	case OpRet:
		switch {
		case len(in.Ops) == 0 && !f.Ret.IsVoid():
			errs = append(errs, fmt.Errorf("block %s: ret void in function returning %s", b.Name, f.Ret))
		case len(in.Ops) == 1 && !in.Ops[0].Type().Equal(f.Ret):
			errs = append(errs, fmt.Errorf("block %s: ret %s in function returning %s", b.Name, in.Ops[0].Type(), f.Ret))
		}
	}
	return errs
}

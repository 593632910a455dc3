// Package typelower rewrites values of one type into tuples of other types.
//
// A TypeLowering holds an ordered list of rules. Each rule may claim a type
// and say what it lowers to; the first rule to claim a type wins, and types
// that no rule claims stay as they are. Passes drive the rewrite by visiting
// instructions, recording replacements with ReplaceInstruction and reading
// converted operands with GetValue. Phis are created early and filled in by
// FinishPhis once every incoming value has been converted.
package typelower

import (
	"errors"
	"fmt"

	"rtcont/internal/ir"
)

// Rule converts a type into its lowered representation.
type Rule interface {
	TryConvert(tl *TypeLowering, t *ir.Type) ([]*ir.Type, bool)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(tl *TypeLowering, t *ir.Type) ([]*ir.Type, bool)

// TryConvert calls f.
func (f RuleFunc) TryConvert(tl *TypeLowering, t *ir.Type) ([]*ir.Type, bool) { return f(tl, t) }

type phiFixup struct {
	old  *ir.Instr
	phis []*ir.Instr
}

// TypeLowering is the per-function rewrite state.
type TypeLowering struct {
	m      *ir.Module
	rules  []Rule
	types  map[string][]*ir.Type
	values *TupleMap
	phis   []phiFixup
	erase  []*ir.Instr
	params map[*ir.Param]*ir.Param
	errs   []error
}

// New creates a lowering over m with no rules.
func New(m *ir.Module) *TypeLowering {
	return &TypeLowering{
		m:      m,
		types:  make(map[string][]*ir.Type),
		values: NewTupleMap(true),
		params: make(map[*ir.Param]*ir.Param),
	}
}

// Module returns the module being rewritten.
func (tl *TypeLowering) Module() *ir.Module { return tl.m }

// AddRule registers r ahead of all previously added rules.
func (tl *TypeLowering) AddRule(r Rule) {
	tl.rules = append([]Rule{r}, tl.rules...)
	clear(tl.types)
}

// ConvertType returns the lowered types of t.
func (tl *TypeLowering) ConvertType(t *ir.Type) []*ir.Type {
	key := t.String()
	if cached, ok := tl.types[key]; ok {
		return cached
	}
	out := []*ir.Type{t}
	for _, r := range tl.rules {
		if conv, ok := r.TryConvert(tl, t); ok {
			out = conv
			break
		}
	}
	tl.types[key] = out
	return out
}

// Converts reports whether t lowers to anything other than itself.
func (tl *TypeLowering) Converts(t *ir.Type) bool {
	conv := tl.ConvertType(t)
	return len(conv) != 1 || !conv[0].Equal(t)
}

// GetValue returns the lowered values of v.
func (tl *TypeLowering) GetValue(v ir.Value) []ir.Value {
	if vals, ok := tl.values.Get(v); ok {
		return vals
	}
	if !tl.Converts(v.Type()) {
		return []ir.Value{v}
	}
	if c, ok := v.(*ir.Const); ok {
		vals := tl.convertConstant(c)
		tl.values.Set(v, vals)
		return vals
	}
	tl.errs = append(tl.errs, fmt.Errorf("typelower: %s of type %s used before it was lowered", v.Ident(), v.Type()))
	conv := tl.ConvertType(v.Type())
	vals := make([]ir.Value, len(conv))
	for k, t := range conv {
		vals[k] = ir.Poison(t)
	}
	return vals
}

// GetValueOptional returns the lowered values of v if it was mapped.
func (tl *TypeLowering) GetValueOptional(v ir.Value) ([]ir.Value, bool) {
	return tl.values.Get(v)
}

func (tl *TypeLowering) convertConstant(c *ir.Const) []ir.Value {
	conv := tl.ConvertType(c.Ty)
	vals := make([]ir.Value, len(conv))
	for k, t := range conv {
		switch c.Kind {
		case ir.ConstUndef:
			vals[k] = ir.Undef(t)
		case ir.ConstPoison:
			vals[k] = ir.Poison(t)
		case ir.ConstNull, ir.ConstZero:
			if t.IsInt() {
				vals[k] = ir.ConstIntOf(t, 0)
			} else {
				vals[k] = ir.Zero(t)
			}
		default:
			tl.errs = append(tl.errs, fmt.Errorf("typelower: cannot lower constant %s", c.Ident()))
			vals[k] = ir.Poison(t)
		}
	}
	return vals
}

// ReplaceValue records vals as the lowering of v without touching the IR.
func (tl *TypeLowering) ReplaceValue(v ir.Value, vals []ir.Value) {
	tl.values.Set(v, vals)
}

// ReplaceInstruction records vals as the lowering of in and schedules in
// for deletion.
func (tl *TypeLowering) ReplaceInstruction(in *ir.Instr, vals []ir.Value) {
	if len(vals) > 0 {
		tl.values.Set(in, vals)
	}
	tl.erase = append(tl.erase, in)
}

// EraseInstruction schedules in for deletion.
func (tl *TypeLowering) EraseInstruction(in *ir.Instr) {
	tl.erase = append(tl.erase, in)
}

// VisitInstruction applies the generic rewrites for in: phis, selects,
// loads and stores of lowered types, and lowered call and return operands.
// It reports whether in was rewritten.
func (tl *TypeLowering) VisitInstruction(in *ir.Instr) bool {
	switch in.Op {
	case ir.OpPhi:
		return tl.visitPhi(in)
	case ir.OpSelect:
		return tl.visitSelect(in)
	case ir.OpLoad:
		conv := tl.ConvertType(in.Ty)
		if !tl.Converts(in.Ty) || len(conv) != 1 {
			return false
		}
		in.Ty = conv[0]
		tl.values.Set(in, []ir.Value{in})
		return true
	case ir.OpStore, ir.OpCall, ir.OpRet:
		changed := false
		for k, op := range in.Ops {
			if in.Op == ir.OpCall && k == 0 {
				continue
			}
			if !tl.Converts(op.Type()) {
				continue
			}
			vals := tl.GetValue(op)
			if len(vals) != 1 {
				tl.errs = append(tl.errs, fmt.Errorf("typelower: %s operand %d lowers to %d values", in.Op, k, len(vals)))
				continue
			}
			in.Ops[k] = vals[0]
			changed = true
		}
		return changed
	}
	return false
}

func (tl *TypeLowering) visitPhi(phi *ir.Instr) bool {
	if !tl.Converts(phi.Ty) {
		return false
	}
	var phis []*ir.Instr
	var vals []ir.Value
	for k, t := range tl.ConvertType(phi.Ty) {
		np := ir.BuilderBefore(phi).CreatePhi(t, fmt.Sprintf("%s.%d", phi.Name, k))
		phis = append(phis, np)
		vals = append(vals, np)
	}
	tl.phis = append(tl.phis, phiFixup{old: phi, phis: phis})
	tl.ReplaceInstruction(phi, vals)
	return true
}

func (tl *TypeLowering) visitSelect(sel *ir.Instr) bool {
	if !tl.Converts(sel.Ty) {
		return false
	}
	cond := sel.Ops[0]
	x := tl.GetValue(sel.Ops[1])
	y := tl.GetValue(sel.Ops[2])
	b := ir.BuilderBefore(sel)
	vals := make([]ir.Value, len(x))
	for k := range x {
		vals[k] = b.CreateSelect(cond, x[k], y[k], sel.Name)
	}
	tl.ReplaceInstruction(sel, vals)
	return true
}

// FinishPhis fills in the incoming values of phis created while visiting.
func (tl *TypeLowering) FinishPhis() {
	for _, fix := range tl.phis {
		for k, v := range fix.old.Ops {
			vals := tl.GetValue(v)
			for j, np := range fix.phis {
				if j < len(vals) {
					np.AddIncoming(vals[j], fix.old.Blocks[k])
				}
			}
		}
	}
	tl.phis = nil
}

// LowerFunctionArguments rebuilds fn with lowered parameter types when any
// parameter type converts. Each such parameter must lower to one value.
// The returned function replaces fn in the module.
func (tl *TypeLowering) LowerFunctionArguments(fn *ir.Func) (*ir.Func, error) {
	needed := false
	for _, p := range fn.Params {
		if tl.Converts(p.Ty) {
			needed = true
			break
		}
	}
	if !needed {
		return fn, nil
	}
	params := make([]*ir.Param, len(fn.Params))
	for k, p := range fn.Params {
		conv := tl.ConvertType(p.Ty)
		if len(conv) != 1 {
			return nil, fmt.Errorf("typelower: parameter %%%s of %s lowers to %d values", p.Name, fn.Name, len(conv))
		}
		params[k] = &ir.Param{Name: p.Name, Ty: conv[0], Attrs: p.Attrs}
	}
	nf := ir.CloneHeader(fn, fn.Name, fn.Ret, params)
	tl.m.AddFunc(nf)
	nf.TakeBody(fn)
	for k, p := range fn.Params {
		np := nf.Params[k]
		if tl.Converts(p.Ty) {
			tl.values.Set(p, []ir.Value{np})
			tl.params[p] = np
		} else {
			ir.ReplaceAllUsesIn(nf, p, np)
		}
	}
	tl.m.ReplaceFunc(fn, nf)
	return nf, nil
}

// FinishCleanup deletes every instruction scheduled for deletion and
// reports errors collected during the rewrite.
func (tl *TypeLowering) FinishCleanup() error {
	for in, np := range tl.params {
		if f := np.Parent(); f != nil {
			ir.ReplaceAllUsesIn(f, in, np)
		}
	}
	clear(tl.params)
	for k := len(tl.erase) - 1; k >= 0; k-- {
		in := tl.erase[k]
		f := in.Func()
		if f == nil {
			continue
		}
		if ir.InstrHasUses(in) {
			repl := ir.Value(ir.Poison(in.Ty))
			if vals, ok := tl.values.Get(in); ok && len(vals) == 1 {
				repl = vals[0]
			}
			ir.ReplaceAllUsesIn(f, in, repl)
		}
		in.EraseFromParent()
	}
	tl.erase = nil
	err := errors.Join(tl.errs...)
	tl.errs = nil
	return err
}

package irfile

import (
	"fmt"

	"rtcont/internal/ir"
)

// decoder rebuilds a module in two passes: every function, block and
// instruction is created first, then operands and metadata are resolved,
// which lets phis and metadata refer forward.
type decoder struct {
	p      *payload
	m      *ir.Module
	types  []*ir.Type
	instrs []*ir.Instr
	params []*ir.Param
}

func newDecoder(p *payload) *decoder {
	return &decoder{p: p}
}

func (d *decoder) module() (*ir.Module, error) {
	p := d.p
	m := ir.NewModule(p.Name)
	m.Layout = ir.DataLayout{PointerBits: p.PointerBits, DefaultPointerBits: p.DefaultPointerBits}
	d.m = m

	if err := d.decodeTypes(); err != nil {
		return nil, err
	}
	for _, g := range p.Globals {
		t, err := d.typ(g.ValueType)
		if err != nil {
			return nil, fmt.Errorf("irfile: global %s: %w", g.Name, err)
		}
		ng := m.AddGlobal(g.Name, t, g.AddrSpace)
		ng.External = g.External
	}
	for _, fr := range p.Funcs {
		if err := d.declare(fr); err != nil {
			return nil, fmt.Errorf("irfile: func %s: %w", fr.Name, err)
		}
	}

	for k, g := range p.Globals {
		md, err := d.meta(g.Meta)
		if err != nil {
			return nil, fmt.Errorf("irfile: global %s: %w", g.Name, err)
		}
		m.Globals[k].Meta = md
	}
	next := 0
	for k, fr := range p.Funcs {
		f := m.Funcs[k]
		md, err := d.meta(fr.Meta)
		if err != nil {
			return nil, fmt.Errorf("irfile: func %s: %w", fr.Name, err)
		}
		f.Meta = md
		for bk, br := range fr.Blocks {
			for _, rec := range br.Instrs {
				if err := d.fill(f, d.instrs[next], rec); err != nil {
					return nil, fmt.Errorf("irfile: func %s, block %s: %w", fr.Name, f.Blocks[bk].Name, err)
				}
				next++
			}
		}
	}
	return m, nil
}

func (d *decoder) decodeTypes() error {
	d.types = make([]*ir.Type, len(d.p.Types))
	for k, rec := range d.p.Types {
		t := &ir.Type{
			Kind:      ir.TypeKind(rec.Kind),
			Bits:      rec.Bits,
			AddrSpace: rec.AddrSpace,
			Len:       rec.Len,
			Packed:    rec.Packed,
		}
		var err error
		if t.Elem, err = d.earlierType(rec.Elem, k); err != nil {
			return err
		}
		if t.Ret, err = d.earlierType(rec.Ret, k); err != nil {
			return err
		}
		if t.Fields, err = d.earlierTypes(rec.Fields, k); err != nil {
			return err
		}
		if t.Params, err = d.earlierTypes(rec.Params, k); err != nil {
			return err
		}
		d.types[k] = t
	}
	return nil
}

// earlierType resolves a member type, which the encoder always interns
// before the type containing it.
func (d *decoder) earlierType(idx int32, self int) (*ir.Type, error) {
	if idx < 0 {
		return nil, nil
	}
	if int(idx) >= self {
		return nil, fmt.Errorf("irfile: type %d refers forward to %d", self, idx)
	}
	return d.types[idx], nil
}

func (d *decoder) earlierTypes(idx []int32, self int) ([]*ir.Type, error) {
	if len(idx) == 0 {
		return nil, nil
	}
	out := make([]*ir.Type, len(idx))
	for k, i := range idx {
		t, err := d.earlierType(i, self)
		if err != nil {
			return nil, err
		}
		out[k] = t
	}
	return out, nil
}

func (d *decoder) typ(idx int32) (*ir.Type, error) {
	if idx < 0 {
		return nil, nil
	}
	if int(idx) >= len(d.types) {
		return nil, fmt.Errorf("type index %d out of range", idx)
	}
	return d.types[idx], nil
}

func (d *decoder) typs(idx []int32) ([]*ir.Type, error) {
	if len(idx) == 0 {
		return nil, nil
	}
	out := make([]*ir.Type, len(idx))
	for k, i := range idx {
		t, err := d.typ(i)
		if err != nil {
			return nil, err
		}
		out[k] = t
	}
	return out, nil
}

// declare creates the function with its parameters, blocks and empty
// instructions.
func (d *decoder) declare(fr funcRecord) error {
	ret, err := d.typ(fr.Ret)
	if err != nil {
		return err
	}
	f := &ir.Func{
		Name:     fr.Name,
		Ret:      ret,
		Linkage:  ir.Linkage(fr.Linkage),
		Variadic: fr.Variadic,
		Attrs: ir.FuncAttrs{
			AlwaysInline: fr.AlwaysInline,
			NoInline:     fr.NoInline,
			ReadNone:     fr.ReadNone,
			NoReturn:     fr.NoReturn,
		},
	}
	params := make([]*ir.Param, 0, len(fr.Params))
	for _, pr := range fr.Params {
		t, err := d.typ(pr.Type)
		if err != nil {
			return err
		}
		slot, err := d.typ(pr.OutputSlot)
		if err != nil {
			return err
		}
		params = append(params, &ir.Param{Name: pr.Name, Ty: t, Attrs: ir.ParamAttrs{OutputSlot: slot, InReg: pr.InReg}})
	}
	f.SetParams(params)
	d.params = append(d.params, params...)
	d.m.AddFunc(f)

	for _, br := range fr.Blocks {
		b := f.AddBlock(br.Name)
		for range br.Instrs {
			d.instrs = append(d.instrs, b.Append(&ir.Instr{}))
		}
	}
	return nil
}

func (d *decoder) fill(f *ir.Func, in *ir.Instr, rec instrRecord) error {
	var err error
	in.Op = ir.Opcode(rec.Op)
	in.Name = rec.Name
	in.Idx = rec.Idx
	in.Pred = ir.Predicate(rec.Pred)
	in.Align = rec.Align
	if in.Ty, err = d.typ(rec.Type); err != nil {
		return err
	}
	if in.Elem, err = d.typ(rec.Elem); err != nil {
		return err
	}
	for _, r := range rec.Ops {
		v, err := d.value(r)
		if err != nil {
			return fmt.Errorf("%s: %w", in.Op, err)
		}
		in.Ops = append(in.Ops, v)
	}
	for _, bk := range rec.Blocks {
		if bk < 0 || int(bk) >= len(f.Blocks) {
			return fmt.Errorf("%s: block index %d out of range", in.Op, bk)
		}
		in.Blocks = append(in.Blocks, f.Blocks[bk])
	}
	in.Meta, err = d.meta(rec.Meta)
	return err
}

func (d *decoder) value(r valueRef) (ir.Value, error) {
	k := int(r.Index)
	switch r.Kind {
	case refInstr:
		if k >= 0 && k < len(d.instrs) {
			return d.instrs[k], nil
		}
	case refParam:
		if k >= 0 && k < len(d.params) {
			return d.params[k], nil
		}
	case refGlobal:
		if k >= 0 && k < len(d.m.Globals) {
			return d.m.Globals[k], nil
		}
	case refFunc:
		if k >= 0 && k < len(d.m.Funcs) {
			return d.m.Funcs[k], nil
		}
	case refConst:
		if r.Const == nil {
			return nil, fmt.Errorf("constant reference without a body")
		}
		t, err := d.typ(r.Const.Type)
		if err != nil {
			return nil, err
		}
		c := &ir.Const{Kind: ir.ConstKind(r.Const.Kind), Ty: t, Int: r.Const.Int}
		for _, el := range r.Const.Elems {
			v, err := d.value(el)
			if err != nil {
				return nil, err
			}
			c.Elems = append(c.Elems, v)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", r.Kind)
	}
	return nil, fmt.Errorf("value index %d out of range", r.Index)
}

func (d *decoder) meta(recs map[string]mdRecord) (ir.Metadata, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	md := make(ir.Metadata, len(recs))
	for name, rec := range recs {
		types, err := d.typs(rec.Types)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", name, err)
		}
		n := &ir.MDNode{Ints: rec.Ints, Types: types}
		if rec.Ref != nil {
			if n.Ref, err = d.value(*rec.Ref); err != nil {
				return nil, fmt.Errorf("metadata %s: %w", name, err)
			}
		}
		md[name] = n
	}
	return md, nil
}

package irfile

import (
	"fmt"

	"fortio.org/safecast"

	"rtcont/internal/ir"
)

// encoder numbers the values of a module. Instructions and parameters are
// numbered module-wide in function order so metadata may reference any of
// them.
type encoder struct {
	m      *ir.Module
	types  map[string]int32
	out    []typeRecord
	instrs map[*ir.Instr]int32
	params map[*ir.Param]int32
	blocks map[*ir.Block]int32
	funcs  map[*ir.Func]int32
	global map[*ir.Global]int32
}

func newEncoder(m *ir.Module) *encoder {
	return &encoder{
		m:      m,
		types:  make(map[string]int32),
		instrs: make(map[*ir.Instr]int32),
		params: make(map[*ir.Param]int32),
		blocks: make(map[*ir.Block]int32),
		funcs:  make(map[*ir.Func]int32),
		global: make(map[*ir.Global]int32),
	}
}

func index(n int) int32 {
	v, err := safecast.Conv[int32](n)
	if err != nil {
		panic(fmt.Sprintf("irfile: index %d out of range", n))
	}
	return v
}

func (e *encoder) module() (*payload, error) {
	m := e.m
	for k, g := range m.Globals {
		e.global[g] = index(k)
	}
	var ni, np int
	for k, f := range m.Funcs {
		e.funcs[f] = index(k)
		for _, p := range f.Params {
			e.params[p] = index(np)
			np++
		}
		for bk, b := range f.Blocks {
			e.blocks[b] = index(bk)
			for _, in := range b.Instrs {
				e.instrs[in] = index(ni)
				ni++
			}
		}
	}

	p := &payload{
		Schema:             schemaVersion,
		Name:               m.Name,
		PointerBits:        m.Layout.PointerBits,
		DefaultPointerBits: m.Layout.DefaultPointerBits,
	}
	for _, g := range m.Globals {
		meta, err := e.meta(g.Meta)
		if err != nil {
			return nil, fmt.Errorf("irfile: global %s: %w", g.Name, err)
		}
		p.Globals = append(p.Globals, globalRecord{
			Name:      g.Name,
			ValueType: e.typ(g.ValueType),
			AddrSpace: g.AddrSpace,
			External:  g.External,
			Meta:      meta,
		})
	}
	for _, f := range m.Funcs {
		rec, err := e.fn(f)
		if err != nil {
			return nil, fmt.Errorf("irfile: func %s: %w", f.Name, err)
		}
		p.Funcs = append(p.Funcs, rec)
	}
	p.Types = e.out
	return p, nil
}

// typ interns t. A nil type encodes as -1.
func (e *encoder) typ(t *ir.Type) int32 {
	if t == nil {
		return -1
	}
	key := t.String()
	if t.Kind == ir.TypeFloat {
		key = fmt.Sprintf("f%d", t.Bits)
	}
	if k, ok := e.types[key]; ok {
		return k
	}
	rec := typeRecord{
		Kind:      uint8(t.Kind),
		Bits:      t.Bits,
		AddrSpace: t.AddrSpace,
		Elem:      e.typ(t.Elem),
		Len:       t.Len,
		Packed:    t.Packed,
		Ret:       e.typ(t.Ret),
	}
	for _, f := range t.Fields {
		rec.Fields = append(rec.Fields, e.typ(f))
	}
	for _, p := range t.Params {
		rec.Params = append(rec.Params, e.typ(p))
	}
	k := index(len(e.out))
	e.out = append(e.out, rec)
	e.types[key] = k
	return k
}

func (e *encoder) typs(ts []*ir.Type) []int32 {
	if len(ts) == 0 {
		return nil
	}
	out := make([]int32, len(ts))
	for k, t := range ts {
		out[k] = e.typ(t)
	}
	return out
}

func (e *encoder) value(v ir.Value) (valueRef, error) {
	switch x := v.(type) {
	case *ir.Instr:
		k, ok := e.instrs[x]
		if !ok {
			return valueRef{}, fmt.Errorf("reference to detached instruction %s", x.Ident())
		}
		return valueRef{Kind: refInstr, Index: k}, nil
	case *ir.Param:
		k, ok := e.params[x]
		if !ok {
			return valueRef{}, fmt.Errorf("reference to foreign parameter %s", x.Ident())
		}
		return valueRef{Kind: refParam, Index: k}, nil
	case *ir.Global:
		k, ok := e.global[x]
		if !ok {
			return valueRef{}, fmt.Errorf("reference to foreign global %s", x.Ident())
		}
		return valueRef{Kind: refGlobal, Index: k}, nil
	case *ir.Func:
		k, ok := e.funcs[x]
		if !ok {
			return valueRef{}, fmt.Errorf("reference to foreign function %s", x.Ident())
		}
		return valueRef{Kind: refFunc, Index: k}, nil
	case *ir.Const:
		rec := &constRecord{Kind: uint8(x.Kind), Type: e.typ(x.Ty), Int: x.Int}
		for _, el := range x.Elems {
			r, err := e.value(el)
			if err != nil {
				return valueRef{}, err
			}
			rec.Elems = append(rec.Elems, r)
		}
		return valueRef{Kind: refConst, Const: rec}, nil
	}
	return valueRef{}, fmt.Errorf("unsupported value %T", v)
}

func (e *encoder) meta(md ir.Metadata) (map[string]mdRecord, error) {
	if len(md) == 0 {
		return nil, nil
	}
	out := make(map[string]mdRecord, len(md))
	for name, n := range md {
		if n == nil {
			continue
		}
		rec := mdRecord{Ints: n.Ints, Types: e.typs(n.Types)}
		if n.Ref != nil {
			r, err := e.value(n.Ref)
			if err != nil {
				return nil, fmt.Errorf("metadata %s: %w", name, err)
			}
			rec.Ref = &r
		}
		out[name] = rec
	}
	return out, nil
}

func (e *encoder) fn(f *ir.Func) (funcRecord, error) {
	rec := funcRecord{
		Name:         f.Name,
		Ret:          e.typ(f.Ret),
		Linkage:      uint8(f.Linkage),
		Variadic:     f.Variadic,
		AlwaysInline: f.Attrs.AlwaysInline,
		NoInline:     f.Attrs.NoInline,
		ReadNone:     f.Attrs.ReadNone,
		NoReturn:     f.Attrs.NoReturn,
	}
	meta, err := e.meta(f.Meta)
	if err != nil {
		return rec, err
	}
	rec.Meta = meta
	for _, p := range f.Params {
		rec.Params = append(rec.Params, paramRecord{
			Name:       p.Name,
			Type:       e.typ(p.Ty),
			OutputSlot: e.typ(p.Attrs.OutputSlot),
			InReg:      p.Attrs.InReg,
		})
	}
	for _, b := range f.Blocks {
		br := blockRecord{Name: b.Name}
		for _, in := range b.Instrs {
			r, err := e.instr(in)
			if err != nil {
				return rec, fmt.Errorf("block %s: %w", b.Name, err)
			}
			br.Instrs = append(br.Instrs, r)
		}
		rec.Blocks = append(rec.Blocks, br)
	}
	return rec, nil
}

func (e *encoder) instr(in *ir.Instr) (instrRecord, error) {
	rec := instrRecord{
		Op:    uint8(in.Op),
		Type:  e.typ(in.Ty),
		Name:  in.Name,
		Elem:  e.typ(in.Elem),
		Idx:   in.Idx,
		Pred:  uint8(in.Pred),
		Align: in.Align,
	}
	for _, op := range in.Ops {
		r, err := e.value(op)
		if err != nil {
			return rec, err
		}
		rec.Ops = append(rec.Ops, r)
	}
	for _, b := range in.Blocks {
		k, ok := e.blocks[b]
		if !ok || b.Parent() != in.Func() {
			return rec, fmt.Errorf("%s targets a block of another function", in.Op)
		}
		rec.Blocks = append(rec.Blocks, k)
	}
	meta, err := e.meta(in.Meta)
	if err != nil {
		return rec, err
	}
	rec.Meta = meta
	return rec, nil
}

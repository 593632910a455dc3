package ir

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// DumpOptions controls textual output.
type DumpOptions struct {
	// SkipDeclarations omits bodiless functions.
	SkipDeclarations bool
}

// DumpModule writes a textual form of m.
func DumpModule(w io.Writer, m *Module, opts DumpOptions) error {
	if m == nil {
		return nil
	}
	if m.Name != "" {
		if _, err := fmt.Fprintf(w, "; module %s\n", m.Name); err != nil {
			return err
		}
	}
	for _, g := range m.Globals {
		kw := "global"
		if g.External {
			kw = "external global"
		}
		as := ""
		if g.AddrSpace != 0 {
			as = fmt.Sprintf(" addrspace(%d)", g.AddrSpace)
		}
		if _, err := fmt.Fprintf(w, "@%s =%s %s %s%s\n", g.Name, as, kw, g.ValueType, formatMeta(g.Meta, nil)); err != nil {
			return err
		}
	}
	if len(m.Globals) > 0 {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	for _, f := range m.Funcs {
		if opts.SkipDeclarations && f.IsDeclaration() {
			continue
		}
		if err := DumpFunc(w, f); err != nil {
			return err
		}
	}
	return nil
}

// DumpFunc writes a textual form of f.
func DumpFunc(w io.Writer, f *Func) error {
	var sb strings.Builder
	names := newSlotNames(f)
	params := make([]string, len(f.Params))
	for k, p := range f.Params {
		s := p.Ty.String()
		if p.Attrs.OutputSlot != nil {
			s += fmt.Sprintf(" sret(%s)", p.Attrs.OutputSlot)
		}
		if p.Attrs.InReg {
			s += " inreg"
		}
		params[k] = s + " " + names.of(p)
	}
	if f.Variadic {
		params = append(params, "...")
	}
	kw := "define"
	if f.IsDeclaration() {
		kw = "declare"
	}
	sb.WriteString(fmt.Sprintf("%s %s @%s(%s)%s%s", kw, f.Ret, f.Name, strings.Join(params, ", "), formatFuncAttrs(f), formatMeta(f.Meta, names)))
	if f.IsDeclaration() {
		sb.WriteString("\n\n")
		_, err := io.WriteString(w, sb.String())
		return err
	}
	sb.WriteString(" {\n")
	for k, b := range f.Blocks {
		if k > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(names.block(b) + ":\n")
		for _, in := range b.Instrs {
			sb.WriteString("  " + formatInstr(in, names) + "\n")
		}
	}
	sb.WriteString("}\n\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func formatFuncAttrs(f *Func) string {
	var attrs []string
	if f.Linkage == LinkageInternal {
		attrs = append(attrs, "internal")
	}
	if f.Attrs.AlwaysInline {
		attrs = append(attrs, "alwaysinline")
	}
	if f.Attrs.NoInline {
		attrs = append(attrs, "noinline")
	}
	if f.Attrs.ReadNone {
		attrs = append(attrs, "readnone")
	}
	if f.Attrs.NoReturn {
		attrs = append(attrs, "noreturn")
	}
	if len(attrs) == 0 {
		return ""
	}
	return " " + strings.Join(attrs, " ")
}

func formatMeta(md Metadata, names *slotNames) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		n := md[k]
		if n == nil {
			continue
		}
		var parts []string
		for _, v := range n.Ints {
			parts = append(parts, fmt.Sprintf("%d", v))
		}
		if n.Ref != nil {
			parts = append(parts, names.of(n.Ref))
		}
		for _, t := range n.Types {
			if t == nil {
				parts = append(parts, "null")
				continue
			}
			parts = append(parts, t.String())
		}
		sb.WriteString(fmt.Sprintf(" !%s !{%s}", k, strings.Join(parts, ", ")))
	}
	return sb.String()
}

type slotNames struct {
	values map[Value]string
	blocks map[*Block]string
}

func newSlotNames(f *Func) *slotNames {
	s := &slotNames{values: make(map[Value]string), blocks: make(map[*Block]string)}
	next := 0
	used := make(map[string]bool)
	assign := func(v Value, name string) {
		if name == "" || used[name] {
			for {
				candidate := fmt.Sprintf("%d", next)
				next++
				if !used[candidate] {
					name = candidate
					break
				}
			}
		}
		used[name] = true
		s.values[v] = "%" + name
	}
	for _, p := range f.Params {
		assign(p, p.Name)
	}
	for k, b := range f.Blocks {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("bb%d", k)
		}
		s.blocks[b] = name
		for _, in := range b.Instrs {
			if !in.Ty.IsVoid() {
				assign(in, in.Name)
			}
		}
	}
	return s
}

func (s *slotNames) of(v Value) string {
	if v == nil {
		return "<nil>"
	}
	if s != nil {
		if name, ok := s.values[v]; ok {
			return name
		}
	}
	if c, ok := v.(*Const); ok && c.Kind == ConstAggregate {
		parts := make([]string, len(c.Elems))
		for k, e := range c.Elems {
			parts[k] = e.Type().String() + " " + s.of(e)
		}
		if c.Ty.Kind == TypeArray {
			return "[" + strings.Join(parts, ", ") + "]"
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	}
	return v.Ident()
}

func (s *slotNames) typed(v Value) string {
	return v.Type().String() + " " + s.of(v)
}

func (s *slotNames) block(b *Block) string {
	if name, ok := s.blocks[b]; ok {
		return name
	}
	return b.Name
}

func formatInstr(in *Instr, s *slotNames) string {
	var body string
	switch in.Op {
	case OpAlloca:
		body = fmt.Sprintf("alloca %s", in.Elem)
	case OpLoad:
		body = fmt.Sprintf("load %s, %s", in.Ty, s.typed(in.Ops[0]))
	case OpStore:
		body = fmt.Sprintf("store %s, %s", s.typed(in.Ops[0]), s.typed(in.Ops[1]))
	case OpGEP:
		parts := []string{in.Elem.String()}
		for _, op := range in.Ops {
			parts = append(parts, s.typed(op))
		}
		body = "getelementptr " + strings.Join(parts, ", ")
	case OpICmp:
		body = fmt.Sprintf("icmp %s %s, %s", in.Pred, s.typed(in.Ops[0]), s.of(in.Ops[1]))
	case OpSelect:
		body = fmt.Sprintf("select %s, %s, %s", s.typed(in.Ops[0]), s.typed(in.Ops[1]), s.typed(in.Ops[2]))
	case OpCall:
		args := make([]string, 0, len(in.Ops)-1)
		for _, a := range in.Args() {
			args = append(args, s.typed(a))
		}
		body = fmt.Sprintf("call %s %s(%s)", in.Ty, s.of(in.Ops[0]), strings.Join(args, ", "))
	case OpInsertValue:
		body = fmt.Sprintf("insertvalue %s, %s%s", s.typed(in.Ops[0]), s.typed(in.Ops[1]), formatIdx(in.Idx))
	case OpExtractValue:
		body = fmt.Sprintf("extractvalue %s%s", s.typed(in.Ops[0]), formatIdx(in.Idx))
	case OpPhi:
		parts := make([]string, len(in.Ops))
		for k, op := range in.Ops {
			parts[k] = fmt.Sprintf("[ %s, %%%s ]", s.of(op), s.block(in.Blocks[k]))
		}
		body = fmt.Sprintf("phi %s %s", in.Ty, strings.Join(parts, ", "))
	case OpBr:
		body = fmt.Sprintf("br label %%%s", s.block(in.Blocks[0]))
	case OpCondBr:
		body = fmt.Sprintf("br %s, label %%%s, label %%%s", s.typed(in.Ops[0]), s.block(in.Blocks[0]), s.block(in.Blocks[1]))
	case OpRet:
		if len(in.Ops) == 0 {
			body = "ret void"
		} else {
			body = "ret " + s.typed(in.Ops[0])
		}
	case OpUnreachable:
		body = "unreachable"
	default:
		switch {
		case in.Op.IsCast():
			body = fmt.Sprintf("%s %s to %s", in.Op, s.typed(in.Ops[0]), in.Ty)
		case in.Op.IsBinary():
			body = fmt.Sprintf("%s %s, %s", in.Op, s.typed(in.Ops[0]), s.of(in.Ops[1]))
		default:
			body = in.Op.String()
		}
	}
	if in.Align != 0 {
		body += fmt.Sprintf(", align %d", in.Align)
	}
	body += formatMeta(in.Meta, s)
	if in.Ty.IsVoid() {
		return body
	}
	return s.of(in) + " = " + body
}

func formatIdx(idx []int) string {
	var sb strings.Builder
	for _, i := range idx {
		sb.WriteString(fmt.Sprintf(", %d", i))
	}
	return sb.String()
}

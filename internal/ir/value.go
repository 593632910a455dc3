package ir

import (
	"fmt"
	"strings"
)

// Value is anything that can be an instruction operand.
type Value interface {
	Type() *Type
	// Ident returns the textual reference used by the printer.
	Ident() string
}

// ConstKind enumerates constant kinds.
type ConstKind uint8

const (
	// ConstInt is an integer constant.
	ConstInt ConstKind = iota
	// ConstNull is the null pointer.
	ConstNull
	// ConstUndef is an undefined value.
	ConstUndef
	// ConstPoison is a poison value.
	ConstPoison
	// ConstZero is the all-zero value of any type.
	ConstZero
	// ConstAggregate is a struct or array built from constant elements.
	ConstAggregate
)

// Const is a constant value. Aggregate elements may reference functions
// and globals.
type Const struct {
	Kind  ConstKind
	Ty    *Type
	Int   int64
	Elems []Value
}

// Type returns the type of the constant.
func (c *Const) Type() *Type { return c.Ty }

// Ident renders the constant.
func (c *Const) Ident() string {
	switch c.Kind {
	case ConstInt:
		if c.Ty.Bits == 1 {
			if c.Int != 0 {
				return "true"
			}
			return "false"
		}
		return fmt.Sprintf("%d", c.Int)
	case ConstNull:
		return "null"
	case ConstUndef:
		return "undef"
	case ConstPoison:
		return "poison"
	case ConstZero:
		return "zeroinitializer"
	case ConstAggregate:
		parts := make([]string, len(c.Elems))
		for i, e := range c.Elems {
			parts[i] = e.Type().String() + " " + e.Ident()
		}
		if c.Ty.Kind == TypeArray {
			return "[" + strings.Join(parts, ", ") + "]"
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	}
	return "?"
}

// ConstIntOf returns an integer constant of type t.
func ConstIntOf(t *Type, v int64) *Const { return &Const{Kind: ConstInt, Ty: t, Int: v} }

// ConstI32 returns an i32 constant.
func ConstI32(v int64) *Const { return ConstIntOf(I32, v) }

// ConstI64 returns an i64 constant.
func ConstI64(v int64) *Const { return ConstIntOf(I64, v) }

// Null returns the null pointer of type t.
func Null(t *Type) *Const { return &Const{Kind: ConstNull, Ty: t} }

// Undef returns an undef value of type t.
func Undef(t *Type) *Const { return &Const{Kind: ConstUndef, Ty: t} }

// Poison returns a poison value of type t.
func Poison(t *Type) *Const { return &Const{Kind: ConstPoison, Ty: t} }

// Zero returns the zero value of type t.
func Zero(t *Type) *Const { return &Const{Kind: ConstZero, Ty: t} }

// Aggregate returns a constant struct or array.
func Aggregate(t *Type, elems ...Value) *Const {
	return &Const{Kind: ConstAggregate, Ty: t, Elems: elems}
}

// IsUndefOrPoison reports whether v is an undef or poison constant.
func IsUndefOrPoison(v Value) bool {
	c, ok := v.(*Const)
	return ok && (c.Kind == ConstUndef || c.Kind == ConstPoison)
}

// IsNullValue reports whether v is null or zero.
func IsNullValue(v Value) bool {
	c, ok := v.(*Const)
	if !ok {
		return false
	}
	switch c.Kind {
	case ConstNull, ConstZero:
		return true
	case ConstInt:
		return c.Int == 0
	}
	return false
}

// ConstIntValue returns the integer payload of an integer constant.
func ConstIntValue(v Value) (int64, bool) {
	c, ok := v.(*Const)
	if !ok {
		return 0, false
	}
	switch c.Kind {
	case ConstInt:
		return c.Int, true
	case ConstZero:
		if c.Ty.IsInt() {
			return 0, true
		}
	}
	return 0, false
}

// ParamAttrs holds per-parameter attributes.
type ParamAttrs struct {
	// OutputSlot is the pointee type when the parameter is the hidden
	// output slot of an aggregate-returning function.
	OutputSlot *Type
	// InReg marks parameters passed in registers.
	InReg bool
}

// Param is a formal parameter of a function.
type Param struct {
	Name  string
	Ty    *Type
	Attrs ParamAttrs

	fn    *Func
	index int
}

// Type returns the parameter type.
func (p *Param) Type() *Type { return p.Ty }

// Ident returns the parameter reference.
func (p *Param) Ident() string { return "%" + p.Name }

// Parent returns the owning function.
func (p *Param) Parent() *Func { return p.fn }

// Index returns the parameter position.
func (p *Param) Index() int { return p.index }

// Global is a module-level variable. Its value is a pointer into AddrSpace.
type Global struct {
	Name      string
	ValueType *Type
	AddrSpace uint32
	External  bool
	Meta      Metadata

	module *Module
}

// Type returns the pointer type of the global.
func (g *Global) Type() *Type { return Ptr(g.AddrSpace) }

// Ident returns the global reference.
func (g *Global) Ident() string { return "@" + g.Name }

// Parent returns the owning module.
func (g *Global) Parent() *Module { return g.module }

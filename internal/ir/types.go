package ir

import (
	"fmt"
	"strings"
)

// TypeKind enumerates the kinds of IR types.
type TypeKind uint8

const (
	// TypeVoid is the type of instructions that produce no value.
	TypeVoid TypeKind = iota
	// TypeInt is an integer of arbitrary bit width.
	TypeInt
	// TypeFloat is an IEEE float (16, 32 or 64 bits).
	TypeFloat
	// TypePtr is an opaque pointer into an address space.
	TypePtr
	// TypeArray is a fixed-length array.
	TypeArray
	// TypeStruct is a (possibly packed) structure.
	TypeStruct
	// TypeFunc is a function signature.
	TypeFunc
)

// Type describes an IR type. Types are compared structurally with Equal.
type Type struct {
	Kind      TypeKind
	Bits      int     // TypeInt, TypeFloat
	AddrSpace uint32  // TypePtr
	Elem      *Type   // TypeArray
	Len       uint64  // TypeArray
	Fields    []*Type // TypeStruct
	Packed    bool    // TypeStruct
	Ret       *Type   // TypeFunc
	Params    []*Type // TypeFunc
}

var (
	// Void is the void type.
	Void = &Type{Kind: TypeVoid}
	// I1 is the boolean type.
	I1 = Int(1)
	// I8 is an 8-bit integer.
	I8 = Int(8)
	// I16 is a 16-bit integer.
	I16 = Int(16)
	// I32 is a 32-bit integer.
	I32 = Int(32)
	// I64 is a 64-bit integer.
	I64 = Int(64)
	// F32 is a 32-bit float.
	F32 = &Type{Kind: TypeFloat, Bits: 32}
	// Ptr0 is a pointer into the generic address space.
	Ptr0 = Ptr(0)
)

// Int returns an integer type of the given width.
func Int(bits int) *Type { return &Type{Kind: TypeInt, Bits: bits} }

// Float returns a float type of the given width.
func Float(bits int) *Type { return &Type{Kind: TypeFloat, Bits: bits} }

// Ptr returns an opaque pointer type into addrSpace.
func Ptr(addrSpace uint32) *Type { return &Type{Kind: TypePtr, AddrSpace: addrSpace} }

// ArrayOf returns an array type of n elements.
func ArrayOf(elem *Type, n uint64) *Type { return &Type{Kind: TypeArray, Elem: elem, Len: n} }

// StructOf returns a non-packed struct type.
func StructOf(fields ...*Type) *Type { return &Type{Kind: TypeStruct, Fields: fields} }

// PackedStructOf returns a packed struct type.
func PackedStructOf(fields ...*Type) *Type {
	return &Type{Kind: TypeStruct, Fields: fields, Packed: true}
}

// FuncOf returns a function signature type.
func FuncOf(ret *Type, params ...*Type) *Type {
	return &Type{Kind: TypeFunc, Ret: ret, Params: params}
}

// IsVoid reports whether t is void.
func (t *Type) IsVoid() bool { return t == nil || t.Kind == TypeVoid }

// IsInt reports whether t is an integer type.
func (t *Type) IsInt() bool { return t != nil && t.Kind == TypeInt }

// IsPtr reports whether t is a pointer type.
func (t *Type) IsPtr() bool { return t != nil && t.Kind == TypePtr }

// IsAggregate reports whether t is an array or a struct.
func (t *Type) IsAggregate() bool {
	return t != nil && (t.Kind == TypeArray || t.Kind == TypeStruct)
}

// IsPtrIn reports whether t is a pointer into addrSpace.
func (t *Type) IsPtrIn(addrSpace uint32) bool {
	return t.IsPtr() && t.AddrSpace == addrSpace
}

// NumElems returns the number of direct sub-elements of an aggregate.
func (t *Type) NumElems() int {
	switch t.Kind {
	case TypeArray:
		return int(t.Len)
	case TypeStruct:
		return len(t.Fields)
	default:
		return 0
	}
}

// ElemAt returns the type of the i-th sub-element of an aggregate.
func (t *Type) ElemAt(i int) *Type {
	switch t.Kind {
	case TypeArray:
		return t.Elem
	case TypeStruct:
		if i < 0 || i >= len(t.Fields) {
			return nil
		}
		return t.Fields[i]
	default:
		return nil
	}
}

// IndexedType walks an insertvalue/extractvalue index path.
func (t *Type) IndexedType(idx []int) *Type {
	cur := t
	for _, i := range idx {
		if cur == nil || !cur.IsAggregate() {
			return nil
		}
		cur = cur.ElemAt(i)
	}
	return cur
}

// Equal reports structural equality.
func (t *Type) Equal(o *Type) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil || t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TypeVoid:
		return true
	case TypeInt, TypeFloat:
		return t.Bits == o.Bits
	case TypePtr:
		return t.AddrSpace == o.AddrSpace
	case TypeArray:
		return t.Len == o.Len && t.Elem.Equal(o.Elem)
	case TypeStruct:
		if t.Packed != o.Packed || len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if !t.Fields[i].Equal(o.Fields[i]) {
				return false
			}
		}
		return true
	case TypeFunc:
		if !t.Ret.Equal(o.Ret) || len(t.Params) != len(o.Params) {
			return false
		}
		for i := range t.Params {
			if !t.Params[i].Equal(o.Params[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case TypeVoid:
		return "void"
	case TypeInt:
		return fmt.Sprintf("i%d", t.Bits)
	case TypeFloat:
		switch t.Bits {
		case 16:
			return "half"
		case 64:
			return "double"
		default:
			return "float"
		}
	case TypePtr:
		if t.AddrSpace == 0 {
			return "ptr"
		}
		return fmt.Sprintf("ptr addrspace(%d)", t.AddrSpace)
	case TypeArray:
		return fmt.Sprintf("[%d x %s]", t.Len, t.Elem)
	case TypeStruct:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.String()
		}
		if t.Packed {
			return "<{ " + strings.Join(parts, ", ") + " }>"
		}
		return "{ " + strings.Join(parts, ", ") + " }"
	case TypeFunc:
		parts := make([]string, len(t.Params))
		for i, p := range t.Params {
			parts[i] = p.String()
		}
		return fmt.Sprintf("%s (%s)", t.Ret, strings.Join(parts, ", "))
	}
	return "?"
}

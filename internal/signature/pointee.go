package signature

import (
	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

// PointeeLookup answers what a pointer parameter points to. Pointers in the
// IR are opaque, so the answer comes from outside the type system.
type PointeeLookup interface {
	// Known reports whether pointee information exists for f at all.
	Known(f *ir.Func) bool
	// ParamPointee returns the pointee type of parameter idx of f.
	ParamPointee(f *ir.Func, idx int) (*ir.Type, bool)
}

// MetadataPointees reads pointee types from the "types" function
// metadata, one type operand per parameter (nil for non-pointers).
type MetadataPointees struct{}

// Known implements PointeeLookup.
func (MetadataPointees) Known(f *ir.Func) bool { return f.Meta.Has(cont.MDTypes) }

// ParamPointee implements PointeeLookup.
func (MetadataPointees) ParamPointee(f *ir.Func, idx int) (*ir.Type, bool) {
	n, ok := f.Meta.Get(cont.MDTypes)
	if !ok || idx < 0 || idx >= len(n.Types) || n.Types[idx] == nil {
		return nil, false
	}
	return n.Types[idx], true
}

// SetParamPointees records the pointee types of f's parameters.
func SetParamPointees(f *ir.Func, types ...*ir.Type) {
	ir.SetMeta(&f.Meta, cont.MDTypes, &ir.MDNode{Types: types})
}

// dropPointee removes the entry for parameter idx.
func dropPointee(f *ir.Func, idx int) {
	n, ok := f.Meta.Get(cont.MDTypes)
	if !ok || idx >= len(n.Types) {
		return
	}
	n.Types = append(n.Types[:idx:idx], n.Types[idx+1:]...)
}

// clearPointee marks parameter idx as no longer a pointer.
func clearPointee(f *ir.Func, idx int) {
	n, ok := f.Meta.Get(cont.MDTypes)
	if !ok || idx >= len(n.Types) {
		return
	}
	n.Types[idx] = nil
}

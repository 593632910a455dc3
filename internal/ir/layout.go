package ir

import (
	"fmt"

	"fortio.org/safecast"
)

// DataLayout answers size, alignment and offset questions for types.
type DataLayout struct {
	// PointerBits overrides the pointer width per address space.
	PointerBits map[uint32]int
	// DefaultPointerBits is used for address spaces absent from PointerBits.
	DefaultPointerBits int
}

// DefaultLayout is the layout used for GPU shader modules: 64-bit generic
// and global pointers, 32-bit register, scratch and continuation stack
// pointers.
func DefaultLayout() DataLayout {
	return DataLayout{
		PointerBits:        map[uint32]int{20: 32, 21: 32, 32: 32},
		DefaultPointerBits: 64,
	}
}

// PointerBitsIn returns the pointer width of addrSpace.
func (dl DataLayout) PointerBitsIn(addrSpace uint32) int {
	if bits, ok := dl.PointerBits[addrSpace]; ok {
		return bits
	}
	if dl.DefaultPointerBits == 0 {
		return 64
	}
	return dl.DefaultPointerBits
}

// SizeInBits returns the number of value bits of a scalar type, or the
// store size in bits for aggregates.
func (dl DataLayout) SizeInBits(t *Type) uint64 {
	switch t.Kind {
	case TypeInt, TypeFloat:
		return uint64(t.Bits) //nolint:gosec // widths are positive
	case TypePtr:
		return uint64(dl.PointerBitsIn(t.AddrSpace)) //nolint:gosec // widths are positive
	}
	return dl.StoreSize(t) * 8
}

// ABIAlign returns the ABI alignment in bytes.
func (dl DataLayout) ABIAlign(t *Type) uint64 {
	switch t.Kind {
	case TypeVoid, TypeFunc:
		return 1
	case TypeInt, TypeFloat, TypePtr:
		return scalarAlign((dl.SizeInBits(t) + 7) / 8)
	case TypeArray:
		return dl.ABIAlign(t.Elem)
	case TypeStruct:
		if t.Packed {
			return 1
		}
		align := uint64(1)
		for _, f := range t.Fields {
			align = max(align, dl.ABIAlign(f))
		}
		return align
	}
	return 1
}

func scalarAlign(bytes uint64) uint64 {
	align := uint64(1)
	for align < bytes && align < 8 {
		align <<= 1
	}
	return align
}

// StoreSize returns the number of bytes written when storing t.
func (dl DataLayout) StoreSize(t *Type) uint64 {
	switch t.Kind {
	case TypeVoid, TypeFunc:
		return 0
	case TypeInt, TypeFloat, TypePtr:
		return (dl.SizeInBits(t) + 7) / 8
	case TypeArray:
		return t.Len * dl.AllocSize(t.Elem)
	case TypeStruct:
		return dl.structSize(t)
	}
	return 0
}

// AllocSize returns the store size rounded up to the ABI alignment.
func (dl DataLayout) AllocSize(t *Type) uint64 {
	return alignTo(dl.StoreSize(t), dl.ABIAlign(t))
}

func alignTo(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// AlignTo rounds n up to a multiple of align.
func AlignTo(n, align uint64) uint64 { return alignTo(n, align) }

func (dl DataLayout) structSize(t *Type) uint64 {
	var off uint64
	for _, f := range t.Fields {
		if !t.Packed {
			off = alignTo(off, dl.ABIAlign(f))
		}
		off += dl.AllocSize(f)
	}
	return alignTo(off, dl.ABIAlign(t))
}

// FieldOffset returns the byte offset of field i of struct t.
func (dl DataLayout) FieldOffset(t *Type, i int) uint64 {
	var off uint64
	for k, f := range t.Fields {
		if !t.Packed {
			off = alignTo(off, dl.ABIAlign(f))
		}
		if k == i {
			return off
		}
		off += dl.AllocSize(f)
	}
	return off
}

// ElemOffset returns the byte offset of sub-element i of aggregate t.
func (dl DataLayout) ElemOffset(t *Type, i int) uint64 {
	if t.Kind == TypeStruct {
		return dl.FieldOffset(t, i)
	}
	k, err := safecast.Conv[uint64](i)
	if err != nil {
		return 0
	}
	return k * dl.AllocSize(t.Elem)
}

// ScaledIndex is a non-constant GEP index multiplied by a byte scale.
type ScaledIndex struct {
	Index Value
	Scale int64
}

// GEPOffsets splits the byte offset of a GEP into a constant part and a
// list of scaled variable indices. Variable struct indices are an error.
func (dl DataLayout) GEPOffsets(gep *Instr) (int64, []ScaledIndex, error) {
	if gep.Op != OpGEP {
		return 0, nil, fmt.Errorf("ir: %s is not a getelementptr", gep.Op)
	}
	var constOff int64
	var vars []ScaledIndex
	cur := gep.Elem
	for k, idx := range gep.Ops[1:] {
		var scale uint64
		if k == 0 {
			scale = dl.AllocSize(cur)
		} else {
			switch cur.Kind {
			case TypeStruct:
				c, ok := ConstIntValue(idx)
				if !ok {
					return 0, nil, fmt.Errorf("ir: variable struct index in getelementptr")
				}
				fieldOff, err := safecast.Conv[int64](dl.FieldOffset(cur, int(c)))
				if err != nil {
					return 0, nil, err
				}
				constOff += fieldOff
				cur = cur.Fields[c]
				continue
			case TypeArray:
				cur = cur.Elem
				scale = dl.AllocSize(cur)
			default:
				return 0, nil, fmt.Errorf("ir: getelementptr indexes into non-aggregate %s", cur)
			}
		}
		s, err := safecast.Conv[int64](scale)
		if err != nil {
			return 0, nil, err
		}
		if c, ok := ConstIntValue(idx); ok {
			constOff += c * s
			continue
		}
		vars = append(vars, ScaledIndex{Index: idx, Scale: s})
	}
	return constOff, vars, nil
}

// ConstGEPOffset returns the byte offset of a GEP whose indices are all
// constant.
func (dl DataLayout) ConstGEPOffset(gep *Instr) (int64, bool) {
	off, vars, err := dl.GEPOffsets(gep)
	if err != nil || len(vars) != 0 {
		return 0, false
	}
	return off, true
}

// ResultElemType returns the type addressed by a GEP.
func ResultElemType(gep *Instr) *Type {
	cur := gep.Elem
	for k, idx := range gep.Ops[1:] {
		if k == 0 {
			continue
		}
		switch cur.Kind {
		case TypeStruct:
			c, ok := ConstIntValue(idx)
			if !ok || c < 0 || int(c) >= len(cur.Fields) {
				return nil
			}
			cur = cur.Fields[c]
		case TypeArray:
			cur = cur.Elem
		default:
			return nil
		}
	}
	return cur
}

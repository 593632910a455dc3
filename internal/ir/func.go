package ir

import "fmt"

// Linkage describes symbol visibility.
type Linkage uint8

const (
	// LinkageExternal is visible outside the module.
	LinkageExternal Linkage = iota
	// LinkageInternal is private to the module.
	LinkageInternal
)

// FuncAttrs holds function-level attributes.
type FuncAttrs struct {
	AlwaysInline bool
	NoInline     bool
	ReadNone     bool
	NoReturn     bool
}

// Func is a function definition or declaration. A function without blocks
// is a declaration.
type Func struct {
	Name    string
	Ret     *Type
	Params  []*Param
	Blocks  []*Block
	Meta    Metadata
	Linkage Linkage
	Attrs   FuncAttrs

	// Variadic functions accept arguments beyond Params.
	Variadic bool

	module   *Module
	nextName int
}

// NewFunc creates a detached function. Parameter names default to a0, a1...
func NewFunc(name string, ret *Type, params ...*Type) *Func {
	f := &Func{Name: name, Ret: ret}
	for k, t := range params {
		f.AddParam(fmt.Sprintf("a%d", k), t)
	}
	return f
}

// Type returns the pointer type functions have as values.
func (f *Func) Type() *Type { return Ptr0 }

// Ident returns the symbol reference.
func (f *Func) Ident() string { return "@" + f.Name }

// Parent returns the owning module.
func (f *Func) Parent() *Module { return f.module }

// Signature returns the function type.
func (f *Func) Signature() *Type {
	params := make([]*Type, len(f.Params))
	for k, p := range f.Params {
		params[k] = p.Ty
	}
	return FuncOf(f.Ret, params...)
}

// IsDeclaration reports whether f has no body.
func (f *Func) IsDeclaration() bool { return len(f.Blocks) == 0 }

// AddParam appends a parameter.
func (f *Func) AddParam(name string, t *Type) *Param {
	p := &Param{Name: name, Ty: t, fn: f, index: len(f.Params)}
	f.Params = append(f.Params, p)
	return p
}

// SetParams replaces the parameter list and re-parents the parameters.
func (f *Func) SetParams(params []*Param) {
	f.Params = params
	for k, p := range params {
		p.fn = f
		p.index = k
	}
}

// Entry returns the entry block.
func (f *Func) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// AddBlock appends a new block.
func (f *Func) AddBlock(name string) *Block {
	b := &Block{Name: name, fn: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// InsertBlockAfter creates a block placed right after pos.
func (f *Func) InsertBlockAfter(pos *Block, name string) *Block {
	b := &Block{Name: name, fn: f}
	for k, x := range f.Blocks {
		if x == pos {
			f.Blocks = append(f.Blocks, nil)
			copy(f.Blocks[k+2:], f.Blocks[k+1:])
			f.Blocks[k+1] = b
			return b
		}
	}
	f.Blocks = append(f.Blocks, b)
	return b
}

// RemoveBlock detaches b from f.
func (f *Func) RemoveBlock(b *Block) {
	for k, x := range f.Blocks {
		if x == b {
			f.Blocks = append(f.Blocks[:k], f.Blocks[k+1:]...)
			b.fn = nil
			return
		}
	}
}

// TakeBody moves every block of src into f, leaving src a declaration.
func (f *Func) TakeBody(src *Func) {
	for _, b := range src.Blocks {
		b.fn = f
	}
	f.Blocks = append(f.Blocks, src.Blocks...)
	src.Blocks = nil
}

// Instructions returns all instructions in block order.
func (f *Func) Instructions() []*Instr {
	var out []*Instr
	for _, b := range f.Blocks {
		out = append(out, b.Instrs...)
	}
	return out
}

// MetaInt returns the first integer of the named attachment.
func (f *Func) MetaInt(name string) (uint64, bool) { return f.Meta.Int(name) }

// uniqueName hands out a fresh local name. Names already present in f are
// not tracked; callers pass a hint to keep output readable.
func (f *Func) uniqueName(hint string) string {
	f.nextName++
	if hint == "" {
		hint = "t"
	}
	return fmt.Sprintf("%s.%d", hint, f.nextName)
}

// CloneHeader creates a declaration with the same attributes and metadata
// as f but a new signature.
func CloneHeader(f *Func, name string, ret *Type, params []*Param) *Func {
	nf := &Func{
		Name:     name,
		Ret:      ret,
		Meta:     f.Meta.Clone(),
		Linkage:  f.Linkage,
		Attrs:    f.Attrs,
		Variadic: f.Variadic,
	}
	nf.SetParams(params)
	return nf
}

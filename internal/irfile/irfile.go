// Package irfile stores modules on disk as msgpack payloads.
package irfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"rtcont/internal/ir"
)

// Current schema version - increment when the payload format changes
const schemaVersion uint16 = 1

// Ext is the conventional file extension of module files.
const Ext = ".rtm"

// ErrSchema reports a payload written with a different schema version.
var ErrSchema = errors.New("irfile: unsupported schema version")

// payload is the serialized form of a module. Types are interned into
// Types and referenced by index; values are referenced through valueRef.
type payload struct {
	Schema uint16

	Name               string
	PointerBits        map[uint32]int
	DefaultPointerBits int

	Types   []typeRecord
	Globals []globalRecord
	Funcs   []funcRecord
}

type typeRecord struct {
	Kind      uint8
	Bits      int
	AddrSpace uint32
	Elem      int32
	Len       uint64
	Fields    []int32
	Packed    bool
	Ret       int32
	Params    []int32
}

type refKind uint8

const (
	refInstr refKind = iota + 1
	refParam
	refGlobal
	refFunc
	refConst
)

type valueRef struct {
	Kind  refKind
	Index int32
	Const *constRecord `msgpack:",omitempty"`
}

type constRecord struct {
	Kind  uint8
	Type  int32
	Int   int64
	Elems []valueRef
}

type mdRecord struct {
	Ints  []uint64
	Ref   *valueRef `msgpack:",omitempty"`
	Types []int32
}

type globalRecord struct {
	Name      string
	ValueType int32
	AddrSpace uint32
	External  bool
	Meta      map[string]mdRecord
}

type paramRecord struct {
	Name       string
	Type       int32
	OutputSlot int32
	InReg      bool
}

type funcRecord struct {
	Name     string
	Ret      int32
	Params   []paramRecord
	Blocks   []blockRecord
	Meta     map[string]mdRecord
	Linkage  uint8
	Variadic bool

	AlwaysInline bool
	NoInline     bool
	ReadNone     bool
	NoReturn     bool
}

type blockRecord struct {
	Name   string
	Instrs []instrRecord
}

type instrRecord struct {
	Op     uint8
	Type   int32
	Name   string
	Ops    []valueRef
	Elem   int32
	Idx    []int
	Blocks []int32
	Pred   uint8
	Align  uint64
	Meta   map[string]mdRecord
}

// Encode writes m to w.
func Encode(w io.Writer, m *ir.Module) error {
	p, err := newEncoder(m).module()
	if err != nil {
		return err
	}
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("irfile: encode %s: %w", m.Name, err)
	}
	return nil
}

// Decode reads a module from r.
func Decode(r io.Reader) (*ir.Module, error) {
	var p payload
	dec := msgpack.NewDecoder(r)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("irfile: decode: %w", err)
	}
	if p.Schema != schemaVersion {
		return nil, fmt.Errorf("%w %d, want %d", ErrSchema, p.Schema, schemaVersion)
	}
	return newDecoder(&p).module()
}

// ReadFile decodes the module stored at path.
func ReadFile(path string) (*ir.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteFile stores m at path, replacing any existing file atomically.
func WriteFile(path string, m *ir.Module) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if err = Encode(f, m); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

package ir

import "fmt"

// Module is a translation unit: functions, globals and a data layout.
type Module struct {
	Name    string
	Funcs   []*Func
	Globals []*Global
	Layout  DataLayout
}

// NewModule creates an empty module using the default data layout.
func NewModule(name string) *Module {
	return &Module{Name: name, Layout: DefaultLayout()}
}

// Func looks a function up by name.
func (m *Module) Func(name string) *Func {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// AddFunc registers f with the module.
func (m *Module) AddFunc(f *Func) *Func {
	f.module = m
	m.Funcs = append(m.Funcs, f)
	return f
}

// RemoveFunc detaches f from the module.
func (m *Module) RemoveFunc(f *Func) {
	for k, x := range m.Funcs {
		if x == f {
			m.Funcs = append(m.Funcs[:k], m.Funcs[k+1:]...)
			f.module = nil
			return
		}
	}
}

// DeclareFunc returns the function called name, declaring it if missing.
// An existing function with a different signature is an error.
func (m *Module) DeclareFunc(name string, ret *Type, params ...*Type) (*Func, error) {
	if f := m.Func(name); f != nil {
		if !f.Signature().Equal(FuncOf(ret, params...)) {
			return nil, fmt.Errorf("ir: %s redeclared with signature %s, have %s", name, FuncOf(ret, params...), f.Signature())
		}
		return f, nil
	}
	return m.AddFunc(NewFunc(name, ret, params...)), nil
}

// ReplaceFunc redirects every reference of old to repl, puts repl at old's
// position under old's name and drops old from the module.
func (m *Module) ReplaceFunc(old, repl *Func) {
	m.ReplaceAllUsesWith(old, repl)
	name := old.Name
	m.RemoveFunc(repl)
	pos := -1
	for k, x := range m.Funcs {
		if x == old {
			pos = k
		}
	}
	if pos < 0 {
		m.AddFunc(repl)
	} else {
		repl.module = m
		m.Funcs[pos] = repl
		old.module = nil
	}
	repl.Name = name
}

// Global looks a global up by name.
func (m *Module) Global(name string) *Global {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// AddGlobal creates and registers a global.
func (m *Module) AddGlobal(name string, t *Type, addrSpace uint32) *Global {
	g := &Global{Name: name, ValueType: t, AddrSpace: addrSpace, module: m}
	m.Globals = append(m.Globals, g)
	return g
}

// RemoveGlobal detaches g from the module.
func (m *Module) RemoveGlobal(g *Global) {
	for k, x := range m.Globals {
		if x == g {
			m.Globals = append(m.Globals[:k], m.Globals[k+1:]...)
			g.module = nil
			return
		}
	}
}

// Definitions returns all functions with a body.
func (m *Module) Definitions() []*Func {
	var out []*Func
	for _, f := range m.Funcs {
		if !f.IsDeclaration() {
			out = append(out, f)
		}
	}
	return out
}

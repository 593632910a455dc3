package ir

// MDNode is a metadata attachment. A node carries integer operands, an
// optional value reference and optional type operands.
type MDNode struct {
	Ints  []uint64
	Ref   Value
	Types []*Type
}

// Metadata maps attachment names to nodes.
type Metadata map[string]*MDNode

// Get returns the named node.
func (md Metadata) Get(name string) (*MDNode, bool) {
	if md == nil {
		return nil, false
	}
	n, ok := md[name]
	return n, ok && n != nil
}

// Has reports whether the named node is attached.
func (md Metadata) Has(name string) bool {
	_, ok := md.Get(name)
	return ok
}

// Int returns the first integer operand of the named node.
func (md Metadata) Int(name string) (uint64, bool) {
	n, ok := md.Get(name)
	if !ok || len(n.Ints) == 0 {
		return 0, false
	}
	return n.Ints[0], true
}

// Clone returns a shallow copy of the map with copied nodes.
func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	out := make(Metadata, len(md))
	for k, n := range md {
		if n == nil {
			continue
		}
		cp := &MDNode{Ref: n.Ref}
		cp.Ints = append(cp.Ints, n.Ints...)
		cp.Types = append(cp.Types, n.Types...)
		out[k] = cp
	}
	return out
}

// SetMeta attaches a node, allocating the map on demand.
func SetMeta(md *Metadata, name string, n *MDNode) {
	if *md == nil {
		*md = make(Metadata)
	}
	(*md)[name] = n
}

// SetMetaInt attaches a node with a single integer operand.
func SetMetaInt(md *Metadata, name string, v uint64) {
	SetMeta(md, name, &MDNode{Ints: []uint64{v}})
}

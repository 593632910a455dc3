package typelower

import "rtcont/internal/ir"

type tupleKind uint8

const (
	tupleSingle tupleKind = iota
	tupleArena
)

// tupleRef is either a single inline value or a slice of the arena.
type tupleRef struct {
	kind  tupleKind
	value ir.Value
	start int
	n     int
}

// TupleMap maps a value to a tuple of replacement values. Single-value
// tuples are stored inline; longer tuples live in a shared arena.
type TupleMap struct {
	index map[ir.Value]tupleRef
	arena []ir.Value

	// reverse maps a value to the keys whose tuples mention it. Only kept
	// when tracking is enabled.
	track   bool
	reverse map[ir.Value][]ir.Value
}

// NewTupleMap creates an empty map. With track set, the map supports
// ReplaceAllUsesOfWith.
func NewTupleMap(track bool) *TupleMap {
	tm := &TupleMap{index: make(map[ir.Value]tupleRef), track: track}
	if track {
		tm.reverse = make(map[ir.Value][]ir.Value)
	}
	return tm
}

// Len returns the number of keys.
func (tm *TupleMap) Len() int { return len(tm.index) }

// Has reports whether key is mapped.
func (tm *TupleMap) Has(key ir.Value) bool {
	_, ok := tm.index[key]
	return ok
}

// Get returns the tuple mapped to key. The returned slice must not be
// modified.
func (tm *TupleMap) Get(key ir.Value) ([]ir.Value, bool) {
	ref, ok := tm.index[key]
	if !ok {
		return nil, false
	}
	if ref.kind == tupleSingle {
		return []ir.Value{ref.value}, true
	}
	return tm.arena[ref.start : ref.start+ref.n], true
}

// Set maps key to vals, replacing any previous tuple.
func (tm *TupleMap) Set(key ir.Value, vals []ir.Value) {
	tm.Erase(key)
	var ref tupleRef
	if len(vals) == 1 {
		ref = tupleRef{kind: tupleSingle, value: vals[0]}
	} else {
		ref = tupleRef{kind: tupleArena, start: len(tm.arena), n: len(vals)}
		tm.arena = append(tm.arena, vals...)
	}
	tm.index[key] = ref
	if tm.track {
		for _, v := range vals {
			tm.reverse[v] = append(tm.reverse[v], key)
		}
	}
}

// Erase drops key. Arena slots of multi-value tuples are not reclaimed.
func (tm *TupleMap) Erase(key ir.Value) {
	vals, ok := tm.Get(key)
	if !ok {
		return
	}
	if tm.track {
		for _, v := range vals {
			keys := tm.reverse[v]
			out := keys[:0]
			for _, k := range keys {
				if k != key {
					out = append(out, k)
				}
			}
			if len(out) == 0 {
				delete(tm.reverse, v)
			} else {
				tm.reverse[v] = out
			}
		}
	}
	delete(tm.index, key)
}

// ReplaceAllUsesOfWith rewrites every tuple element equal to old. It is a
// no-op on untracked maps.
func (tm *TupleMap) ReplaceAllUsesOfWith(old, repl ir.Value) {
	if !tm.track || old == repl {
		return
	}
	keys := tm.reverse[old]
	delete(tm.reverse, old)
	for _, key := range keys {
		ref := tm.index[key]
		if ref.kind == tupleSingle {
			if ref.value == old {
				ref.value = repl
				tm.index[key] = ref
			}
		} else {
			for k := ref.start; k < ref.start+ref.n; k++ {
				if tm.arena[k] == old {
					tm.arena[k] = repl
				}
			}
		}
		tm.reverse[repl] = append(tm.reverse[repl], key)
	}
}

// Package cleanup turns split coroutine fragments into continuation
// functions.
//
// Each group's frame is replaced by a function-local state record. That
// record is copied to the shared continuation state global before every
// suspension and copied back at the start of every resume fragment. Token
// returns become tail calls to continuation.continue or
// continuation.waitContinue, completions become continuation.complete or a
// continue to the caller's return address.
package cleanup

import (
	"fortio.org/safecast"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

const passName = "cleanup-continuations"

// Options configures the pass.
type Options struct {
	// StateRegisterCount is the number of state words the continuation
	// state global keeps in registers.
	StateRegisterCount uint32
}

// DefaultOptions keeps the whole state in memory.
func DefaultOptions() Options {
	return Options{StateRegisterCount: cont.StateRegisterCount}
}

// Stats reports what one run did.
type Stats struct {
	Groups        int
	StateBytes    map[string]uint32 // group entry name -> state bytes
	MaxStateBytes uint32
	SplitBlocks   int
	RemovedDecls  int
}

// Run rewrites every continuation group of m. All groups are validated
// before the first one is modified.
func Run(m *ir.Module, opts Options) (bool, *Stats, error) {
	groups, err := cont.CollectGroups(m, passName)
	if err != nil {
		return false, nil, err
	}
	stats := &Stats{StateBytes: make(map[string]uint32)}

	infos := make([]*groupInfo, 0, len(groups))
	for _, g := range groups {
		gi, err := analyzeGroup(g)
		if err != nil {
			return false, nil, err
		}
		infos = append(infos, gi)
		stats.MaxStateBytes = max(stats.MaxStateBytes, gi.stateBytes)
	}

	if len(infos) > 0 {
		c, err := newContext(m, opts, stats.MaxStateBytes)
		if err != nil {
			return false, nil, err
		}
		for _, gi := range infos {
			name := gi.entry.Name
			if err := c.rewriteGroup(gi); err != nil {
				return true, nil, err
			}
			stats.StateBytes[name] = gi.stateBytes
			stats.Groups++
		}
	}

	stats.SplitBlocks = splitAfterSystemDataRestore(m)
	stats.RemovedDecls = removeDeadDeclarations(m)
	changed := stats.Groups > 0 || stats.SplitBlocks > 0 || stats.RemovedDecls > 0
	return changed, stats, nil
}

// context holds the helpers shared by all groups of one run.
type context struct {
	m           *ir.Module
	state       *ir.Global
	continueFn  *ir.Func
	waitFn      *ir.Func
	completeFn  *ir.Func
	saveFn      *ir.Func
	restoreFn   *ir.Func
	stackOffset *ir.Func
	barrier     *ir.Func
}

func newContext(m *ir.Module, opts Options, maxBytes uint32) (*context, error) {
	c := &context{m: m}
	var err error
	if c.continueFn, err = cont.DeclareVariadic(m, passName, cont.FnContinue, ir.Void, ir.I64); err != nil {
		return nil, err
	}
	if c.waitFn, err = cont.DeclareVariadic(m, passName, cont.FnWaitContinue, ir.Void, ir.I64); err != nil {
		return nil, err
	}
	if c.completeFn, err = cont.Declare(m, passName, cont.FnComplete, ir.Void); err != nil {
		return nil, err
	}
	if c.saveFn, err = cont.Declare(m, passName, cont.FnSaveState, ir.Void); err != nil {
		return nil, err
	}
	if c.restoreFn, err = cont.Declare(m, passName, cont.FnRestoreState, ir.Void); err != nil {
		return nil, err
	}
	if c.stackOffset, err = cont.Declare(m, passName, cont.FnGetStackOffset, ir.Ptr0); err != nil {
		return nil, err
	}
	if c.barrier, err = cont.DeclareVariadic(m, passName, cont.FnSetPointerBarrier, ir.Void); err != nil {
		return nil, err
	}
	if c.state, err = stateGlobal(m, opts, maxBytes); err != nil {
		return nil, err
	}
	return c, nil
}

// stateGlobal returns the continuation state global, large enough for
// maxBytes and tagged as a register buffer.
func stateGlobal(m *ir.Module, opts Options, maxBytes uint32) (*ir.Global, error) {
	words := ir.AlignTo(uint64(maxBytes), cont.RegisterBytes) / cont.RegisterBytes
	g := m.Global(cont.GlobalContState)
	if g == nil {
		g = m.AddGlobal(cont.GlobalContState, ir.ArrayOf(ir.I32, words), cont.AddrSpaceRegister)
	} else {
		t := g.ValueType
		if t.Kind != ir.TypeArray || !t.Elem.Equal(ir.I32) {
			return nil, cont.Malformed(passName, "", "%s has type %s, want an i32 array", cont.GlobalContState, t)
		}
		if t.Len < words {
			g.ValueType = ir.ArrayOf(ir.I32, words)
		}
		g.AddrSpace = cont.AddrSpaceRegister
	}
	cont.SetRegisterBuffer(g, cont.RegisterBufferInfo{
		RegisterCount:     opts.StateRegisterCount,
		OverflowAddrSpace: cont.AddrSpaceGlobal,
	})
	return g, nil
}

func toUint32(v int64) (uint32, bool) {
	u, err := safecast.Conv[uint32](v)
	return u, err == nil
}

func toInt64(v uint64) (int64, bool) {
	i, err := safecast.Conv[int64](v)
	return i, err == nil
}

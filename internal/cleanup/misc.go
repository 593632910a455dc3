package cleanup

import (
	"strings"

	"github.com/samber/lo"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

// splitAfterSystemDataRestore starts a new block after every call that
// restores the system data, so later passes can rematerialize values
// there. Calls already followed by an unconditional branch are left alone.
func splitAfterSystemDataRestore(m *ir.Module) int {
	split := 0
	for _, f := range m.Definitions() {
		calls := lo.Filter(f.Instructions(), func(in *ir.Instr, _ int) bool {
			return cont.IsCallWithPrefix(in, cont.FnRestoreSystemData)
		})
		for _, call := range calls {
			blk := call.Parent()
			k := blk.IndexOf(call)
			if k+1 < len(blk.Instrs) && blk.Instrs[k+1].Op == ir.OpBr {
				continue
			}
			if ir.SplitBlockAfter(call, "") != nil {
				split++
			}
		}
	}
	return split
}

func isContinuationDeclaration(name string) bool {
	return cont.IsDriverName(name) ||
		strings.HasPrefix(name, "continuation.") ||
		strings.HasPrefix(name, cont.FnSetPointerBarrier)
}

// removeDeadDeclarations drops unused continuation and driver
// declarations.
func removeDeadDeclarations(m *ir.Module) int {
	dead := lo.Filter(m.Funcs, func(f *ir.Func, _ int) bool {
		return f.IsDeclaration() && isContinuationDeclaration(f.Name) && !m.HasUses(f)
	})
	for _, f := range dead {
		m.RemoveFunc(f)
	}
	return len(dead)
}

package testkit

import (
	"fmt"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

// CheckContinuationInvariants runs a minimal set of invariants on a module
// after cleanup-continuations:
// 1) every fragment with a body returns void and never returns a value
// 2) no coroutine helper (return value, malloc, free, return) is called
// 3) every continue, waitContinue or complete call is directly followed by
// unreachable
// 4) every group entry records its state size
func CheckContinuationInvariants(m *ir.Module) error {
	if m == nil {
		return fmt.Errorf("nil module")
	}
	for _, f := range m.Funcs {
		if !cont.IsFragment(f) || f.IsDeclaration() {
			continue
		}
		if err := checkFragment(f); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
		if cont.IsGroupEntry(f) {
			if _, ok := cont.StateBytes(f); !ok {
				return fmt.Errorf("%s: group entry has no %s", f.Name, cont.MDState)
			}
		}
	}
	return nil
}

var forbiddenCalls = []string{cont.FnGetReturnValue, cont.FnMalloc, cont.FnFree, cont.FnReturn}

var tailCalls = []string{cont.FnContinue, cont.FnWaitContinue, cont.FnComplete}

func checkFragment(f *ir.Func) error {
	// 1) void fragments
	if !f.Ret.IsVoid() {
		return fmt.Errorf("fragment returns %s", f.Ret)
	}
	for _, blk := range f.Blocks {
		for k, in := range blk.Instrs {
			if in.Op == ir.OpRet && len(in.Ops) > 0 {
				return fmt.Errorf("block %s returns a value", blk.Name)
			}
			if in.Op != ir.OpCall {
				continue
			}
			// 2) helpers are gone
			for _, name := range forbiddenCalls {
				if cont.IsCallTo(in, name) {
					return fmt.Errorf("block %s still calls %s", blk.Name, name)
				}
			}
			// 3) tail calls end their block
			for _, name := range tailCalls {
				if !cont.IsCallTo(in, name) {
					continue
				}
				if k+1 >= len(blk.Instrs) || blk.Instrs[k+1].Op != ir.OpUnreachable {
					return fmt.Errorf("block %s: %s is not followed by unreachable", blk.Name, name)
				}
			}
		}
	}
	return nil
}

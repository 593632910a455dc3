package signature

import (
	"strings"

	"github.com/samber/lo"

	"rtcont/internal/cont"
	"rtcont/internal/ir"
)

// Matrix accessors return a one-field struct wrapping the matrix.
var unpackedAccessors = []string{"ObjectToWorld4x3", "WorldToObject4x3"}

// PrepareLibrary normalizes every driver callee in m: mangled names are
// replaced by their canonical form, matrix accessors return the bare
// matrix, output slots become return values, and pointer parameters are
// promoted according to PromotionMask. Defined driver functions are marked
// always-inline with external linkage. It reports whether m changed.
func PrepareLibrary(m *ir.Module, lookup PointeeLookup) (bool, error) {
	changed := false
	funcs := append([]*ir.Func(nil), m.Funcs...)
	for _, f := range funcs {
		if !cont.IsDriverName(f.Name) {
			continue
		}
		fc, err := prepareFunc(m, f, lookup)
		if err != nil {
			return changed, err
		}
		changed = changed || fc
	}
	return changed, nil
}

func prepareFunc(m *ir.Module, f *ir.Func, lookup PointeeLookup) (bool, error) {
	changed := false
	if IsMangled(f.Name) {
		name, err := Unmangle(f.Name)
		if err != nil {
			return false, err
		}
		if other := m.Func(name); other != nil && other != f {
			return false, cont.Malformed(passName, f.Name, "canonical name %s is already taken", name)
		}
		f.Name = name
		changed = true
	}

	if f.Ret.IsAggregate() && f.Ret.NumElems() >= 1 && hasAnyFragment(f.Name, unpackedAccessors) {
		nf, err := UnpackAggregateReturn(m, f)
		if err != nil {
			return changed, err
		}
		f, changed = nf, true
	}

	for _, p := range f.Params {
		if p.Attrs.OutputSlot != nil {
			nf, err := LowerOutputParameter(m, f)
			if err != nil {
				return changed, err
			}
			f, changed = nf, true
			break
		}
	}

	nf, err := PromotePointerParameters(m, f, PromotionMask(f.Name, len(f.Params)), lookup)
	if err != nil {
		return changed, err
	}
	if nf != f {
		f, changed = nf, true
	}

	if !f.IsDeclaration() && (!f.Attrs.AlwaysInline || f.Linkage != ir.LinkageExternal) {
		f.Attrs.AlwaysInline = true
		f.Attrs.NoInline = false
		f.Linkage = ir.LinkageExternal
		changed = true
	}
	return changed, nil
}

func hasAnyFragment(name string, fragments []string) bool {
	return lo.ContainsBy(fragments, func(s string) bool { return strings.Contains(name, s) })
}

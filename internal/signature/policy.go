package signature

import "strings"

// Mask selects parameter positions.
type Mask []bool

// MaskOf returns a mask over n parameters with the given positions set.
func MaskOf(n int, positions ...int) Mask {
	m := make(Mask, n)
	for _, p := range positions {
		if p >= 0 && p < n {
			m[p] = true
		}
	}
	return m
}

// Has reports whether position i is selected.
func (m Mask) Has(i int) bool { return i >= 0 && i < len(m) && m[i] }

// Any reports whether any position is selected.
func (m Mask) Any() bool {
	for _, b := range m {
		if b {
			return true
		}
	}
	return false
}

// Positions returns the selected positions in ascending order.
func (m Mask) Positions() []int {
	var out []int
	for k, b := range m {
		if b {
			out = append(out, k)
		}
	}
	return out
}

// promotionRule selects every parameter from first onwards for callees
// whose name contains fragment.
type promotionRule struct {
	fragment string
	first    int
}

// Wait variants take the wait mask right after the callee address. Order
// matters: the first matching fragment wins.
var promotionRules = []promotionRule{
	{fragment: "WaitEnqueue", first: 2},
	{fragment: "WaitAwait", first: 2},
	{fragment: "Enqueue", first: 1},
	{fragment: "Await", first: 1},
	{fragment: "_cont_Traversal", first: 0},
}

// PromotionMask decides which of the numParams parameters of the driver
// callee called name are passed by value. The answer depends only on the
// name and the positions. Enqueue and await helpers keep their leading
// address (and wait mask); traversal promotes everything.
func PromotionMask(name string, numParams int) Mask {
	for _, r := range promotionRules {
		if !strings.Contains(name, r.fragment) {
			continue
		}
		positions := make([]int, 0, numParams)
		for k := r.first; k < numParams; k++ {
			positions = append(positions, k)
		}
		return MaskOf(numParams, positions...)
	}
	return MaskOf(numParams)
}

// Package classify implements the pointer-likeness heuristic: canonical
// address form plus target-region membership. It has no state of its
// own; every function is pure over a word and a region.Table.
package classify

import "github.com/kleascm/faultmonitor/internal/region"

// canonicalHighMask isolates the top 16 bits of a 64-bit address.
const canonicalHighMask = uint64(0xffff) << 48

// IsLikelyPointer reports whether v looks like a valid pointer:
//
//  1. it is nonzero,
//  2. it is at least 2-byte aligned (even),
//  3. its top 16 bits are either all zero or all one (canonical form),
//  4. it falls inside some region of table.
//
// Any failing check short-circuits the rest.
func IsLikelyPointer(v uint64, table *region.Table) bool {
	if v == 0 {
		return false
	}
	if v&1 == 1 {
		return false
	}
	if !isCanonical(v) {
		return false
	}
	return table.IsValidTarget(v)
}

// isCanonical reports whether the top 16 bits of v are uniform (all
// zero or all one), matching current 48-bit virtual-address
// architectures (x86-64, AArch64).
func isCanonical(v uint64) bool {
	high := v & canonicalHighMask
	return high == 0 || high == canonicalHighMask
}

// ClassOf derives the pointer class for a word found in region r. It
// does not re-check pointer-likeness; callers classify only after
// IsLikelyPointer (or explicitly want the class of an arbitrary word's
// containing region regardless of pointer-likeness, e.g. for injection
// bookkeeping).
func ClassOf(r region.Region) region.Class {
	return r.Class()
}

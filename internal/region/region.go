// Package region models the child process's virtual memory map: a sorted,
// non-overlapping table of address ranges with permission bits and a
// mapping label, plus the pointer-class derivation that depends only on
// that label.
package region

import "sort"

// Class is the coarse pointer classification derived from a region's
// mapping label.
type Class int

const (
	Unknown Class = iota
	Heap
	Stack
	Static
)

func (c Class) String() string {
	switch c {
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	case Static:
		return "static"
	default:
		return "unknown"
	}
}

// Region is a half-open address range [Start, End) with four permission
// bits and a mapping label such as "[heap]", "[stack]", or a filesystem
// path. Regions are totally ordered by Start.
type Region struct {
	Start      uint64
	End        uint64
	Readable   bool
	Writable   bool
	Executable bool
	Private    bool // false means shared
	Label      string
}

// Len returns the size of the region in bytes.
func (r Region) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether addr falls in [Start, End).
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Class derives the pointer class from the region's mapping label. A
// label of exactly "[heap]" maps to Heap, "[stack]" to Stack, any other
// nonempty label to Static, and an empty label to Unknown.
func (r Region) Class() Class {
	switch r.Label {
	case "[heap]":
		return Heap
	case "[stack]":
		return Stack
	case "":
		return Unknown
	default:
		return Static
	}
}

// Table is a sorted, immutable-once-built view over a region set that
// supports O(log n) containment queries via binary search.
type Table struct {
	all      []Region // sorted by Start, full region list
	readable []Region // sorted by Start, subset with Readable == true
}

// NewTable builds a Table from an unsorted region slice. The input is
// copied and sorted; the caller's slice is not mutated.
func NewTable(regions []Region) *Table {
	all := make([]Region, len(regions))
	copy(all, regions)
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	readable := make([]Region, 0, len(all))
	for _, r := range all {
		if r.Readable {
			readable = append(readable, r)
		}
	}

	return &Table{all: all, readable: readable}
}

// All returns the full, sorted region list. The returned slice must not
// be mutated by the caller.
func (t *Table) All() []Region {
	if t == nil {
		return nil
	}
	return t.all
}

// Readable returns the sorted subset of regions with Readable == true.
// The returned slice must not be mutated by the caller.
func (t *Table) Readable() []Region {
	if t == nil {
		return nil
	}
	return t.readable
}

// Len returns the number of regions in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.all)
}

// Find returns the region containing addr, if any, via binary search
// (upper-bound on Start, then a single step back to check containment).
func (t *Table) Find(addr uint64) (Region, bool) {
	if t == nil || len(t.all) == 0 {
		return Region{}, false
	}

	// Upper bound: first index whose Start is > addr.
	idx := sort.Search(len(t.all), func(i int) bool {
		return t.all[i].Start > addr
	})
	if idx == 0 {
		return Region{}, false
	}
	candidate := t.all[idx-1]
	if candidate.Contains(addr) {
		return candidate, true
	}
	return Region{}, false
}

// IsValidTarget reports whether addr lies within some region of the
// table. It is the region-membership half of the pointer heuristic.
func (t *Table) IsValidTarget(addr uint64) bool {
	_, ok := t.Find(addr)
	return ok
}

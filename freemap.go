package norftl

import (
	"github.com/boljen/go-bitmap"
)

// FreeMap is a one-bit-per-physical-sector "free/allocated" cache, per
// spec.md §4.2. It is a RAM-only cache recomputed at mount; it never
// replaces the on-flash PSH status as the source of truth (the fail-safe
// caveat of spec.md §4.2).
//
// Grounded on the bit-per-block state tracked by the blockcache reference
// package in the retrieval pack (dargueta-disko), which keeps exactly this
// shape of "one bit per addressable unit" state via the same library.
type FreeMap struct {
	bm  bitmap.Bitmap
	num uint32
}

// NewFreeMap allocates a FreeMap for numSectors physical sectors, all
// initially marked allocated (mount/format always rebuild this from PSH
// scan results, never from a zero-value assumption).
func NewFreeMap(numSectors uint32) *FreeMap {
	bm := bitmap.New(int(numSectors))
	for i := 0; i < int(numSectors); i++ {
		bm.Set(i, false)
	}
	return &FreeMap{bm: bm, num: numSectors}
}

// MarkFree sets the free bit for psi.
func (fm *FreeMap) MarkFree(psi Psi) {
	fm.bm.Set(int(psi), true)
}

// MarkAllocated clears the free bit for psi.
func (fm *FreeMap) MarkAllocated(psi Psi) {
	fm.bm.Set(int(psi), false)
}

// IsFree reports whether psi's free bit is set.
func (fm *FreeMap) IsFree(psi Psi) bool {
	return fm.bm.Get(int(psi))
}

// CountFree returns the number of physical sectors currently marked free.
func (fm *FreeMap) CountFree() uint32 {
	var n uint32
	for i := 0; i < int(fm.num); i++ {
		if fm.bm.Get(i) {
			n++
		}
	}
	return n
}

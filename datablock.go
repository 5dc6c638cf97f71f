package norftl

import (
	"github.com/boljen/go-bitmap"
)

// dataBlockDesc is the in-RAM descriptor for one open Data Block append
// slot, per spec.md §4.5: a Data Block whose native Lbi has spare LSectors
// that have never been written (DataStat==Empty), so a fresh logical sector
// write for an unrelated Lbi can, in principle, be appended directly into a
// Data Block rather than going through a Work Block — but only for the
// Data Block's *own* Lbi's still-empty brsi slots, which is what makes this
// cache shaped like workBlockDesc without an assignment table: there is
// nothing to reassign, a Data Block's srsi IS its brsi.
type dataBlockDesc struct {
	psi Psi
	lbi Lbi

	isWritten bitmap.Bitmap
	nextFree  Brsi
}

// dataBlockCache is the optional fixed-capacity arena of spec.md §4.5: up to
// NumDataBlocks Data Blocks kept open for direct appends, avoiding a Work
// Block round-trip for the common case of sequentially filling a freshly
// allocated Data Block's remaining empty slots.
//
// Grounded on workBlockCache's arena shape, simplified: no assignment table,
// no MRU eviction-by-conversion (a full Data Block is simply dropped from
// the cache — it needs no conversion, it already is a Data Block).
type dataBlockCache struct {
	lSectorsPerPSector uint32

	descs []dataBlockDesc
	byLbi map[Lbi]int
	free  []int
}

// newDataBlockCache allocates a cache with the given capacity. Capacity 0
// disables the cache entirely (spec.md §4.5's "NumDataBlocks==0" toggle).
func newDataBlockCache(capacity int, lSectorsPerPSector uint32) *dataBlockCache {
	dc := &dataBlockCache{
		lSectorsPerPSector: lSectorsPerPSector,
		descs:              make([]dataBlockDesc, capacity),
		byLbi:              make(map[Lbi]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		dc.free = append(dc.free, i)
	}
	return dc
}

// Enabled reports whether the cache has any capacity at all.
func (dc *dataBlockCache) Enabled() bool {
	return len(dc.descs) > 0
}

// Lookup returns the descriptor index for lbi, if its Data Block is
// currently open for direct append.
func (dc *dataBlockCache) Lookup(lbi Lbi) (int, bool) {
	idx, ok := dc.byLbi[lbi]
	return idx, ok
}

// Desc returns the descriptor at idx.
func (dc *dataBlockCache) Desc(idx int) *dataBlockDesc {
	return &dc.descs[idx]
}

// Open registers psi as lbi's open Data Block, with every brsi already
// written (per priorWritten, typically all-false right after a low-level
// format conversion, or reconstructed at mount from the LSH scan).
// It silently no-ops (and returns false) if the cache is disabled or full;
// the caller always has the fall-through of routing the write through a
// Work Block instead.
func (dc *dataBlockCache) Open(lbi Lbi, psi Psi, priorWritten []bool) (int, bool) {
	if !dc.Enabled() {
		return 0, false
	}
	if _, ok := dc.byLbi[lbi]; ok {
		return dc.byLbi[lbi], true
	}

	n := len(dc.free)
	if n == 0 {
		return 0, false
	}
	idx := dc.free[n-1]
	dc.free = dc.free[:n-1]

	bm := bitmap.New(int(dc.lSectorsPerPSector))
	nextFree := Brsi(dc.lSectorsPerPSector)
	for brsi, written := range priorWritten {
		if written {
			bm.Set(brsi, true)
		}
	}
	for brsi := Brsi(0); uint32(brsi) < dc.lSectorsPerPSector; brsi++ {
		if !bm.Get(int(brsi)) {
			nextFree = brsi
			break
		}
	}

	dc.descs[idx] = dataBlockDesc{psi: psi, lbi: lbi, isWritten: bm, nextFree: nextFree}
	dc.byLbi[lbi] = idx

	return idx, true
}

// MarkWritten records that brsi (== its own srsi in a Data Block) now holds
// a copy, and advances nextFree to the next still-empty brsi, or
// lSectorsPerPSector if none remain.
func (dd *dataBlockDesc) MarkWritten(brsi Brsi, lSectorsPerPSector uint32) {
	dd.isWritten.Set(int(brsi), true)

	for b := brsi; uint32(b) < lSectorsPerPSector; b++ {
		if !dd.isWritten.Get(int(b)) {
			dd.nextFree = b
			return
		}
	}
	dd.nextFree = Brsi(lSectorsPerPSector)
}

// IsFull reports whether every brsi slot of this Data Block has been
// written, meaning it should be evicted from the cache (it is complete; no
// append target remains).
func (dd *dataBlockDesc) IsFull(lSectorsPerPSector uint32) bool {
	return uint32(dd.nextFree) >= lSectorsPerPSector
}

// Evict removes idx from the cache, returning its slot to the free list.
func (dc *dataBlockCache) Evict(idx int) {
	lbi := dc.descs[idx].lbi
	delete(dc.byLbi, lbi)
	dc.free = append(dc.free, idx)
	dc.descs[idx] = dataBlockDesc{}
}

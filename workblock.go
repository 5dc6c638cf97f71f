package norftl

import (
	"github.com/boljen/go-bitmap"
	"github.com/dsoprea/go-logging"
)

// workBlockDesc is the in-RAM descriptor for one live Work Block, per
// spec.md §4.4: the physical sector backing it, the Lbi it is currently
// absorbing writes for, an `is_written` bitmap of which brsi slots already
// hold a VALID copy in this block, and an `assign[brsi] -> srsi` table.
// Every write into a fresh srsi sets both.
type workBlockDesc struct {
	psi  Psi
	lbi  Lbi
	full bool

	isWritten bitmap.Bitmap
	assign    []Srsi

	dataCnt DataCnt

	// prev/next thread this descriptor into the MRU list owned by
	// workBlockCache; index -1 means "no neighbor" (list terminator).
	prev, next int
}

// workBlockCache is the fixed-capacity arena of spec.md §4.4: NumWorkBlocks
// descriptors, indexed by Lbi via a map, kept in MRU order so the least-
// recently-touched descriptor is always the eviction candidate when a new
// Lbi needs a Work Block and the arena is full.
//
// Grounded on spec.md's own "arena + index" prescription for the work-block
// cache; the MRU doubly-linked list threaded through a fixed slice (rather
// than container/list, which allocates one node per element) mirrors
// tree.go's `childrenMap` + ordered-slice pairing: a map for O(1) lookup by
// key, a slice-backed structure for the iteration order that matters.
type workBlockCache struct {
	lSectorsPerPSector uint32

	descs    []workBlockDesc
	byLbi    map[Lbi]int
	freeList []int

	mruHead, mruTail int
}

// newWorkBlockCache allocates a cache with capacity slots, each sized for
// lSectorsPerPSector brsi entries.
func newWorkBlockCache(capacity int, lSectorsPerPSector uint32) *workBlockCache {
	wc := &workBlockCache{
		lSectorsPerPSector: lSectorsPerPSector,
		descs:              make([]workBlockDesc, capacity),
		byLbi:              make(map[Lbi]int, capacity),
		mruHead:            -1,
		mruTail:            -1,
	}

	for i := 0; i < capacity; i++ {
		wc.freeList = append(wc.freeList, i)
	}

	return wc
}

// Len returns the number of live work-block descriptors.
func (wc *workBlockCache) Len() int {
	return len(wc.byLbi)
}

// Lookup returns the descriptor index for lbi, if a Work Block is currently
// absorbing writes for it.
func (wc *workBlockCache) Lookup(lbi Lbi) (int, bool) {
	idx, ok := wc.byLbi[lbi]
	return idx, ok
}

// Desc returns the descriptor at idx.
func (wc *workBlockCache) Desc(idx int) *workBlockDesc {
	return &wc.descs[idx]
}

// Touch moves idx to the MRU end of the list, per spec.md §4.4's "most
// recently written Work Block is never the eviction candidate" rule.
func (wc *workBlockCache) Touch(idx int) {
	wc.unlink(idx)
	wc.pushFront(idx)
}

// Acquire returns a descriptor slot for lbi: an existing one if already
// cached, otherwise a free slot from freeList. Acquire never evicts on its
// own, since eviction requires a fallible flash operation the cache itself
// cannot perform: when the arena is full, the caller converts and Releases
// the LRU descriptor first.
//
// It returns OutOfWorkBlocks if lbi is not cached and no free slot is
// available.
func (wc *workBlockCache) Acquire(lbi Lbi, psi Psi, initialDataCnt DataCnt) (int, error) {
	if idx, ok := wc.byLbi[lbi]; ok {
		return idx, nil
	}

	var idx int
	if n := len(wc.freeList); n > 0 {
		idx = wc.freeList[n-1]
		wc.freeList = wc.freeList[:n-1]
	} else {
		return 0, log.Errorf("%s", OutOfWorkBlocks)
	}

	wc.descs[idx] = workBlockDesc{
		psi:       psi,
		lbi:       lbi,
		isWritten: bitmap.New(int(wc.lSectorsPerPSector)),
		assign:    make([]Srsi, wc.lSectorsPerPSector),
		dataCnt:   initialDataCnt,
		prev:      -1,
		next:      -1,
	}

	wc.byLbi[lbi] = idx
	wc.pushFront(idx)

	return idx, nil
}

// LRU returns the descriptor index least recently touched, for eviction-by-
// conversion, and false when no descriptor is live.
func (wc *workBlockCache) LRU() (int, bool) {
	if wc.mruTail == -1 {
		return 0, false
	}
	return wc.mruTail, true
}

// IsFull reports whether every descriptor slot is in use.
func (wc *workBlockCache) IsFull() bool {
	return len(wc.freeList) == 0
}

// Release removes idx from the cache (after convert.go has finished
// converting it to a Data Block) and returns it to the free list.
func (wc *workBlockCache) Release(idx int) {
	lbi := wc.descs[idx].lbi
	wc.unlink(idx)
	delete(wc.byLbi, lbi)
	wc.freeList = append(wc.freeList, idx)
	wc.descs[idx] = workBlockDesc{}
}

// MarkWritten records that srsi now holds brsi's current copy in this Work
// Block, advancing both the is_written bitmap and the assign table.
func (wd *workBlockDesc) MarkWritten(brsi Brsi, srsi Srsi) {
	wd.isWritten.Set(int(brsi), true)
	wd.assign[brsi] = srsi
}

// HasCopy reports whether brsi has ever been written in this Work Block.
func (wd *workBlockDesc) HasCopy(brsi Brsi) bool {
	return wd.isWritten.Get(int(brsi))
}

// SrsiOf returns the srsi currently holding brsi's copy in this Work Block.
// Only meaningful when HasCopy(brsi) is true.
func (wd *workBlockDesc) SrsiOf(brsi Brsi) Srsi {
	return wd.assign[brsi]
}

// NextFreeSrsi implements spec.md §4.4's two-branch srsi-assignment rule for
// a write landing on brsi: try brsi's own native srsi first (keeping the
// common case identity-mapped, which is what makes in-place conversion
// possible later), and only if that slot is already spent by some other
// brsi, fall back to scanning srsi 1..lSectorsPerPSector-1 for a free one.
// The fallback never considers srsi 0, even when it is free, so only brsi 0
// ever lands there. Returns false if no srsi is available this way and the
// Work Block must be converted before another write can land.
func (wd *workBlockDesc) NextFreeSrsi(brsi Brsi, lSectorsPerPSector uint32) (Srsi, bool) {
	native := Srsi(brsi)
	if uint32(native) < lSectorsPerPSector && !wd.srsiInUse(native) {
		return native, true
	}

	for srsi := Srsi(1); uint32(srsi) < lSectorsPerPSector; srsi++ {
		if !wd.srsiInUse(srsi) {
			return srsi, true
		}
	}
	return 0, false
}

// srsiInUse reports whether some already-written brsi currently occupies
// srsi in this Work Block.
func (wd *workBlockDesc) srsiInUse(srsi Srsi) bool {
	for brsi, assigned := range wd.assign {
		if wd.isWritten.Get(brsi) && assigned == srsi {
			return true
		}
	}
	return false
}

// FindWithBackingData returns the least-recently-touched live Work Block
// descriptor index for which hasBacking reports a Data Block already exists
// for its Lbi, for the cleaner's maintenance-conversion step (spec.md
// §4.9's second CleanOne branch). Walking from the MRU tail keeps the
// choice deterministic and consistent with the cache's own LRU-eviction
// order. Returns false if no live Work Block has a backing Data Block.
func (wc *workBlockCache) FindWithBackingData(hasBacking func(Lbi) bool) (int, bool) {
	for idx := wc.mruTail; idx != -1; idx = wc.descs[idx].prev {
		if hasBacking(wc.descs[idx].lbi) {
			return idx, true
		}
	}
	return 0, false
}

func (wc *workBlockCache) pushFront(idx int) {
	wc.descs[idx].prev = -1
	wc.descs[idx].next = wc.mruHead

	if wc.mruHead != -1 {
		wc.descs[wc.mruHead].prev = idx
	}
	wc.mruHead = idx

	if wc.mruTail == -1 {
		wc.mruTail = idx
	}
}

func (wc *workBlockCache) unlink(idx int) {
	d := &wc.descs[idx]

	if d.prev != -1 {
		wc.descs[d.prev].next = d.next
	} else if wc.mruHead == idx {
		wc.mruHead = d.next
	}

	if d.next != -1 {
		wc.descs[d.next].prev = d.prev
	} else if wc.mruTail == idx {
		wc.mruTail = d.prev
	}

	d.prev, d.next = -1, -1
}

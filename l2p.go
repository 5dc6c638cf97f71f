package norftl

import "math/bits"

// L2P is the packed logical-to-physical map of spec.md §4.2: a bitfield
// table mapping Lbi -> Psi, with entry width ⌈log2(NumPhySectors)⌉ bits.
// L2P[lbi] == 0 means "no data block assigned yet". A Work Block is never
// reflected here; callers must consult the work-block list first (spec.md
// invariant 2).
//
// Unlike FreeMap (one bit per entry, served well by boljen/go-bitmap), L2P
// needs an arbitrary sub-byte entry width, which no retrieval-pack library
// offers (see DESIGN.md); it is hand-packed here with math/bits instead of
// widening to a full []Psi array, matching the C source's own packed-
// bitfield representation.
type L2P struct {
	bits     []byte
	entryW   uint
	numLbi   uint32
}

// NewL2P allocates an L2P table for numLbi logical blocks addressing up to
// numPhySectors physical sectors.
func NewL2P(numLbi, numPhySectors uint32) *L2P {
	entryW := entryWidth(numPhySectors)
	totalBits := uint64(entryW) * uint64(numLbi)
	return &L2P{
		bits:   make([]byte, (totalBits+7)/8),
		entryW: entryW,
		numLbi: numLbi,
	}
}

// entryWidth returns ⌈log2(numPhySectors)⌉, with a floor of 1 bit so that a
// degenerate single-sector configuration still has an addressable entry
// width.
func entryWidth(numPhySectors uint32) uint {
	if numPhySectors <= 1 {
		return 1
	}
	return uint(bits.Len32(numPhySectors - 1))
}

// Get returns the Psi currently mapped to lbi, or 0 if unassigned.
func (l *L2P) Get(lbi Lbi) Psi {
	return Psi(l.readBits(uint64(lbi) * uint64(l.entryW)))
}

// Set assigns psi to lbi. Set(lbi, 0) clears the mapping.
func (l *L2P) Set(lbi Lbi, psi Psi) {
	l.writeBits(uint64(lbi)*uint64(l.entryW), uint64(psi))
}

func (l *L2P) readBits(bitOffset uint64) uint64 {
	var v uint64
	for i := uint(0); i < l.entryW; i++ {
		bitIdx := bitOffset + uint64(i)
		byteIdx := bitIdx / 8
		bitInByte := bitIdx % 8
		if l.bits[byteIdx]&(1<<bitInByte) != 0 {
			v |= 1 << i
		}
	}
	return v
}

func (l *L2P) writeBits(bitOffset uint64, v uint64) {
	for i := uint(0); i < l.entryW; i++ {
		bitIdx := bitOffset + uint64(i)
		byteIdx := bitIdx / 8
		bitInByte := bitIdx % 8
		if v&(1<<i) != 0 {
			l.bits[byteIdx] |= 1 << bitInByte
		} else {
			l.bits[byteIdx] &^= 1 << bitInByte
		}
	}
}

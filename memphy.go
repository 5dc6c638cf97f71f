package norftl

import (
	"github.com/dsoprea/go-logging"
)

// MemPhy is an in-RAM Phy over a single contiguous byte slice, used by the
// scenario and property tests of SPEC_FULL.md §8 and available to any
// caller that wants a Phy without a real device. It implements
// BlankChecker and supports injecting the single-write/erase faults the
// fail-safe power-cut scenario (S3) needs.
//
// Grounded on ExfatReader's offset arithmetic in structures.go/
// newExfatCluster: "compute a byte offset from a sector/cluster index, then
// read or write a fixed-size window there" is exactly the shape MemPhy
// turns from read-only into read/write.
type MemPhy struct {
	data       []byte
	sectorSize uint32
	numSectors uint32

	// FailNextWrite, when true, makes the next WriteOff call fail (and
	// resets to false), simulating a media write error.
	FailNextWrite bool
	// FailNextErase, when true, makes the next EraseSector call fail (and
	// resets to false).
	FailNextErase bool
	// TornWriteAt, when non-negative, truncates the next WriteOff call to
	// that many bytes (simulating a power cut mid-write) instead of
	// failing it outright, and resets to -1 afterward.
	TornWriteAt int
}

// NewMemPhy allocates a MemPhy with numSectors physical sectors of
// sectorSize bytes each, fully erased (all 0xFF).
func NewMemPhy(numSectors, sectorSize uint32) *MemPhy {
	data := make([]byte, uint64(numSectors)*uint64(sectorSize))
	for i := range data {
		data[i] = 0xFF
	}
	return &MemPhy{
		data:        data,
		sectorSize:  sectorSize,
		numSectors:  numSectors,
		TornWriteAt: -1,
	}
}

// Init implements Phy.
func (m *MemPhy) Init() error { return nil }

// NumSectors implements Phy.
func (m *MemPhy) NumSectors() uint32 { return m.numSectors }

// SectorInfo implements Phy.
func (m *MemPhy) SectorInfo(psi Psi) (SectorInfo, error) {
	if uint32(psi) >= m.numSectors {
		return SectorInfo{}, log.Errorf("psi out of range: %d", psi)
	}
	return SectorInfo{Offset: uint32(psi) * m.sectorSize, Size: m.sectorSize}, nil
}

// ReadOff implements Phy.
func (m *MemPhy) ReadOff(off uint32, buf []byte) error {
	if uint64(off)+uint64(len(buf)) > uint64(len(m.data)) {
		return log.Errorf("read out of range: off=%d len=%d", off, len(buf))
	}
	copy(buf, m.data[off:off+uint32(len(buf))])
	return nil
}

// WriteOff implements Phy. It only ever clears bits (1 -> 0), matching the
// NOR-flash write restriction; a caller trying to set a bit back to 1
// without an intervening erase silently fails to do so, the same way real
// NOR flash would.
func (m *MemPhy) WriteOff(off uint32, buf []byte) error {
	if m.FailNextWrite {
		m.FailNextWrite = false
		return log.Errorf("injected write failure at off=%d", off)
	}

	n := len(buf)
	if m.TornWriteAt >= 0 {
		n = m.TornWriteAt
		if n > len(buf) {
			n = len(buf)
		}
		m.TornWriteAt = -1
	}

	if uint64(off)+uint64(len(buf)) > uint64(len(m.data)) {
		return log.Errorf("write out of range: off=%d len=%d", off, len(buf))
	}

	for i := 0; i < n; i++ {
		m.data[uint32(i)+off] &= buf[i]
	}
	return nil
}

// EraseSector implements Phy.
func (m *MemPhy) EraseSector(psi Psi) error {
	if m.FailNextErase {
		m.FailNextErase = false
		return log.Errorf("injected erase failure at psi=%d", psi)
	}

	info, err := m.SectorInfo(psi)
	if err != nil {
		return err
	}

	for i := uint32(0); i < info.Size; i++ {
		m.data[info.Offset+i] = 0xFF
	}
	return nil
}

// IsSectorBlank implements BlankChecker.
func (m *MemPhy) IsSectorBlank(psi Psi) (bool, error) {
	info, err := m.SectorInfo(psi)
	if err != nil {
		return false, err
	}
	return isAllBlank(m.data[info.Offset : info.Offset+info.Size]), nil
}

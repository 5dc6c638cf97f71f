package norftl

// SectorInfo describes the physical placement of one physical sector on the
// underlying medium.
type SectorInfo struct {
	// Offset is the byte offset of the sector within the configured
	// storage window.
	Offset uint32
	// Size is the size, in bytes, of the sector.
	Size uint32
}

// Phy is the physical-media driver interface. go-nor-ftl treats it as an
// external collaborator: the core only ever calls through this interface,
// never assumes a concrete transport. MemPhy and FilePhy are the two
// reference implementations shipped alongside the core.
type Phy interface {
	// Init prepares the driver for use (e.g. opening a device node).
	Init() error

	// NumSectors returns the number of physical sectors available in the
	// configured storage window.
	NumSectors() uint32

	// SectorInfo returns the offset/size of the given physical sector.
	SectorInfo(psi Psi) (SectorInfo, error)

	// ReadOff reads len(buf) bytes starting at byte offset off.
	ReadOff(off uint32, buf []byte) error

	// WriteOff writes buf starting at byte offset off. The medium only
	// supports clearing bits (1 -> 0); callers never rely on being able to
	// set a bit back to 1 without an intervening erase.
	WriteOff(off uint32, buf []byte) error

	// EraseSector erases the given physical sector, setting every bit to 1.
	EraseSector(psi Psi) error
}

// BlankChecker is an optional Phy capability: a driver that can check
// emptiness faster than a full read-back (e.g. consulting erase-sense
// circuitry). When a Phy does not implement it, callers fall back to
// reading the sector back and comparing against all-0xFF.
type BlankChecker interface {
	// IsSectorBlank reports whether the given physical sector reads back
	// as fully erased.
	IsSectorBlank(psi Psi) (bool, error)
}

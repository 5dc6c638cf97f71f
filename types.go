package norftl

// Psi is a physical-sector index, 0-based and relative to the configured
// storage window. Psi 0 is reserved for the format-info and fatal-error
// records.
type Psi uint32

// Lbi is a logical-block index: one per LSectorsPerPSector logical sectors.
type Lbi uint16

// Brsi is a block-relative sector index: the position of a logical sector
// within its logical block.
type Brsi uint16

// Srsi is a sector-relative sector index: the position of a logical sector
// within the physical sector that currently stores it.
type Srsi uint16

// DataCnt is an 8-bit generation counter that wraps modulo 256. Ordering
// between two data blocks for the same Lbi is defined as
// "newer - older == 1 mod 256"; see IsDataCntNewer.
type DataCnt uint8

// EraseCnt counts the number of times a physical sector has been erased.
// It never decreases except by rollover, guarded by FS_NOR_MAX_ERASE_CNT.
type EraseCnt uint32

// LogSectorIndex is a linear logical-sector address as seen by the
// filesystem: LogSectorIndex = lbi*LSectorsPerPSector + brsi.
type LogSectorIndex uint32

// unassignedSrsi is the sentinel stored in a work block's assignment table
// for a brsi that has no copy in that work block yet. It collides with the
// legitimate srsi 0 (which is also brsi 0's native position), so callers
// that care about the distinction (mount reconstruction, the work-block
// descriptor's HasCopy/SrsiOf pair) track a parallel written[] bitmap rather
// than trusting srsi 0 alone to mean "unassigned".
const unassignedSrsi Srsi = 0

// IsDataCntNewer reports whether `newer` is exactly one generation ahead of
// `older` under modulo-256 wraparound ordering. This is the sole ordering
// relation used to resolve duplicate VALID data blocks for the same Lbi, and
// to check the via-copy invariant that a converted block's DataCnt is the
// source's plus one.
func IsDataCntNewer(newer, older DataCnt) bool {
	return newer-older == 1
}

// divmod splits a LogSectorIndex into its owning Lbi and Brsi given the
// number of logical sectors per physical sector.
func divmod(idx LogSectorIndex, lSectorsPerPSector uint32) (Lbi, Brsi) {
	lbi := Lbi(uint32(idx) / lSectorsPerPSector)
	brsi := Brsi(uint32(idx) % lSectorsPerPSector)
	return lbi, brsi
}

// LogSectorIndexOf computes the linear logical-sector address of (lbi,
// brsi) given the number of logical sectors per physical sector.
func LogSectorIndexOf(lbi Lbi, brsi Brsi, lSectorsPerPSector uint32) LogSectorIndex {
	return LogSectorIndex(uint32(lbi)*lSectorsPerPSector + uint32(brsi))
}

package norftl

// Retry and wear-leveling budgets, named after the FS_NOR_* constants of
// spec.md §4.3/§4.6/§6. These are static, synchronous counts — per spec.md
// §5 there is no time-based retry backoff anywhere in the core.
const (
	// FSNorNumReadRetries bounds retries of a failed sector read.
	FSNorNumReadRetries = 3
	// FSNorNumWriteRetries bounds retries of a failed sector or PSH write.
	FSNorNumWriteRetries = 3
	// FSNorNumEraseRetries bounds retries of the allocator's erase step.
	FSNorNumEraseRetries = 5
	// FSNorMaxEraseCnt is the largest erase count the core will persist;
	// values read back above it are substituted with EraseCntMax in RAM
	// only (never written back), per spec.md §4.3.
	FSNorMaxEraseCnt = 0xFFFFFFF0
	// FSNorMaxEraseCntDiff is the default wear-leveling bound (spec.md
	// invariant 7): no PS may reach EraseCntMax while another Data Block
	// sits MaxEraseCntDiff or more erases behind it.
	FSNorMaxEraseCntDiff = 4000
	// FSNorReadBufferFillPattern is the sentinel byte used to fill a read
	// buffer for a logical sector with no VALID copy.
	FSNorReadBufferFillPattern = 0xFF
)

// EraseSignature values for the fail-safe erase protocol (spec.md §4.3).
const (
	eraseSignatureValid   uint32 = 0xFEEDFACE
	eraseSignatureInvalid uint32 = 0x00000000
)

// formatMagic is the fixed 16-byte magic stamped at psi=0, srsi=0.
var formatMagic = [16]byte{'N', 'O', 'R', 'F', 'T', 'L', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

// formatVersion is the on-flash format-record version.
const formatVersion uint32 = 10001

// Config carries every per-instance toggle of spec.md §6. It must be fully
// populated before Mount or Format is called; Instance never mutates it.
type Config struct {
	// BaseAddress and ByteLength describe the storage window this
	// instance is bound to, both in bytes relative to the start of the
	// medium Phy exposes.
	BaseAddress uint32
	ByteLength  uint32

	// Phy is the physical-media driver. Required.
	Phy Phy

	// SectorSize is the physical-sector size, a power of two, used when
	// Phy itself does not already imply one consistent size via
	// SectorInfo.
	SectorSize uint32

	// LogSectorSize is the size, in bytes, of one logical sector's
	// payload (e.g. 512 for a typical block-device-style LSH+payload
	// pair).
	LogSectorSize uint32

	// MaxEraseCntDiff bounds active wear leveling (spec.md §4.3 step 3 /
	// invariant 7). Zero means FSNorMaxEraseCntDiff.
	MaxEraseCntDiff uint32

	// NumWorkBlocks sizes the work-block cache (spec.md §4.4). Zero means
	// "derive from NumSectors", clamped to [3,10] (or [4,10] when
	// EnableInvalidSectorError is set, mirroring the "4 if journaling"
	// clamp of spec.md §6).
	NumWorkBlocks uint16

	// NumDataBlocks sizes the optional data-block append cache (spec.md
	// §4.5). Zero disables the cache: all writes go through work blocks.
	NumDataBlocks uint16

	// EnableEraseVerify re-reads (or calls IsSectorBlank on) a sector
	// after erasing it.
	EnableEraseVerify bool
	// EnableWriteVerify reads back every write to confirm it landed.
	EnableWriteVerify bool
	// EnableBlankSectorSkip skips erasing a sector already known blank
	// during low-level format.
	EnableBlankSectorSkip bool
	// EnableUsedSectorErase allows low-level format to erase sectors that
	// are not already blank (the converse of EnableBlankSectorSkip; both
	// may be set together).
	EnableUsedSectorErase bool
	// EnableFailSafeErase turns on the two-phase erase-signature protocol
	// of spec.md §4.3 so an erase torn by power loss is detected at
	// mount.
	EnableFailSafeErase bool
	// EnableInvalidSectorError makes Read return an error (instead of the
	// fill pattern) for a logical sector with no VALID copy, and makes
	// the slow write path invalidate the native-position copy in the data
	// block as soon as a work-block copy supersedes it.
	EnableInvalidSectorError bool

	// EnableCRC turns on CRC framing of every PSH/LSH and the payload
	// CRC-16.
	EnableCRC bool
	// CRCImpl is the injected CRC primitive. Defaults to NewStandardCRC()
	// when EnableCRC is true and CRCImpl is nil.
	CRCImpl CRC

	// EnableECC turns on per-block ECC parity for both headers and
	// payload.
	EnableECC bool
	// ECCImpl is the injected ECC primitive. Defaults to
	// NewReedSolomonECC(4, 2) when EnableECC is true and ECCImpl is nil.
	ECCImpl ECC
	// ECCBlockSize is the payload ECC-block granularity (typically 256 or
	// 512 bytes, per spec.md §4.1). Zero means LogSectorSize (one ECC
	// block per logical sector).
	ECCBlockSize uint32

	// NoRewrite selects the no-rewrite section-per-indicator header
	// layout of spec.md §3/§4.1 for media that cannot clear the same
	// flash line twice between erases. False selects rewrite mode (single
	// rolling CRC-status header).
	NoRewrite bool
	// LdBytesPerLine is log2(bytes per flash line), used to round
	// no-rewrite section sizes up to a line boundary.
	LdBytesPerLine uint8

	// BigEndian selects big-endian encoding for multi-byte header fields;
	// the default is little-endian.
	BigEndian bool

	// OnFatalError is invoked when the core latches a fatal condition.
	// Returning true write-protects the instance; returning false leaves it
	// not write-protected. A nil callback counts as true. Either way the
	// error stays latched in RAM and every later write is rejected with it;
	// the on-flash fatal-error record is not updated.
	OnFatalError func(kind ErrorKind, psi Psi) (writeProtect bool)
}

// resolvedMaxEraseCntDiff returns c.MaxEraseCntDiff or the default.
func (c *Config) resolvedMaxEraseCntDiff() uint32 {
	if c.MaxEraseCntDiff == 0 {
		return FSNorMaxEraseCntDiff
	}
	return c.MaxEraseCntDiff
}

// resolvedNumWorkBlocks derives NumWorkBlocks from the sector count when
// unset, clamped per spec.md §6 ("default ~1% of PSs, clamped to [3 or 4
// (if journaling), 10]").
func (c *Config) resolvedNumWorkBlocks(numSectors uint32) uint16 {
	if c.NumWorkBlocks != 0 {
		return c.NumWorkBlocks
	}

	minBlocks := uint16(3)
	if c.EnableInvalidSectorError {
		minBlocks = 4
	}

	n := uint16(numSectors / 100)
	if n < minBlocks {
		n = minBlocks
	}
	if n > 10 {
		n = 10
	}
	return n
}

// resolvedECCBlockSize returns c.ECCBlockSize or LogSectorSize.
func (c *Config) resolvedECCBlockSize() uint32 {
	if c.ECCBlockSize == 0 {
		return c.LogSectorSize
	}
	return c.ECCBlockSize
}

// resolvedCRC returns CRCImpl or a lazily-built StandardCRC.
func (c *Config) resolvedCRC() CRC {
	if c.CRCImpl != nil {
		return c.CRCImpl
	}
	return NewStandardCRC()
}

// resolvedECC returns ECCImpl or a lazily-built ReedSolomonECC.
func (c *Config) resolvedECC() ECC {
	if c.ECCImpl != nil {
		return c.ECCImpl
	}
	return NewReedSolomonECC(4, 2)
}

func (c *Config) byteOrder() byteOrder {
	if c.BigEndian {
		return bigEndian
	}
	return littleEndian
}

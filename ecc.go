package norftl

// ECCStatus is the per-field status of one ECC parity copy, per spec.md
// §4.1. A header carries two ECC parity fields so a torn write of one copy
// can be covered by the other.
type ECCStatus uint8

const (
	// ECCEmpty means the parity field has never been written.
	ECCEmpty ECCStatus = iota
	// ECCValid means the parity field is trustworthy.
	ECCValid
	// ECCInvalid means the parity field was superseded or found corrupt.
	ECCInvalid
)

// ECC is the injected bit-error-correction primitive. Like CRC and Phy, it
// is an external collaborator specified only through this interface.
type ECC interface {
	// Encode computes the parity for one ECC block of payload (or header)
	// data.
	Encode(block []byte) (parity []byte, err error)

	// Decode verifies block against parity and returns the corrected data
	// when the block can be repaired, along with the number of corrected units (bits, for a
	// true SECDED backend; shards, for ReedSolomonECC — see DESIGN.md) and
	// ErrUncorrectable when the block cannot be repaired.
	Decode(block, parity []byte) (corrected []byte, correctedCount int, err error)

	// ParitySize returns the parity length, in bytes, Encode will produce
	// for a block of the given size.
	ParitySize(blockSize int) int
}

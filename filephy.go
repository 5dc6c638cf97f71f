package norftl

import (
	"os"

	"github.com/dsoprea/go-logging"
)

// FilePhy is a Phy backed by a regular *os.File, the reference driver the
// CLI uses against a disk image or a raw block device node. It does not
// implement BlankChecker: a file offers no erase-sense signal faster than
// reading the sector back, so callers fall back to the read-and-compare
// path in format.go/alloc.go.
//
// Grounded on go-exfat's own bootstrap path of opening a fixed-size image
// file and seeking to byte offsets computed from a sector index
// (newExfatCluster and friends in navigator.go), generalized here from
// read-only to read/write/erase.
type FilePhy struct {
	f          *os.File
	sectorSize uint32
	numSectors uint32
	baseOffset int64
}

// NewFilePhy opens path and wraps it as a Phy with the given sector
// geometry, starting at baseOffset bytes into the file.
func NewFilePhy(path string, numSectors, sectorSize uint32, baseOffset int64) (*FilePhy, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, log.Wrap(err)
	}

	return &FilePhy{
		f:          f,
		sectorSize: sectorSize,
		numSectors: numSectors,
		baseOffset: baseOffset,
	}, nil
}

// Init implements Phy.
func (fp *FilePhy) Init() error { return nil }

// NumSectors implements Phy.
func (fp *FilePhy) NumSectors() uint32 { return fp.numSectors }

// SectorInfo implements Phy.
func (fp *FilePhy) SectorInfo(psi Psi) (SectorInfo, error) {
	if uint32(psi) >= fp.numSectors {
		return SectorInfo{}, log.Errorf("psi out of range: %d", psi)
	}
	return SectorInfo{Offset: uint32(psi) * fp.sectorSize, Size: fp.sectorSize}, nil
}

// ReadOff implements Phy.
func (fp *FilePhy) ReadOff(off uint32, buf []byte) error {
	n, err := fp.f.ReadAt(buf, fp.baseOffset+int64(off))
	if err != nil {
		return log.Wrap(err)
	}
	if n != len(buf) {
		return log.Errorf("short read: got %d want %d", n, len(buf))
	}
	return nil
}

// WriteOff implements Phy. Like real NOR flash, the file is expected to
// already reflect an erased (bit-set) state wherever a 1 bit is needed;
// FilePhy does not simulate the "only clears bits" restriction itself (a
// real device enforces it in hardware, and a disk image used only through
// this driver is never otherwise mutated).
func (fp *FilePhy) WriteOff(off uint32, buf []byte) error {
	n, err := fp.f.WriteAt(buf, fp.baseOffset+int64(off))
	if err != nil {
		return log.Wrap(err)
	}
	if n != len(buf) {
		return log.Errorf("short write: got %d want %d", n, len(buf))
	}
	return nil
}

// EraseSector implements Phy by writing a full sector of 0xFF.
func (fp *FilePhy) EraseSector(psi Psi) error {
	info, err := fp.SectorInfo(psi)
	if err != nil {
		return err
	}

	blank := UseFreeMem(int(info.Size))
	defer UnuseFreeMem()
	for i := range blank {
		blank[i] = 0xFF
	}

	return fp.WriteOff(info.Offset, blank)
}

// Close releases the underlying file handle.
func (fp *FilePhy) Close() error {
	return fp.f.Close()
}

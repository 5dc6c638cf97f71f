package norftl

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// lowLevelFormat implements spec.md §4.8's low-level format: erase every
// physical sector (skipping already-blank ones when EnableBlankSectorSkip
// is set, and refusing to touch non-blank ones unless EnableUsedSectorErase
// is set), then write the format-info record at psi=0, srsi=0 and a clean
// fatal-error record at psi=0, srsi=1.
//
// Grounded on structures.go's Parse() top-level orchestration shape
// (sequential, validated passes), run here in the opposite direction:
// writing instead of reading a sequence of on-disk records.
func lowLevelFormat(phy Phy, codec *Codec, cfg *Config, numLogBlocks uint32, numWorkBlocks uint16) error {
	n := phy.NumSectors()

	for psi := Psi(0); uint32(psi) < n; psi++ {
		blank, err := isSectorBlank(phy, psi)
		if err != nil {
			return log.Wrap(err)
		}

		if blank {
			if cfg.EnableBlankSectorSkip {
				continue
			}
		} else if !cfg.EnableUsedSectorErase {
			return log.Errorf("psi %d is not blank and EnableUsedSectorErase is not set", psi)
		}

		if err := phy.EraseSector(psi); err != nil {
			return &FatalError{Kind: EraseError, ErrorPSI: psi, cause: err}
		}
	}

	fr := &FormatRecord{
		Magic:          formatMagic,
		Version:        formatVersion,
		BytesPerSector: codec.phySectorSize,
		NumLogBlocks:   numLogBlocks,
		NumWorkBlocks:  numWorkBlocks,
	}
	if cfg.EnableFailSafeErase {
		fr.FailSafeEraseFlag = 0x0000
	} else {
		fr.FailSafeEraseFlag = 0xFFFF
	}

	fer := &FatalErrorRecord{}

	return writeReservedRecords(phy, codec, fr, fer)
}

// isSectorBlank is the package-level BlankChecker-or-read-back helper used
// by lowLevelFormat; the allocator carries its own method of the same shape.
func isSectorBlank(phy Phy, psi Psi) (bool, error) {
	if bc, ok := phy.(BlankChecker); ok {
		return bc.IsSectorBlank(psi)
	}

	info, err := phy.SectorInfo(psi)
	if err != nil {
		return false, log.Wrap(err)
	}

	buf := UseFreeMem(int(info.Size))
	defer UnuseFreeMem()

	if err := phy.ReadOff(info.Offset, buf); err != nil {
		return false, log.Wrap(err)
	}

	return isAllBlank(buf), nil
}

// writeReservedRecords serializes fr and fer into psi=0's srsi=0 and srsi=1
// logical-sector slots using fixed little-endian fields (these two records are
// fixed-format and never go through the rolling CRC-status/ECC machinery
// the rest of the medium uses, since they must be readable before any of
// that machinery's configuration is known).
func writeReservedRecords(phy Phy, codec *Codec, fr *FormatRecord, fer *FatalErrorRecord) error {
	info, err := phy.SectorInfo(0)
	if err != nil {
		return log.Wrap(err)
	}

	buf := UseFreeMem(int(codec.logSectorSize) * 2)
	defer UnuseFreeMem()
	for i := range buf {
		buf[i] = 0xFF
	}

	encodeFormatRecord(fr, buf[:codec.logSectorSize])
	encodeFatalErrorRecord(fer, buf[codec.logSectorSize:])

	return phy.WriteOff(info.Offset, buf)
}

// encodeFormatRecord writes fr's fields, little-endian, into the start of
// buf, leaving the remainder at its erased fill value.
func encodeFormatRecord(fr *FormatRecord, buf []byte) {
	copy(buf, fr.Magic[:])
	o := len(fr.Magic)
	binary.LittleEndian.PutUint32(buf[o:], fr.Version)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], fr.BytesPerSector)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], fr.NumLogBlocks)
	o += 4
	binary.LittleEndian.PutUint16(buf[o:], fr.NumWorkBlocks)
	o += 2
	binary.LittleEndian.PutUint16(buf[o:], fr.FailSafeEraseFlag)
}

// decodeFormatRecord is encodeFormatRecord's inverse. It returns ok==false
// if buf's magic does not match formatMagic, meaning the medium has never
// been formatted (or formatted by something else), per spec.md §4.8's
// "REQUIRES_FORMAT" mount outcome.
func decodeFormatRecord(buf []byte) (fr *FormatRecord, ok bool) {
	fr = &FormatRecord{}
	copy(fr.Magic[:], buf[:16])
	if fr.Magic != formatMagic {
		return nil, false
	}

	o := 16
	fr.Version = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	fr.BytesPerSector = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	fr.NumLogBlocks = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	fr.NumWorkBlocks = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	fr.FailSafeEraseFlag = binary.LittleEndian.Uint16(buf[o:])

	return fr, true
}

// encodeFatalErrorRecord writes fer into buf.
func encodeFatalErrorRecord(fer *FatalErrorRecord, buf []byte) {
	buf[0] = boolByte(fer.IsWriteProtected)
	buf[1] = boolByte(fer.HasFatalError)
	buf[2] = byte(fer.ErrorType)
	binary.LittleEndian.PutUint32(buf[3:], uint32(fer.ErrorPSI))
}

// decodeFatalErrorRecord is encodeFatalErrorRecord's inverse.
func decodeFatalErrorRecord(buf []byte) *FatalErrorRecord {
	return &FatalErrorRecord{
		IsWriteProtected: buf[0] != 0,
		HasFatalError:    buf[1] != 0,
		ErrorType:        ErrorKind(buf[2]),
		ErrorPSI:         Psi(binary.LittleEndian.Uint32(buf[3:])),
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

package norftl

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// byteOrder selects the instance-level endianness toggle of spec.md §4.1.
type byteOrder int

const (
	littleEndian byteOrder = iota
	bigEndian
)

func (o byteOrder) binary() binary.ByteOrder {
	if o == bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Codec serializes and parses PSH/LSH to/from the exact on-flash byte
// layout, including the no-rewrite section split, and is the sole producer
// of a header's OffStart/OffEnd optimization window. One Codec is shared by
// every component of an Instance; it holds no per-header state itself.
//
// Grounded on structures.go's parseN (scratch-buffer parse, then
// restruct.Unpack) generalized to a layout that is only fully static once
// CRC/ECC/no-rewrite toggles are known, which is why encode/decode here
// work directly against a bytes.Buffer instead of a single restruct tag
// set.
type Codec struct {
	order binary.ByteOrder

	enableCRC bool
	crc       CRC

	enableECC bool
	ecc       ECC

	noRewrite      bool
	ldBytesPerLine uint8

	logSectorSize uint32
	eccBlockSize  uint32
	phySectorSize uint32
}

// NewCodec builds a Codec from a resolved Config and the physical-sector
// size reported by Phy.
func NewCodec(cfg *Config, phySectorSize uint32) *Codec {
	return &Codec{
		order:          cfg.byteOrder().binary(),
		enableCRC:      cfg.EnableCRC,
		crc:            cfg.resolvedCRC(),
		enableECC:      cfg.EnableECC,
		ecc:            cfg.resolvedECC(),
		noRewrite:      cfg.NoRewrite,
		ldBytesPerLine: cfg.LdBytesPerLine,
		logSectorSize:  cfg.LogSectorSize,
		eccBlockSize:   cfg.resolvedECCBlockSize(),
		phySectorSize:  phySectorSize,
	}
}

// pshHeaderParitySize is the ECC parity size used for one PSH copy (the
// base fields are small and fixed, so a single ECC block covers them).
func (c *Codec) pshHeaderParitySize() int {
	if !c.enableECC {
		return 0
	}
	return c.ecc.ParitySize(pshCoreSize)
}

func (c *Codec) lshHeaderParitySize() int {
	if !c.enableECC {
		return 0
	}
	return c.ecc.ParitySize(lshCoreSize)
}

// pshCoreSize is the fixed size of the PSH fields that are always present
// and always CRC/ECC-covered together: DataStat, DataCnt, Lbi, EraseCnt,
// EraseSignature.
const pshCoreSize = 1 + 1 + 2 + 4 + 4

// lshCoreSize is the fixed size of the LSH fields that are always present:
// DataStat, Brsi.
const lshCoreSize = 1 + 2

// PSHSize returns the on-flash byte size of one PSH under this Codec's
// current toggles, dispatching to the no-rewrite section layout
// (codec_sections.go) when configured for a no-rewrite medium.
func (c *Codec) PSHSize() int {
	if c.noRewrite {
		return c.PSHSizeNoRewrite()
	}

	size := pshCoreSize + 1 /*CRCStatus*/
	if c.enableCRC {
		size += 3 // crc0, crc1, crc2
	}
	if c.enableECC {
		size += 2 /*ECCStatus x2*/ + 2*c.pshHeaderParitySize()
	}
	return size
}

// LSHSize returns the on-flash byte size of one LSH under this Codec's
// current toggles, including per-ECC-block payload parity vectors when ECC
// is enabled.
func (c *Codec) LSHSize() int {
	if c.noRewrite {
		size := c.LSHSizeNoRewrite()
		if c.enableECC {
			size += c.numECCBlocksPerSector() * c.ecc.ParitySize(int(c.eccBlockSize))
		}
		return size
	}

	size := lshCoreSize + 1 /*CRCStatus*/
	if c.enableCRC {
		size += 2 // crc0, crc1
		size += 2 // crcSectorData
	}
	if c.enableECC {
		size += 2 /*ECCStatus x2*/ + 2*c.lshHeaderParitySize()
		size += c.numECCBlocksPerSector() * c.ecc.ParitySize(int(c.eccBlockSize))
	}
	return size
}

// numECCBlocksPerSector returns how many ECC blocks cover one logical
// sector's payload.
func (c *Codec) numECCBlocksPerSector() int {
	if c.eccBlockSize == 0 {
		return 0
	}
	return int((c.logSectorSize + c.eccBlockSize - 1) / c.eccBlockSize)
}

// LSectorsPerPSector implements the formula of spec.md §3:
// ⌊(PhySectorSize − sizeof(PSH)) / (sizeof(LSH) + LogSectorSize)⌋.
func (c *Codec) LSectorsPerPSector() uint32 {
	avail := int(c.phySectorSize) - c.PSHSize()
	if avail <= 0 {
		return 0
	}
	per := c.LSHSize() + int(c.logSectorSize)
	if per <= 0 {
		return 0
	}
	return uint32(avail / per)
}

// EncodePSH serializes psh into the fixed-size buffer a PSH occupies,
// advancing its rolling CRC slot as spec.md §4.1 describes: with CRC
// enabled, an encode commits the checksum into the next unused CRC slot and
// never rewrites a slot that already holds one. With ECC enabled, the first
// encode fills both parity copies and later encodes write them back
// unchanged. Returns the encoded bytes; the byte range written is recorded
// in psh's OffStart/OffEnd window (via touch) for the OffStart/OffEnd
// optimization.
func (c *Codec) EncodePSH(psh *PSH) (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	if c.noRewrite {
		return c.encodePSHNoRewrite(psh)
	}

	out := new(bytes.Buffer)

	binary.Write(out, c.order, pshStatBits(psh.DataStat))
	binary.Write(out, c.order, byte(psh.DataCnt))
	binary.Write(out, c.order, uint16(psh.Lbi))
	binary.Write(out, c.order, uint32(psh.EraseCnt))
	binary.Write(out, c.order, psh.EraseSignature)

	// The status byte written to flash must be the *advanced* slot, not the
	// one the header carried in: decode only trusts CRC when CRCStatus !=
	// CRCInvalid, so committing the old (pre-advance) value here would make
	// every fresh single-commit header decode as CRCInvalid and silently
	// skip verification forever.
	status := psh.CRCStatus
	var crcs [3]byte

	if c.enableCRC {
		core := out.Bytes()[:pshCoreSize]
		seed := c.crc.CRC8(0, core)

		crcs = psh.CRC
		switch status {
		case CRCInvalid:
			crcs[0] = seed
			status = CRCValid0
		case CRCValid0:
			crcs[1] = seed
			status = CRCValid1
		case CRCValid1:
			crcs[2] = seed
			status = CRCValid2
		}
		psh.CRC = crcs
		psh.CRCStatus = status
	}

	binary.Write(out, c.order, byte(status))

	if c.enableCRC {
		binary.Write(out, c.order, crcs[0])
		binary.Write(out, c.order, crcs[1])
		binary.Write(out, c.order, crcs[2])
	}

	if c.enableECC {
		binary.Write(out, c.order, byte(psh.ECCStatus[0]))
		binary.Write(out, c.order, byte(psh.ECCStatus[1]))

		core := make([]byte, pshCoreSize)
		copy(core, out.Bytes()[:pshCoreSize])

		for i := 0; i < 2; i++ {
			parity := psh.ECCParity[i]
			if parity == nil {
				p, errEnc := c.ecc.Encode(core)
				log.PanicIf(errEnc)
				parity = p
				psh.ECCParity[i] = p
				psh.ECCStatus[i] = ECCValid
			}
			out.Write(parity)
		}
	}

	psh.touch(0, out.Len())

	return out.Bytes(), nil
}

// DecodePSH parses a PSH out of buf, verifying CRC/ECC if enabled. A fully
// blank header (all 0xFF, including the status byte) is returned with
// DataStat==PSHEmpty and skips verification entirely, per spec.md §4.1.
func (c *Codec) DecodePSH(buf []byte) (psh *PSH, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	if c.noRewrite {
		return c.decodePSHNoRewrite(buf)
	}

	if isAllBlank(buf) {
		psh = NewPSH()
		psh.DataStat = PSHEmpty
		return psh, nil
	}

	r := bytes.NewReader(buf)
	psh = NewPSH()

	var dataStat, dataCnt byte
	binary.Read(r, c.order, &dataStat)
	binary.Read(r, c.order, &dataCnt)

	var lbi uint16
	binary.Read(r, c.order, &lbi)

	var eraseCnt uint32
	binary.Read(r, c.order, &eraseCnt)
	binary.Read(r, c.order, &psh.EraseSignature)

	psh.DataStat = pshStatFromBits(dataStat)
	psh.DataCnt = DataCnt(dataCnt)
	psh.Lbi = Lbi(lbi)
	psh.EraseCnt = EraseCnt(eraseCnt)

	var status byte
	binary.Read(r, c.order, &status)
	psh.CRCStatus = CRCStatus(status)

	if c.enableCRC {
		binary.Read(r, c.order, &psh.CRC[0])
		binary.Read(r, c.order, &psh.CRC[1])
		binary.Read(r, c.order, &psh.CRC[2])

		if psh.CRCStatus != CRCInvalid {
			core := buf[:pshCoreSize]
			want := c.activeCRC8(psh.CRC[:], psh.CRCStatus)
			got := c.crc.CRC8(0, core)
			if got != want {
				return nil, log.Errorf("psh crc mismatch")
			}
		}
	}

	if c.enableECC {
		var e0, e1 byte
		binary.Read(r, c.order, &e0)
		binary.Read(r, c.order, &e1)
		psh.ECCStatus[0] = ECCStatus(e0)
		psh.ECCStatus[1] = ECCStatus(e1)

		parSize := c.pshHeaderParitySize()
		for i := 0; i < 2; i++ {
			p := make([]byte, parSize)
			r.Read(p)
			psh.ECCParity[i] = p
		}

		core := make([]byte, pshCoreSize)
		copy(core, buf[:pshCoreSize])

		for i := 0; i < 2; i++ {
			if psh.ECCStatus[i] != ECCValid {
				continue
			}
			corrected, _, eccErr := c.ecc.Decode(core, psh.ECCParity[i])
			if eccErr == nil {
				copy(core, corrected)
			}
		}
	}

	return psh, nil
}

// activeCRC8 returns the CRC8 slot currently holding the checksum per the
// rolling status.
func (c *Codec) activeCRC8(crc []byte, status CRCStatus) byte {
	switch status {
	case CRCValid0:
		return crc[0]
	case CRCValid1:
		return crc[1]
	case CRCValid2:
		return crc[2]
	default:
		return 0
	}
}

// EncodeLSH serializes lsh the same way EncodePSH does for PSH, including
// the payload CRC-16 and per-ECC-block parity vectors when enabled.
func (c *Codec) EncodeLSH(lsh *LSH, payload []byte) (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	if c.noRewrite {
		return c.encodeLSHNoRewrite(lsh, payload)
	}

	out := new(bytes.Buffer)

	binary.Write(out, c.order, lshStatBits(lsh.DataStat))
	binary.Write(out, c.order, uint16(lsh.Brsi))

	// See the matching comment in EncodePSH: the committed status byte must
	// be the advanced slot, not the one the header came in with.
	status := lsh.CRCStatus
	var crcs [2]byte

	if c.enableCRC {
		core := out.Bytes()[:lshCoreSize]
		seed := c.crc.CRC8(0, core)

		crcs = lsh.CRC
		switch status {
		case CRCInvalid:
			crcs[0] = seed
			status = CRCValid0
		case CRCValid0:
			crcs[1] = seed
			status = CRCValid1
		}
		lsh.CRC = crcs
		lsh.CRCStatus = status
	}

	binary.Write(out, c.order, byte(status))

	if c.enableCRC {
		binary.Write(out, c.order, crcs[0])
		binary.Write(out, c.order, crcs[1])

		lsh.CRCSectorData = c.crc.CRC16(payload)
		binary.Write(out, c.order, lsh.CRCSectorData)
	}

	if c.enableECC {
		binary.Write(out, c.order, byte(lsh.ECCStatus[0]))
		binary.Write(out, c.order, byte(lsh.ECCStatus[1]))

		core := make([]byte, lshCoreSize)
		copy(core, out.Bytes()[:lshCoreSize])

		for i := 0; i < 2; i++ {
			parity := lsh.ECCParity[i]
			if parity == nil {
				p, errEnc := c.ecc.Encode(core)
				log.PanicIf(errEnc)
				parity = p
				lsh.ECCParity[i] = p
				lsh.ECCStatus[i] = ECCValid
			}
			out.Write(parity)
		}

		nBlocks := c.numECCBlocksPerSector()
		if lsh.ECCSectorData == nil {
			lsh.ECCSectorData = make([][]byte, nBlocks)
		}
		for i := 0; i < nBlocks; i++ {
			block := eccBlockSlice(payload, i, int(c.eccBlockSize))
			p, errEnc := c.ecc.Encode(block)
			log.PanicIf(errEnc)
			lsh.ECCSectorData[i] = p
			out.Write(p)
		}
	}

	lsh.touch(0, out.Len())

	return out.Bytes(), nil
}

// DecodeLSH parses an LSH out of buf, verifying and (for the payload)
// correcting via ECC in place. payload is read-modify-write: any
// corrections Decode applies are written back into it.
func (c *Codec) DecodeLSH(buf []byte, payload []byte) (lsh *LSH, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	if c.noRewrite {
		return c.decodeLSHNoRewrite(buf, payload)
	}

	if isAllBlank(buf) {
		lsh = NewLSH()
		lsh.DataStat = LSHEmpty
		return lsh, nil
	}

	r := bytes.NewReader(buf)
	lsh = NewLSH()

	var dataStat byte
	binary.Read(r, c.order, &dataStat)
	lsh.DataStat = lshStatFromBits(dataStat)

	var brsi uint16
	binary.Read(r, c.order, &brsi)
	lsh.Brsi = Brsi(brsi)

	var status byte
	binary.Read(r, c.order, &status)
	lsh.CRCStatus = CRCStatus(status)

	if c.enableCRC {
		binary.Read(r, c.order, &lsh.CRC[0])
		binary.Read(r, c.order, &lsh.CRC[1])
		binary.Read(r, c.order, &lsh.CRCSectorData)

		if lsh.CRCStatus != CRCInvalid {
			core := buf[:lshCoreSize]
			var want byte
			if lsh.CRCStatus == CRCValid0 {
				want = lsh.CRC[0]
			} else {
				want = lsh.CRC[1]
			}
			if c.crc.CRC8(0, core) != want {
				return nil, log.Errorf("lsh header crc mismatch")
			}
			if payload != nil && c.crc.CRC16(payload) != lsh.CRCSectorData {
				return nil, log.Errorf("lsh payload crc mismatch")
			}
		}
	}

	if c.enableECC {
		var e0, e1 byte
		binary.Read(r, c.order, &e0)
		binary.Read(r, c.order, &e1)
		lsh.ECCStatus[0] = ECCStatus(e0)
		lsh.ECCStatus[1] = ECCStatus(e1)

		parSize := c.lshHeaderParitySize()
		for i := 0; i < 2; i++ {
			p := make([]byte, parSize)
			r.Read(p)
			lsh.ECCParity[i] = p
		}

		nBlocks := c.numECCBlocksPerSector()
		lsh.ECCSectorData = make([][]byte, nBlocks)
		blockParSize := c.ecc.ParitySize(int(c.eccBlockSize))
		for i := 0; i < nBlocks; i++ {
			p := make([]byte, blockParSize)
			r.Read(p)
			lsh.ECCSectorData[i] = p

			if payload == nil {
				continue
			}
			block := eccBlockSlice(payload, i, int(c.eccBlockSize))
			corrected, _, eccErr := c.ecc.Decode(block, p)
			if eccErr == nil {
				copy(block, corrected)
			}
		}
	}

	return lsh, nil
}

// eccBlockSlice returns the i-th ECC block of data, short-slicing the final
// (possibly partial) block.
func eccBlockSlice(data []byte, i, blockSize int) []byte {
	start := i * blockSize
	end := start + blockSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

// pshStatBits maps a PSHDataStat to the byte actually written to flash.
// Direct integer values (0,1,2,3) would not survive the "a write only
// clears bits" restriction: PSHWork -> PSHValid -> PSHInvalid must each be a
// strict bitwise subset of the previous value (and of the erased 0xFF) so
// that advancing the status in place, without touching the rest of the
// header, is a pure bit-clear. PSHEmpty maps to the erased value 0xFF, so a
// header encoded with PSHEmpty (as the fail-safe erase signature stamp is)
// leaves its status byte blank.
func pshStatBits(s PSHDataStat) byte {
	switch s {
	case PSHWork:
		return 0xFE
	case PSHValid:
		return 0xFC
	case PSHInvalid:
		return 0xF8
	default:
		return 0xFF
	}
}

// pshStatFromBits is the inverse of pshStatBits.
func pshStatFromBits(b byte) PSHDataStat {
	switch b {
	case pshStatBits(PSHWork):
		return PSHWork
	case pshStatBits(PSHValid):
		return PSHValid
	case pshStatBits(PSHInvalid):
		return PSHInvalid
	default:
		return PSHEmpty
	}
}

// lshStatBits is pshStatBits's LSH counterpart: LSHValid -> LSHInvalid must
// likewise be a strict bitwise subset transition.
func lshStatBits(s LSHDataStat) byte {
	switch s {
	case LSHValid:
		return 0xFE
	case LSHInvalid:
		return 0xFC
	default:
		return 0xFF
	}
}

// lshStatFromBits is the inverse of lshStatBits.
func lshStatFromBits(b byte) LSHDataStat {
	switch b {
	case lshStatBits(LSHValid):
		return LSHValid
	case lshStatBits(LSHInvalid):
		return LSHInvalid
	default:
		return LSHEmpty
	}
}

// isAllBlank reports whether every byte in buf is 0xFF, the erased-flash
// state.
func isAllBlank(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// countTrailingBlankBytes returns the length of the longest all-0xFF
// suffix of buf. Nothing in the package calls it: work-block reconstruction
// at mount does not check an LSH's payload tail, so a non-blank tail is
// neither detected nor marked INVALID. Grounded on
// structures.go's readOemParameters/readMainReserved, which walk and
// discard a trailing sub-region of a sector in the same "consume fixed
// sub-region" shape used here for a torn-write probe instead.
func countTrailingBlankBytes(buf []byte) int {
	n := 0
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] != 0xFF {
			break
		}
		n++
	}
	return n
}

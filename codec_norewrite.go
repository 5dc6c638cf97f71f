package norftl

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// encodePSHNoRewrite is EncodePSH's no-rewrite-medium counterpart: instead
// of a single rolling CRC-status byte, DataStat progresses by setting one
// additional section's indicator byte per transition (codec_sections.go),
// so a header never needs the same byte written twice across Work -> Valid
// -> Invalid. The base section carries the fields that never change once a
// work block claims the sector: DataCnt, Lbi, EraseCnt, EraseSignature.
func (c *Codec) encodePSHNoRewrite(psh *PSH) ([]byte, error) {
	base, work, valid, invalid := c.pshSections()

	out := make([]byte, c.PSHSizeNoRewrite())
	for i := range out {
		out[i] = 0xFF
	}

	core := make([]byte, pshCoreSize)
	core[1] = byte(psh.DataCnt)
	c.order.PutUint16(core[2:4], uint16(psh.Lbi))
	c.order.PutUint32(core[4:8], uint32(psh.EraseCnt))
	c.order.PutUint32(core[8:12], psh.EraseSignature)
	copy(out[base.Offset:], core)

	off := base.Offset + pshCoreSize
	if c.enableCRC {
		out[off] = c.crc.CRC8(0, core)
		off++
	}
	if c.enableECC {
		parity, err := c.ecc.Encode(core)
		log.PanicIf(err)
		copy(out[off:], parity)
	}

	switch psh.DataStat {
	case PSHWork, PSHValid, PSHInvalid:
		out[work.Offset] = 0x00
	}
	if psh.DataStat == PSHValid || psh.DataStat == PSHInvalid {
		out[valid.Offset] = 0x00
	}
	if psh.DataStat == PSHInvalid {
		out[invalid.Offset] = 0x00
	}

	psh.touch(0, len(out))

	return out, nil
}

// decodePSHNoRewrite is DecodePSH's no-rewrite-medium counterpart.
// DataStat comes from ProbePSHDataStat rather than a status byte inside buf.
func (c *Codec) decodePSHNoRewrite(buf []byte) (*PSH, error) {
	psh := NewPSH()

	psh.DataStat = c.ProbePSHDataStat(buf)
	if psh.DataStat == PSHEmpty {
		return psh, nil
	}

	base, _, _, _ := c.pshSections()
	core := buf[base.Offset : base.Offset+pshCoreSize]
	decodePSHCore(psh, c.order, core)

	off := base.Offset + pshCoreSize
	if c.enableCRC {
		want := buf[off]
		off++
		if c.crc.CRC8(0, core) != want {
			return nil, log.Errorf("no-rewrite psh base crc mismatch")
		}
	}
	if c.enableECC {
		parSize := c.pshHeaderParitySize()
		corrected, _, err := c.ecc.Decode(core, buf[off:off+parSize])
		if err == nil {
			copy(core, corrected)
			decodePSHCore(psh, c.order, core)
		}
	}

	return psh, nil
}

func decodePSHCore(psh *PSH, order binary.ByteOrder, core []byte) {
	psh.DataCnt = DataCnt(core[1])
	psh.Lbi = Lbi(order.Uint16(core[2:4]))
	psh.EraseCnt = EraseCnt(order.Uint32(core[4:8]))
	psh.EraseSignature = order.Uint32(core[8:12])
}

// encodeLSHNoRewrite is EncodeLSH's no-rewrite-medium counterpart.
func (c *Codec) encodeLSHNoRewrite(lsh *LSH, payload []byte) ([]byte, error) {
	base, valid, invalid := c.lshSections()

	out := make([]byte, c.LSHSize())
	for i := range out {
		out[i] = 0xFF
	}

	core := make([]byte, lshCoreSize)
	c.order.PutUint16(core[1:3], uint16(lsh.Brsi))
	copy(out[base.Offset:], core)

	off := base.Offset + lshCoreSize
	if c.enableCRC {
		out[off] = c.crc.CRC8(0, core)
		off++
		lsh.CRCSectorData = c.crc.CRC16(payload)
		c.order.PutUint16(out[off:off+2], lsh.CRCSectorData)
		off += 2
	}
	if c.enableECC {
		parity, err := c.ecc.Encode(core)
		log.PanicIf(err)
		copy(out[off:], parity)
	}

	if lsh.DataStat == LSHValid || lsh.DataStat == LSHInvalid {
		out[valid.Offset] = 0x00
	}
	if lsh.DataStat == LSHInvalid {
		out[invalid.Offset] = 0x00
	}

	if c.enableECC {
		nBlocks := c.numECCBlocksPerSector()
		lsh.ECCSectorData = make([][]byte, nBlocks)
		eccBase := c.LSHSizeNoRewrite()
		blockParSize := c.ecc.ParitySize(int(c.eccBlockSize))
		for i := 0; i < nBlocks; i++ {
			block := eccBlockSlice(payload, i, int(c.eccBlockSize))
			p, err := c.ecc.Encode(block)
			log.PanicIf(err)
			lsh.ECCSectorData[i] = p
			copy(out[eccBase+i*blockParSize:], p)
		}
	}

	lsh.touch(0, len(out))

	return out, nil
}

// decodeLSHNoRewrite is DecodeLSH's no-rewrite-medium counterpart.
func (c *Codec) decodeLSHNoRewrite(buf []byte, payload []byte) (*LSH, error) {
	lsh := NewLSH()

	lsh.DataStat = c.ProbeLSHDataStat(buf)
	if lsh.DataStat == LSHEmpty {
		return lsh, nil
	}

	base, _, _ := c.lshSections()
	core := buf[base.Offset : base.Offset+lshCoreSize]
	lsh.Brsi = Brsi(c.order.Uint16(core[1:3]))

	off := base.Offset + lshCoreSize
	if c.enableCRC {
		headerWant := buf[off]
		off++
		lsh.CRCSectorData = c.order.Uint16(buf[off : off+2])
		off += 2

		if c.crc.CRC8(0, core) != headerWant {
			return nil, log.Errorf("no-rewrite lsh base crc mismatch")
		}
		if payload != nil && c.crc.CRC16(payload) != lsh.CRCSectorData {
			return nil, log.Errorf("no-rewrite lsh payload crc mismatch")
		}
	}

	if c.enableECC {
		parSize := c.lshHeaderParitySize()
		corrected, _, err := c.ecc.Decode(core, buf[off:off+parSize])
		if err == nil {
			copy(core, corrected)
			lsh.Brsi = Brsi(c.order.Uint16(core[1:3]))
		}

		nBlocks := c.numECCBlocksPerSector()
		lsh.ECCSectorData = make([][]byte, nBlocks)
		eccBase := c.LSHSizeNoRewrite()
		blockParSize := c.ecc.ParitySize(int(c.eccBlockSize))
		for i := 0; i < nBlocks; i++ {
			p := buf[eccBase+i*blockParSize : eccBase+(i+1)*blockParSize]
			lsh.ECCSectorData[i] = p

			if payload == nil {
				continue
			}
			block := eccBlockSlice(payload, i, int(c.eccBlockSize))
			corrected, _, err := c.ecc.Decode(block, p)
			if err == nil {
				copy(block, corrected)
			}
		}
	}

	return lsh, nil
}

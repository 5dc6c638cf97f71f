package norftl

import (
	"github.com/dsoprea/go-logging"
)

// sectorIO implements the Read and Write logical-sector paths of spec.md
// §4.6, sitting on top of the L2P map, the free-map, the work-block and
// data-block caches, the allocator, and the codec. It holds no state of its
// own beyond references to those collaborators; Instance owns the actual
// lifetime.
//
// Grounded on navigator.go's EnumerateDirectoryEntries: an outer loop over
// the addressed unit (there: directory cluster chain; here: the Lbi's
// current home, Data Block or Work Block) with an inner single-sector
// access and an early-exit signal, adapted from cluster/FAT-chain walking to
// a flat single-indirection lookup.
type sectorIO struct {
	codec *Codec
	phy   Phy
	l2p   *L2P
	free  *FreeMap
	alloc *allocator
	work  *workBlockCache
	data  *dataBlockCache

	lSectorsPerPSector uint32
	logSectorSize      uint32

	enableInvalidSectorError bool
	fillPattern              byte

	onConverted func(lbi Lbi, oldPsi Psi) error
}

// Read resolves the current VALID copy of the logical sector at (lbi,
// brsi) and decodes it into out (which must be exactly logSectorSize
// bytes). If the sector has no VALID copy anywhere (never written, or
// EnableInvalidSectorError reports an error instead), Read fills out with
// the configured fill pattern and returns nil, unless
// EnableInvalidSectorError is set, matching spec.md §4.6 and §6.
func (s *sectorIO) Read(lbi Lbi, brsi Brsi, out []byte) error {
	if wIdx, ok := s.work.Lookup(lbi); ok {
		wd := s.work.Desc(wIdx)
		if wd.HasCopy(brsi) {
			s.work.Touch(wIdx)
			return s.readFromPSI(wd.psi, wd.SrsiOf(brsi), out)
		}
	}

	psi := s.l2p.Get(lbi)
	if psi == 0 {
		return s.fillEmpty(out)
	}

	return s.readFromPSI(psi, Srsi(brsi), out)
}

// fillEmpty implements the "no VALID copy" leg of Read.
func (s *sectorIO) fillEmpty(out []byte) error {
	if s.enableInvalidSectorError {
		return log.Errorf("logical sector has no valid copy")
	}
	for i := range out {
		out[i] = s.fillPattern
	}
	return nil
}

// readFromPSI decodes the LSH+payload at (psi, srsi), retrying the read
// itself up to FSNorNumReadRetries times before surfacing a ReadError, and
// validating/correcting via the codec's CRC/ECC machinery.
func (s *sectorIO) readFromPSI(psi Psi, srsi Srsi, out []byte) error {
	info, err := s.phy.SectorInfo(psi)
	if err != nil {
		return log.Wrap(err)
	}

	lshSize := s.codec.LSHSize()
	stride := lshSize + int(s.logSectorSize)
	off := info.Offset + uint32(s.codec.PSHSize()) + uint32(int(srsi)*stride)

	buf := UseFreeMem(stride)
	defer UnuseFreeMem()

	var readErr error
	for attempt := 0; attempt < FSNorNumReadRetries; attempt++ {
		if readErr = s.phy.ReadOff(off, buf); readErr == nil {
			break
		}
	}
	if readErr != nil {
		return &FatalError{Kind: ReadError, ErrorPSI: psi, cause: readErr}
	}

	lshBuf := buf[:lshSize]
	payload := buf[lshSize:]

	lsh, err := s.codec.DecodeLSH(lshBuf, payload)
	if err != nil {
		return &FatalError{Kind: CrcError, ErrorPSI: psi, cause: err}
	}
	if lsh.DataStat == LSHEmpty {
		return s.fillEmpty(out)
	}

	copy(out, payload)
	return nil
}

// Write commits a new copy of the logical sector at (lbi, brsi), per the
// fast/slow path split of spec.md §4.6:
//
//   - fast path: if lbi's Data Block is open in the data-block append cache
//     and brsi is that block's next empty slot in append order, write
//     straight into that Data Block
//     (no work block ever touched);
//   - slow path: otherwise, route through lbi's Work Block (acquiring one if
//     none is open yet), writing into the next free srsi and invalidating
//     any copy of brsi the Work Block previously held.
//
// The fast path supersedes nothing. On the slow path, the Work Block's own
// earlier copy of brsi, if any, is marked INVALID after the new copy is
// written; otherwise, only when EnableInvalidSectorError is set, the
// native-position copy in lbi's Data Block is marked INVALID instead.
func (s *sectorIO) Write(lbi Lbi, brsi Brsi, payload []byte) error {
	if s.data.Enabled() {
		if dIdx, ok := s.data.Lookup(lbi); ok {
			dd := s.data.Desc(dIdx)
			if !dd.IsFull(s.lSectorsPerPSector) && dd.nextFree == brsi && !dd.isWritten.Get(int(brsi)) {
				if err := s.writeLSH(dd.psi, Srsi(brsi), brsi, LSHValid, payload); err != nil {
					return err
				}
				dd.MarkWritten(brsi, s.lSectorsPerPSector)
				if dd.IsFull(s.lSectorsPerPSector) {
					s.data.Evict(dIdx)
				}
				return nil
			}
		}
	}

	return s.writeViaWorkBlock(lbi, brsi, payload)
}

func (s *sectorIO) writeViaWorkBlock(lbi Lbi, brsi Brsi, payload []byte) error {
	wIdx, ok := s.work.Lookup(lbi)
	if !ok {
		var err error
		wIdx, err = s.acquireWorkBlockFor(lbi)
		if err != nil {
			return err
		}
	}

	wd := s.work.Desc(wIdx)

	srsi, ok := wd.NextFreeSrsi(brsi, s.lSectorsPerPSector)
	if !ok {
		converted, err := s.convertAndRetry(wIdx)
		if err != nil {
			return err
		}
		wIdx = converted
		wd = s.work.Desc(wIdx)
		srsi, ok = wd.NextFreeSrsi(brsi, s.lSectorsPerPSector)
		if !ok {
			return log.Errorf("work block has no free srsi immediately after conversion")
		}
	}

	if err := s.writeLSH(wd.psi, srsi, brsi, LSHValid, payload); err != nil {
		return err
	}

	priorSrsi, hadCopy := Srsi(0), wd.HasCopy(brsi)
	if hadCopy {
		priorSrsi = wd.SrsiOf(brsi)
	}

	wd.MarkWritten(brsi, srsi)
	s.work.Touch(wIdx)

	if hadCopy {
		if err := s.invalidateLSH(wd.psi, priorSrsi); err != nil {
			return err
		}
	} else if s.enableInvalidSectorError {
		if dataPsi := s.l2p.Get(lbi); dataPsi != 0 {
			if err := s.invalidateLSH(dataPsi, Srsi(brsi)); err != nil {
				return err
			}
		}
	}

	return nil
}

// acquireWorkBlockFor obtains a Work Block for lbi, converting the LRU
// victim first if the arena is full. Per spec.md §4.4, the new Work PSH's
// DataCnt is stamped one generation ahead of the data block it will
// eventually supersede (0 if lbi has no data block yet, so the first Work
// Block ever opened for an lbi carries DataCnt 1) — conversion later commits
// this same value unchanged, never incrementing it again.
func (s *sectorIO) acquireWorkBlockFor(lbi Lbi) (int, error) {
	if s.work.IsFull() {
		victim, ok := s.work.LRU()
		if !ok {
			return 0, log.Errorf("%s", OutOfWorkBlocks)
		}
		if err := s.convertViaCallback(victim); err != nil {
			return 0, err
		}
	}

	var dataCnt DataCnt
	if dataPsi := s.l2p.Get(lbi); dataPsi != 0 {
		dataPSH, err := s.readPSH(dataPsi)
		if err != nil {
			return 0, err
		}
		dataCnt = dataPSH.DataCnt
	}
	dataCnt++

	psi, err := s.alloc.AllocErasedBlock()
	if err != nil {
		return 0, err
	}
	s.free.MarkAllocated(psi)

	psh := NewPSH()
	psh.DataStat = PSHWork
	psh.Lbi = lbi
	psh.DataCnt = dataCnt
	psh.EraseCnt = s.alloc.EraseCntOf(psi)
	if err := s.writePSH(psi, psh); err != nil {
		return 0, err
	}

	return s.work.Acquire(lbi, psi, dataCnt)
}

// readPSH reads and decodes the full PSH committed at psi.
func (s *sectorIO) readPSH(psi Psi) (*PSH, error) {
	info, err := s.phy.SectorInfo(psi)
	if err != nil {
		return nil, log.Wrap(err)
	}

	buf := UseFreeMem(s.codec.PSHSize())
	defer UnuseFreeMem()
	if err := s.phy.ReadOff(info.Offset, buf); err != nil {
		return nil, log.Wrap(err)
	}
	return s.codec.DecodePSH(buf)
}

// convertAndRetry converts the full Work Block at idx to a Data Block and
// immediately reacquires a fresh Work Block for the same Lbi, so the
// caller's pending write has somewhere to land.
func (s *sectorIO) convertAndRetry(idx int) (int, error) {
	lbi := s.work.Desc(idx).lbi
	if err := s.convertViaCallback(idx); err != nil {
		return 0, err
	}
	return s.acquireWorkBlockFor(lbi)
}

func (s *sectorIO) convertViaCallback(idx int) error {
	wd := s.work.Desc(idx)
	oldPsi := wd.psi
	if s.onConverted != nil {
		if err := s.onConverted(wd.lbi, oldPsi); err != nil {
			return err
		}
	}
	s.work.Release(idx)
	return nil
}

// writeLSH encodes and writes one LSH+payload pair at (psi, srsi).
func (s *sectorIO) writeLSH(psi Psi, srsi Srsi, brsi Brsi, stat LSHDataStat, payload []byte) error {
	lsh := NewLSH()
	lsh.DataStat = stat
	lsh.Brsi = brsi

	buf, err := s.codec.EncodeLSH(lsh, payload)
	if err != nil {
		return log.Wrap(err)
	}

	info, err := s.phy.SectorInfo(psi)
	if err != nil {
		return log.Wrap(err)
	}

	lshSize := s.codec.LSHSize()
	stride := lshSize + int(s.logSectorSize)
	off := info.Offset + uint32(s.codec.PSHSize()) + uint32(int(srsi)*stride)

	combined := UseFreeMem(stride)
	defer UnuseFreeMem()
	copy(combined[:lshSize], buf)
	copy(combined[lshSize:], payload)

	var writeErr error
	for attempt := 0; attempt < FSNorNumWriteRetries; attempt++ {
		if writeErr = s.phy.WriteOff(off, combined); writeErr == nil {
			break
		}
	}
	if writeErr != nil {
		return &FatalError{Kind: WriteError, ErrorPSI: psi, cause: writeErr}
	}

	return nil
}

// invalidateLSH marks the LSH at (psi, srsi) as INVALID, writing only the
// DataStat byte's flash line.
func (s *sectorIO) invalidateLSH(psi Psi, srsi Srsi) error {
	lsh := NewLSH()
	lsh.DataStat = LSHInvalid

	buf, err := s.codec.EncodeLSH(lsh, nil)
	if err != nil {
		return log.Wrap(err)
	}

	info, err := s.phy.SectorInfo(psi)
	if err != nil {
		return log.Wrap(err)
	}

	stride := s.codec.LSHSize() + int(s.logSectorSize)
	off := info.Offset + uint32(s.codec.PSHSize()) + uint32(int(srsi)*stride)

	return s.phy.WriteOff(off, buf[:1])
}

// invalidatePSH reads back the PSH committed at psi, advances its DataStat
// to PSHInvalid, and rewrites it — preserving DataCnt/Lbi/EraseCnt exactly
// as committed, the same "reconstruct deterministically, only the status
// bits change" pattern convertInPlace uses for Work -> Valid. Used by the
// FREE_SECTORS trim path (instance.go) to reclaim a whole logical block's
// Work/Data Block at once.
func (s *sectorIO) invalidatePSH(psi Psi) error {
	info, err := s.phy.SectorInfo(psi)
	if err != nil {
		return log.Wrap(err)
	}

	buf := UseFreeMem(s.codec.PSHSize())
	defer UnuseFreeMem()
	if err := s.phy.ReadOff(info.Offset, buf); err != nil {
		return log.Wrap(err)
	}
	psh, err := s.codec.DecodePSH(buf)
	if err != nil {
		return log.Wrap(err)
	}
	if psh.DataStat == PSHEmpty || psh.DataStat == PSHInvalid {
		return nil
	}

	psh.DataStat = PSHInvalid
	return s.writePSH(psi, psh)
}

// writePSH encodes and writes a full PSH at psi.
func (s *sectorIO) writePSH(psi Psi, psh *PSH) error {
	buf, err := s.codec.EncodePSH(psh)
	if err != nil {
		return log.Wrap(err)
	}

	info, err := s.phy.SectorInfo(psi)
	if err != nil {
		return log.Wrap(err)
	}

	return s.phy.WriteOff(info.Offset, buf)
}

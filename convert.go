package norftl

import (
	"github.com/dsoprea/go-logging"
)

// converter turns a full Work Block into a Data Block, per spec.md §4.7.
// Two strategies exist:
//
//   - in-place: when the Work Block already holds, for every brsi, either
//     its own native copy or nothing else live anywhere, the Work Block's
//     own PS becomes the Data Block: any brsi the Work Block never wrote is
//     first copied in from the data block it supersedes (if one exists), the
//     Work Block's PSH is then rewritten from PSHWork to PSHValid, L2P is
//     repointed at the Work Block's own PS, and the superseded Data Block (if
//     any) is queued for erase. This is only possible when the Work Block's
//     assign table is already the identity (assign[brsi]==brsi for every
//     written brsi), CRC/ECC checking is disabled or the medium is
//     no-rewrite, and — on no-rewrite media specifically — the superseded
//     Data Block's DataCnt is exactly one behind the Work Block's own.
//   - via-copy: otherwise, a fresh erased PS is allocated, every brsi's
//     current copy (from the Work Block if present, else from the old Data
//     Block) is copied into its native srsi position there, the new PSH is
//     committed carrying the Work Block's own DataCnt (already stamped
//     data_block_DataCnt+1 when the Work Block was acquired), L2P is
//     repointed, and the old Data Block and Work Block are queued for erase.
//
// Grounded on spec.md §4.7 directly for the two-strategy split; the scratch-
// buffer reuse for the copy loop mirrors structures.go's parseN pattern of
// using one local buffer across a sequence of fixed-size reads.
type converter struct {
	codec *Codec
	phy   Phy
	l2p   *L2P
	free  *FreeMap
	alloc *allocator

	lSectorsPerPSector uint32
	logSectorSize      uint32

	pendingErase []Psi
}

// Convert converts the full Work Block described by wd into a Data Block,
// choosing in-place or via-copy per the predicate above, and returns the
// Psi the converted block now lives at (equal to wd.psi for in-place).
func (cv *converter) Convert(wd *workBlockDesc) (Psi, error) {
	if cv.isInPlaceConvertible(wd) && !cv.alloc.ExceedsWearBound(wd.psi) {
		return wd.psi, cv.convertInPlace(wd)
	}
	return cv.convertViaCopy(wd)
}

// isInPlaceConvertible implements spec.md §4.7's full in-place predicate:
//
//  1. CRC/ECC checking is disabled, or the medium is no-rewrite — flipping a
//     PSH's status in place without touching its CRC/ECC framing is only
//     safe when there is either nothing to re-verify or a no-rewrite section
//     scheme that can re-verify it regardless of the bare status flip.
//  2. every brsi the Work Block has ever written sits at its own native srsi
//     (assign[brsi]==brsi), i.e. the Work Block never received an
//     out-of-order write relative to its own native layout.
//  3. on no-rewrite media specifically, the data block this Work Block
//     supersedes (if any) still has a DataCnt exactly one behind the Work
//     Block's own, confirming no other writer advanced it in the meantime.
func (cv *converter) isInPlaceConvertible(wd *workBlockDesc) bool {
	if (cv.codec.enableCRC || cv.codec.enableECC) && !cv.codec.noRewrite {
		return false
	}

	if cv.codec.noRewrite {
		if oldDataPsi := cv.l2p.Get(wd.lbi); oldDataPsi != 0 {
			dataCnt, err := cv.readDataCnt(oldDataPsi)
			if err != nil || !IsDataCntNewer(wd.dataCnt, dataCnt) {
				return false
			}
		}
	}

	for brsi := 0; brsi < len(wd.assign); brsi++ {
		if !wd.isWritten.Get(brsi) {
			continue
		}
		if int(wd.assign[brsi]) != brsi {
			return false
		}
	}
	return true
}

// readDataCnt reads and decodes the PSH committed at psi, returning only the
// DataCnt field — used by isInPlaceConvertible's no-rewrite conjunct.
func (cv *converter) readDataCnt(psi Psi) (DataCnt, error) {
	info, err := cv.phy.SectorInfo(psi)
	if err != nil {
		return 0, log.Wrap(err)
	}

	buf := UseFreeMem(cv.codec.PSHSize())
	defer UnuseFreeMem()
	if err := cv.phy.ReadOff(info.Offset, buf); err != nil {
		return 0, log.Wrap(err)
	}
	psh, err := cv.codec.DecodePSH(buf)
	if err != nil {
		return 0, log.Wrap(err)
	}
	return psh.DataCnt, nil
}

// convertInPlace fills in any brsi the Work Block itself never wrote from
// the data block it supersedes, rewrites the Work Block's own PSH status to
// PSHValid, repoints L2P at it, and queues the superseded data block (if
// any) for erase. No payload byte the Work Block already holds ever moves.
func (cv *converter) convertInPlace(wd *workBlockDesc) error {
	oldDataPsi := cv.l2p.Get(wd.lbi)
	hasSource := oldDataPsi != 0 && oldDataPsi != wd.psi

	if hasSource {
		stride := cv.codec.LSHSize() + int(cv.logSectorSize)
		buf := UseFreeMem(stride)
		for brsi := Brsi(0); uint32(brsi) < cv.lSectorsPerPSector; brsi++ {
			if wd.HasCopy(brsi) {
				continue
			}

			payload, stat, err := cv.readLSHPayload(oldDataPsi, Srsi(brsi), buf)
			if err != nil {
				UnuseFreeMem()
				return err
			}
			if stat != LSHValid {
				continue
			}

			if err := cv.writeLSH(wd.psi, Srsi(brsi), brsi, payload, buf); err != nil {
				UnuseFreeMem()
				return err
			}
		}
		UnuseFreeMem()
	}

	psh := NewPSH()
	psh.DataStat = PSHValid
	psh.Lbi = wd.lbi
	psh.DataCnt = wd.dataCnt
	psh.EraseCnt = cv.alloc.EraseCntOf(wd.psi)
	if err := cv.writePSH(wd.psi, psh); err != nil {
		return err
	}

	cv.l2p.Set(wd.lbi, wd.psi)

	if hasSource {
		cv.pendingErase = append(cv.pendingErase, oldDataPsi)
	}

	return nil
}

// convertViaCopy allocates a fresh PS, copies every live brsi's current
// copy into native position, commits the new PSH carrying the Work Block's
// own DataCnt (already one generation ahead of the data block it supersedes,
// stamped when the Work Block was acquired), repoints L2P, and queues the
// old Work Block (and, if one existed, the old Data Block) for erase.
func (cv *converter) convertViaCopy(wd *workBlockDesc) (Psi, error) {
	newPsi, err := cv.alloc.AllocErasedBlock()
	if err != nil {
		return 0, err
	}
	cv.free.MarkAllocated(newPsi)

	oldDataPsi := cv.l2p.Get(wd.lbi)

	stride := cv.codec.LSHSize() + int(cv.logSectorSize)
	buf := UseFreeMem(stride)
	defer UnuseFreeMem()

	for brsi := Brsi(0); uint32(brsi) < cv.lSectorsPerPSector; brsi++ {
		var srcPsi Psi
		var srcSrsi Srsi

		switch {
		case wd.HasCopy(brsi):
			srcPsi, srcSrsi = wd.psi, wd.SrsiOf(brsi)
		case oldDataPsi != 0:
			srcPsi, srcSrsi = oldDataPsi, Srsi(brsi)
		default:
			continue // never written anywhere; leave the new slot LSHEmpty
		}

		payload, stat, err := cv.readLSHPayload(srcPsi, srcSrsi, buf)
		if err != nil {
			return 0, err
		}
		if stat != LSHValid {
			continue
		}

		if err := cv.writeLSH(newPsi, Srsi(brsi), brsi, payload, buf); err != nil {
			return 0, err
		}
	}

	psh := NewPSH()
	psh.DataStat = PSHValid
	psh.Lbi = wd.lbi
	psh.DataCnt = wd.dataCnt
	psh.EraseCnt = cv.alloc.EraseCntOf(newPsi)
	if err := cv.writePSH(newPsi, psh); err != nil {
		return 0, err
	}

	cv.l2p.Set(wd.lbi, newPsi)

	cv.pendingErase = append(cv.pendingErase, wd.psi)
	if oldDataPsi != 0 && oldDataPsi != newPsi {
		cv.pendingErase = append(cv.pendingErase, oldDataPsi)
	}

	return newPsi, nil
}

// readLSHPayload decodes the LSH+payload at (psi, srsi) into buf, returning
// the payload slice (a sub-slice of buf) and the decoded DataStat.
func (cv *converter) readLSHPayload(psi Psi, srsi Srsi, buf []byte) ([]byte, LSHDataStat, error) {
	info, err := cv.phy.SectorInfo(psi)
	if err != nil {
		return nil, 0, log.Wrap(err)
	}

	lshSize := cv.codec.LSHSize()
	stride := lshSize + int(cv.logSectorSize)
	off := info.Offset + uint32(cv.codec.PSHSize()) + uint32(int(srsi)*stride)

	if err := cv.phy.ReadOff(off, buf[:stride]); err != nil {
		return nil, 0, log.Wrap(err)
	}

	payload := buf[lshSize:stride]
	lsh, err := cv.codec.DecodeLSH(buf[:lshSize], payload)
	if err != nil {
		return nil, 0, log.Wrap(err)
	}

	return payload, lsh.DataStat, nil
}

// writeLSH writes payload as brsi's native-position copy in the Data Block
// at newPsi, using buf (sized LSHSize()+logSectorSize, typically the same
// buffer readLSHPayload just decoded payload out of) as the combined
// LSH+payload scratch area. buf is the caller's responsibility to acquire:
// UseFreeMem's scratch pool is non-reentrant, and every caller here already
// holds it for the surrounding read/write loop.
func (cv *converter) writeLSH(newPsi Psi, srsi Srsi, brsi Brsi, payload []byte, buf []byte) error {
	lsh := NewLSH()
	lsh.DataStat = LSHValid
	lsh.Brsi = brsi

	encoded, err := cv.codec.EncodeLSH(lsh, payload)
	if err != nil {
		return log.Wrap(err)
	}

	info, err := cv.phy.SectorInfo(newPsi)
	if err != nil {
		return log.Wrap(err)
	}

	lshSize := cv.codec.LSHSize()
	stride := lshSize + int(cv.logSectorSize)
	off := info.Offset + uint32(cv.codec.PSHSize()) + uint32(int(srsi)*stride)

	copy(buf[:lshSize], encoded)
	copy(buf[lshSize:stride], payload)

	return cv.phy.WriteOff(off, buf[:stride])
}

// writePSH writes a full PSH at psi.
func (cv *converter) writePSH(psi Psi, psh *PSH) error {
	buf, err := cv.codec.EncodePSH(psh)
	if err != nil {
		return log.Wrap(err)
	}

	info, err := cv.phy.SectorInfo(psi)
	if err != nil {
		return log.Wrap(err)
	}

	return cv.phy.WriteOff(info.Offset, buf)
}

// DrainPendingErase erases and frees every PS queued by a prior Convert
// call with a plain EraseSector (no blank verify), and clears the queue.
// Instance does not call it: onWorkBlockConverted hands the queued PSs to
// the cleaner instead.
func (cv *converter) DrainPendingErase() error {
	for _, psi := range cv.pendingErase {
		if err := cv.phy.EraseSector(psi); err != nil {
			return &FatalError{Kind: EraseError, ErrorPSI: psi, cause: err}
		}
		cv.free.MarkFree(psi)
	}
	cv.pendingErase = cv.pendingErase[:0]
	return nil
}

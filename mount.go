package norftl

import (
	"github.com/dsoprea/go-logging"
)

// mountResult carries every piece of reconstructed state a successful
// low-level mount hands back to Instance, per spec.md §4.8.
type mountResult struct {
	format     *FormatRecord
	fatalError *FatalErrorRecord

	l2p      *L2P
	free     *FreeMap
	eraseCnt []EraseCnt

	// workBlocks holds, per live Work Block found, its psi/lbi/DataCnt and
	// the reconstructed is_written/assign state, ready to be installed into
	// a workBlockCache by Instance.
	workBlocks []reconstructedWorkBlock
}

type reconstructedWorkBlock struct {
	psi     Psi
	lbi     Lbi
	dataCnt DataCnt
	written []bool // indexed by brsi
	srsiOf  []Srsi // indexed by brsi, meaningful where written[brsi]
}

// lowLevelMount implements spec.md §4.8: read the format record (returning
// ok==false, per REQUIRES_FORMAT, if the magic does not match), read the
// fatal-error record, then scan every PSH to classify each PS as
// Empty/Work/Valid/Invalid, resolving duplicate PSHValid claims on the same
// Lbi via the DataCnt mod-256 ordering of IsDataCntNewer: the loser has its
// on-flash PSH rewritten to PSHInvalid and is queued for erase. Mount
// requires the two DataCnts to differ by exactly one and returns an
// InconsistentData FatalError if not, rather than guessing which copy is
// newer.
//
// Grounded on structures.go's Parse(): a single sequential pass building up
// in-RAM structures (BootSector, then FAT, then cluster heap) from a
// sequence of on-disk records, validating each against the others as it
// goes — mount here is the same shape applied to the PSH population
// instead of a FAT chain.
func lowLevelMount(phy Phy, codec *Codec, numLogBlocks uint32) (*mountResult, bool, error) {
	info0, err := phy.SectorInfo(0)
	if err != nil {
		return nil, false, log.Wrap(err)
	}

	hdrBuf := UseFreeMem(int(codec.logSectorSize) * 2)
	if err := phy.ReadOff(info0.Offset, hdrBuf); err != nil {
		UnuseFreeMem()
		return nil, false, log.Wrap(err)
	}
	fr, ok := decodeFormatRecord(hdrBuf[:codec.logSectorSize])
	if !ok {
		UnuseFreeMem()
		return nil, false, nil
	}
	fer := decodeFatalErrorRecord(hdrBuf[codec.logSectorSize:])
	UnuseFreeMem()

	n := phy.NumSectors()
	l2p := NewL2P(numLogBlocks, n)
	free := NewFreeMap(n)
	eraseCnt := make([]EraseCnt, n)

	dataCntOf := make(map[Lbi]DataCnt, numLogBlocks)
	psiOf := make(map[Lbi]Psi, numLogBlocks)
	pshOf := make(map[Lbi]*PSH, numLogBlocks)

	var pendingErase []Psi
	var workBlocks []reconstructedWorkBlock

	// psi 0 holds the format/fatal-error records read above, not a PSH; it
	// is never scanned, never freed, and never handed out by the allocator.
	for psi := Psi(1); uint32(psi) < n; psi++ {
		pshInfo, err := phy.SectorInfo(psi)
		if err != nil {
			return nil, false, log.Wrap(err)
		}

		pshBuf := UseFreeMem(codec.PSHSize())
		err = phy.ReadOff(pshInfo.Offset, pshBuf)
		if err != nil {
			UnuseFreeMem()
			return nil, false, log.Wrap(err)
		}

		psh, err := codec.DecodePSH(pshBuf)
		UnuseFreeMem()
		if err != nil {
			return nil, false, &FatalError{Kind: CrcError, ErrorPSI: psi, cause: err}
		}

		eraseCnt[psi] = psh.EraseCnt

		switch psh.DataStat {
		case PSHEmpty:
			free.MarkFree(psi)

		case PSHInvalid:
			pendingErase = append(pendingErase, psi)

		case PSHWork:
			wb, err := reconstructWorkBlock(phy, codec, psi, psh)
			if err != nil {
				return nil, false, err
			}
			workBlocks = append(workBlocks, wb)

		case PSHValid:
			if prevPsi, exists := psiOf[psh.Lbi]; exists {
				prevCnt := dataCntOf[psh.Lbi]
				switch {
				case IsDataCntNewer(psh.DataCnt, prevCnt):
					if err := invalidateOnFlashPSH(phy, codec, prevPsi, pshOf[psh.Lbi]); err != nil {
						return nil, false, err
					}
					pendingErase = append(pendingErase, prevPsi)
					psiOf[psh.Lbi] = psi
					dataCntOf[psh.Lbi] = psh.DataCnt
					pshOf[psh.Lbi] = psh
				case IsDataCntNewer(prevCnt, psh.DataCnt):
					if err := invalidateOnFlashPSH(phy, codec, psi, psh); err != nil {
						return nil, false, err
					}
					pendingErase = append(pendingErase, psi)
				default:
					return nil, false, &FatalError{Kind: InconsistentData, ErrorPSI: psi}
				}
			} else {
				psiOf[psh.Lbi] = psi
				dataCntOf[psh.Lbi] = psh.DataCnt
				pshOf[psh.Lbi] = psh
			}
		}
	}

	// Erase counts read back above FSNorMaxEraseCnt are not trusted; they are
	// replaced in RAM (never on flash) by the highest trusted count found.
	var eraseCntMax EraseCnt
	for _, cnt := range eraseCnt {
		if cnt <= FSNorMaxEraseCnt && cnt > eraseCntMax {
			eraseCntMax = cnt
		}
	}
	for psi, cnt := range eraseCnt {
		if cnt > FSNorMaxEraseCnt {
			eraseCnt[psi] = eraseCntMax
		}
	}

	for lbi, psi := range psiOf {
		l2p.Set(lbi, psi)
		free.MarkAllocated(psi)
	}

	// A Work Block with a backing Data Block must be exactly one generation
	// ahead of it; anything else means the two were never part of the same
	// conversion lineage (concurrent writers, or flash corruption neither
	// side's own framing caught).
	for _, wb := range workBlocks {
		if dataCnt, exists := dataCntOf[wb.lbi]; exists {
			if !IsDataCntNewer(wb.dataCnt, dataCnt) {
				return nil, false, &FatalError{Kind: InconsistentData, ErrorPSI: wb.psi}
			}
		}
	}

	for _, wb := range workBlocks {
		free.MarkAllocated(wb.psi)
	}
	for _, psi := range pendingErase {
		free.MarkAllocated(psi)
	}

	return &mountResult{
		format:     fr,
		fatalError: fer,
		l2p:        l2p,
		free:       free,
		eraseCnt:   eraseCnt,
		workBlocks: workBlocks,
	}, true, nil
}

// invalidateOnFlashPSH rewrites psi's PSH with DataStat advanced to
// PSHInvalid, every other field preserved exactly as decoded — the same
// "reconstruct deterministically, flip only the status bits" pattern
// sectorIO.invalidatePSH uses. Called for the losing side of a duplicate
// PSHValid resolution, per spec.md §8 S5: the loser must actually become
// reclaimable (discoverable by the post-mount PSHInvalid scan and queued
// by the cleaner), not merely excluded from L2P.
func invalidateOnFlashPSH(phy Phy, codec *Codec, psi Psi, psh *PSH) error {
	inv := *psh
	inv.DataStat = PSHInvalid

	buf, err := codec.EncodePSH(&inv)
	if err != nil {
		return log.Wrap(err)
	}

	info, err := phy.SectorInfo(psi)
	if err != nil {
		return log.Wrap(err)
	}

	return phy.WriteOff(info.Offset, buf)
}

// reconstructWorkBlock scans every srsi of a Work Block's LSHs to rebuild
// its is_written/assign table and DataCnt, per spec.md §4.8. A later srsi
// with DataStat==LSHValid for a given brsi supersedes an earlier one (the
// Work Block's own append order is the srsi order, so "last LSHValid wins"
// reconstructs the append history correctly without needing a separate
// generation counter per logical-sector slot).
func reconstructWorkBlock(phy Phy, codec *Codec, psi Psi, psh *PSH) (reconstructedWorkBlock, error) {
	info, err := phy.SectorInfo(psi)
	if err != nil {
		return reconstructedWorkBlock{}, log.Wrap(err)
	}

	lSectorsPerPSector := codec.LSectorsPerPSector()
	lshSize := codec.LSHSize()
	stride := lshSize + int(codec.logSectorSize)

	wb := reconstructedWorkBlock{
		psi:     psi,
		lbi:     psh.Lbi,
		dataCnt: psh.DataCnt,
		written: make([]bool, lSectorsPerPSector),
		srsiOf:  make([]Srsi, lSectorsPerPSector),
	}

	buf := UseFreeMem(lshSize)
	defer UnuseFreeMem()

	base := info.Offset + uint32(codec.PSHSize())
	for srsi := Srsi(0); uint32(srsi) < lSectorsPerPSector; srsi++ {
		off := base + uint32(int(srsi)*stride)
		if err := phy.ReadOff(off, buf); err != nil {
			return reconstructedWorkBlock{}, log.Wrap(err)
		}

		lsh, err := codec.DecodeLSH(buf, nil)
		if err != nil {
			continue // a corrupt, unrecoverable LSH is treated as never written
		}
		if lsh.DataStat != LSHValid {
			continue
		}

		wb.written[lsh.Brsi] = true
		wb.srsiOf[lsh.Brsi] = srsi
	}

	return wb, nil
}

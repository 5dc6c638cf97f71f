package norftl

import (
	"sync"

	"github.com/dsoprea/go-logging"
)

// Instance is the top-level handle a driver (or the CLI) holds: one Instance
// per configured storage window, owning every collaborator — Phy, codec,
// allocator, free-map, L2P, work-block and data-block caches, converter,
// and cleaner — and exposing the public, panic-recovered API of spec.md
// §4/§6.
//
// Grounded on ExfatReader as the single top-level owning type every other
// file's methods hang off of (structures.go's Parse() builds one; every
// navigator.go/tree.go function takes a *ExfatReader as its first
// receiver-like argument).
type Instance struct {
	mu sync.Mutex

	cfg   *Config
	phy   Phy
	codec *Codec

	l2p   *L2P
	free  *FreeMap
	alloc *allocator
	work  *workBlockCache
	data  *dataBlockCache
	sio   *sectorIO
	conv  *converter
	cln   *cleaner
	trim  *trimStats

	numLogBlocks       uint32
	lSectorsPerPSector uint32

	// trimmed tracks logical sectors freed by FreeSectorRange that have not
	// been written to since, per spec.md §4.9's FREE_SECTORS trim. A
	// partially-covered edge block only gets its individual logical sectors
	// marked here; a fully-covered block additionally has its backing
	// Work/Data Block invalidated and reclaimed (see FreeSectorRange).
	trimmed map[LogSectorIndex]struct{}

	writeProtected bool
	fatal          *FatalError
}

// New validates cfg and constructs an Instance, but does not touch the
// medium: callers must follow with either Format or Mount before issuing
// any Read/Write.
func New(cfg *Config) (*Instance, error) {
	if cfg.Phy == nil {
		return nil, log.Errorf("Config.Phy is required")
	}
	if err := cfg.Phy.Init(); err != nil {
		return nil, log.Wrap(err)
	}

	phySectorSize := cfg.SectorSize
	if phySectorSize == 0 {
		info, err := cfg.Phy.SectorInfo(0)
		if err != nil {
			return nil, log.Wrap(err)
		}
		phySectorSize = info.Size
	}

	codec := NewCodec(cfg, phySectorSize)

	inst := &Instance{
		cfg:   cfg,
		phy:   cfg.Phy,
		codec: codec,
	}

	return inst, nil
}

// Format performs a low-level format (spec.md §4.8) and then mounts the
// freshly formatted medium.
func (inst *Instance) Format() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	n := inst.phy.NumSectors()
	numLogBlocks := n - 1 // psi 0 is reserved for the format/fatal-error records
	numWorkBlocks := inst.cfg.resolvedNumWorkBlocks(n)

	if err := lowLevelFormat(inst.phy, inst.codec, inst.cfg, numLogBlocks, numWorkBlocks); err != nil {
		return log.Wrap(err)
	}

	return inst.mountLocked()
}

// Mount scans the medium and rebuilds every in-RAM structure, per spec.md
// §4.8. It returns a non-nil error ("medium requires format") when the
// format record's magic does not match — callers are expected to call
// Format instead in that case.
func (inst *Instance) Mount() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.mountLocked()
}

func (inst *Instance) mountLocked() error {
	n := inst.phy.NumSectors()
	numLogBlocksGuess := n - 1

	res, ok, err := lowLevelMount(inst.phy, inst.codec, numLogBlocksGuess)
	if err != nil {
		return log.Wrap(err)
	}
	if !ok {
		return log.Errorf("medium requires format")
	}

	inst.numLogBlocks = res.format.NumLogBlocks
	inst.lSectorsPerPSector = inst.codec.LSectorsPerPSector()
	inst.l2p = res.l2p
	inst.free = res.free
	inst.trimmed = make(map[LogSectorIndex]struct{})

	inst.alloc = newAllocator(inst.codec, inst.phy, inst.free, res.eraseCnt,
		inst.cfg.resolvedMaxEraseCntDiff(), res.format.FailSafeEraseEnabled(), inst.cfg.EnableEraseVerify)
	inst.alloc.bindWearLevelingContext(inst.l2p, inst.codec.LSectorsPerPSector(), inst.cfg.LogSectorSize)

	numWorkBlocks := int(res.format.NumWorkBlocks)
	if inst.cfg.NumWorkBlocks != 0 {
		numWorkBlocks = int(inst.cfg.NumWorkBlocks)
	}
	inst.work = newWorkBlockCache(numWorkBlocks, inst.lSectorsPerPSector)
	for _, wb := range res.workBlocks {
		idx, err := inst.work.Acquire(wb.lbi, wb.psi, wb.dataCnt)
		if err != nil {
			return log.Wrap(err)
		}
		wd := inst.work.Desc(idx)
		for brsi, w := range wb.written {
			if w {
				wd.MarkWritten(Brsi(brsi), wb.srsiOf[brsi])
			}
		}
	}

	inst.data = newDataBlockCache(int(inst.cfg.NumDataBlocks), inst.lSectorsPerPSector)

	inst.conv = &converter{
		codec: inst.codec, phy: inst.phy, l2p: inst.l2p, free: inst.free, alloc: inst.alloc,
		lSectorsPerPSector: inst.lSectorsPerPSector, logSectorSize: inst.cfg.LogSectorSize,
	}

	invalid := collectInvalidPSHs(inst.phy, inst.codec, n)

	inst.cln = newCleaner(inst.phy, inst.codec, inst.free, invalid)
	inst.trim = newTrimStats(inst.free, inst.cln)

	inst.sio = &sectorIO{
		codec: inst.codec, phy: inst.phy, l2p: inst.l2p, free: inst.free, alloc: inst.alloc,
		work: inst.work, data: inst.data,
		lSectorsPerPSector:       inst.lSectorsPerPSector,
		logSectorSize:            inst.cfg.LogSectorSize,
		enableInvalidSectorError: inst.cfg.EnableInvalidSectorError,
		fillPattern:              FSNorReadBufferFillPattern,
		onConverted:              inst.onWorkBlockConverted,
	}

	inst.writeProtected = res.fatalError.IsWriteProtected
	if res.fatalError.HasFatalError {
		inst.fatal = &FatalError{Kind: res.fatalError.ErrorType, ErrorPSI: res.fatalError.ErrorPSI}
	}

	return nil
}

// collectInvalidPSHs re-scans for PSHInvalid PSs, the same classification
// lowLevelMount performs, kept separate so the cleaner's queue can be
// rebuilt independently of the main mount pass's duplicate-resolution
// bookkeeping.
func collectInvalidPSHs(phy Phy, codec *Codec, n uint32) []Psi {
	var invalid []Psi
	for psi := Psi(1); uint32(psi) < n; psi++ {
		info, err := phy.SectorInfo(psi)
		if err != nil {
			continue
		}
		buf := UseFreeMem(codec.PSHSize())
		err = phy.ReadOff(info.Offset, buf)
		var psh *PSH
		if err == nil {
			psh, err = codec.DecodePSH(buf)
		}
		UnuseFreeMem()
		if err != nil {
			continue
		}
		if psh.DataStat == PSHInvalid {
			invalid = append(invalid, psi)
		}
	}
	return invalid
}

// onWorkBlockConverted is sectorIO's eviction callback: convert the Work
// Block, then queue its reclaimed PS(s) with the cleaner instead of erasing
// them inline, so a conversion never blocks a foreground write on an erase.
func (inst *Instance) onWorkBlockConverted(lbi Lbi, oldPsi Psi) error {
	idx, ok := inst.work.Lookup(lbi)
	if !ok {
		return log.Errorf("onWorkBlockConverted: no work block for lbi %d", lbi)
	}
	wd := inst.work.Desc(idx)

	if _, err := inst.conv.Convert(wd); err != nil {
		return err
	}

	for _, psi := range inst.conv.pendingErase {
		inst.cln.QueueInvalid(psi)
	}
	inst.conv.pendingErase = inst.conv.pendingErase[:0]

	return nil
}

// checkWritable returns the latched fatal error, if any, refusing every
// write once one has occurred, per spec.md §7.
func (inst *Instance) checkWritable() error {
	if inst.writeProtected || inst.fatal != nil {
		if inst.fatal != nil {
			return inst.fatal
		}
		return log.Errorf("medium is write-protected")
	}
	return nil
}

// latchFatal records a fatal error, invoking Config.OnFatalError if set, and
// write-protects the instance unless the callback explicitly asks to
// continue.
func (inst *Instance) latchFatal(fe *FatalError) {
	inst.fatal = fe

	writeProtect := true
	if inst.cfg.OnFatalError != nil {
		writeProtect = inst.cfg.OnFatalError(fe.Kind, fe.ErrorPSI)
	}
	if writeProtect {
		inst.writeProtected = true
	}
}

// ReadSector reads logical sector idx into out (exactly LogSectorSize
// bytes), per spec.md §4.6.
func (inst *Instance) ReadSector(idx LogSectorIndex, out []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if _, ok := inst.trimmed[idx]; ok {
		return inst.sio.fillEmpty(out)
	}

	lbi, brsi := divmod(idx, inst.lSectorsPerPSector)
	if err := inst.sio.Read(lbi, brsi, out); err != nil {
		if fe, ok := err.(*FatalError); ok {
			inst.latchFatal(fe)
		}
		return log.Wrap(err)
	}
	return nil
}

// WriteSector writes payload (exactly LogSectorSize bytes) to logical
// sector idx, per spec.md §4.6.
func (inst *Instance) WriteSector(idx LogSectorIndex, payload []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.checkWritable(); err != nil {
		return err
	}

	delete(inst.trimmed, idx)

	lbi, brsi := divmod(idx, inst.lSectorsPerPSector)
	if err := inst.sio.Write(lbi, brsi, payload); err != nil {
		if fe, ok := err.(*FatalError); ok {
			inst.latchFatal(fe)
		}
		return log.Wrap(err)
	}
	return nil
}

// FreeSectorRange implements spec.md §4.9's FREE_SECTORS trim: a contiguous
// range of logical sectors is marked free. A logical block fully covered by
// the range has its Work Block (if any) and Data Block (if any) invalidated
// and reclaimed outright; a logical block only partially covered (an edge
// of the range) has just its individual covered logical sectors marked
// trimmed, leaving its siblings in the same block untouched.
func (inst *Instance) FreeSectorRange(start LogSectorIndex, count uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.checkWritable(); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	lps := inst.lSectorsPerPSector

	for remaining, cur := count, start; remaining > 0; {
		lbi, brsi := divmod(cur, lps)

		blockStart := cur - LogSectorIndex(brsi)
		blockLen := lps - uint32(brsi)
		if blockLen > remaining {
			blockLen = remaining
		}
		wholeBlock := uint32(brsi) == 0 && blockLen == lps

		for i := uint32(0); i < blockLen; i++ {
			inst.trimmed[cur+LogSectorIndex(i)] = struct{}{}
		}

		if wholeBlock {
			if err := inst.reclaimWholeBlock(lbi); err != nil {
				return err
			}
			delete(inst.trimmed, blockStart)
			for i := uint32(1); i < lps; i++ {
				delete(inst.trimmed, blockStart+LogSectorIndex(i))
			}
		}

		cur += LogSectorIndex(blockLen)
		remaining -= blockLen
	}

	return nil
}

// reclaimWholeBlock invalidates and releases lbi's Work Block (if any) and
// Data Block (if any), queuing their physical sectors for erase via the
// cleaner, and clears the L2P entry. Called only when FreeSectorRange's
// range fully covers lbi's logical sectors.
func (inst *Instance) reclaimWholeBlock(lbi Lbi) error {
	if idx, ok := inst.work.Lookup(lbi); ok {
		wd := inst.work.Desc(idx)
		if err := inst.sio.invalidatePSH(wd.psi); err != nil {
			return err
		}
		inst.cln.QueueInvalid(wd.psi)
		inst.work.Release(idx)
	}

	if psi := inst.l2p.Get(lbi); psi != 0 {
		if err := inst.sio.invalidatePSH(psi); err != nil {
			return err
		}
		inst.cln.QueueInvalid(psi)
		inst.l2p.Set(lbi, 0)
	}

	return nil
}

// CleanOne reclaims exactly one pending-erase physical sector, or, if none
// are pending, converts one idle Work Block that already has a backing Data
// Block — spec.md §4.9's second CleanOne branch, proactively shrinking the
// population of soon-to-be-invalid sectors instead of only reacting to ones
// that already are.
func (inst *Instance) CleanOne() (didWork bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	return inst.cleanOneLocked()
}

// cleanOneLocked implements CleanOne's two branches under inst.mu.
func (inst *Instance) cleanOneLocked() (bool, error) {
	did, err := inst.cln.CleanOne()
	if err != nil || did {
		return did, err
	}

	idx, ok := inst.work.FindWithBackingData(func(lbi Lbi) bool { return inst.l2p.Get(lbi) != 0 })
	if !ok {
		return false, nil
	}

	wd := inst.work.Desc(idx)
	if err := inst.onWorkBlockConverted(wd.lbi, wd.psi); err != nil {
		return false, err
	}
	inst.work.Release(idx)

	return true, nil
}

// Clean reclaims every pending-erase physical sector and converts every
// eligible idle Work Block, returning how many CleanOne steps did work.
func (inst *Instance) Clean() (count int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = wrapPanic(errRaw)
		}
	}()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	for {
		did, err := inst.cleanOneLocked()
		if err != nil {
			return count, err
		}
		if !did {
			return count, nil
		}
		count++
	}
}

// pendingConversionCost predicts how many CleanOne steps converting one
// idle Work Block accounts for, per spec.md §4.9: one for the conversion
// itself plus one erase for every PS it queues. Via-copy queues the old Work
// Block's PS, plus the superseded Data Block's PS if one exists (3, or 2
// without one); in-place reuses the Work Block's own PS as the Data Block and
// queues only the superseded Data Block (2). In-place with no Data Block
// counts 0.
func pendingConversionCost(viaCopy, hasSource bool) int {
	switch {
	case viaCopy && hasSource:
		return 3
	case viaCopy && !hasSource:
		return 2
	case !viaCopy && hasSource:
		return 2
	default:
		return 0
	}
}

// GetCleanCnt reports how many physical sectors are pending erase, plus the
// predicted cost of converting every currently live Work Block.
func (inst *Instance) GetCleanCnt() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	count := inst.cln.GetCleanCnt()
	for lbi, idx := range inst.work.byLbi {
		wd := inst.work.Desc(idx)
		hasSource := inst.l2p.Get(lbi) != 0
		viaCopy := !inst.conv.isInPlaceConvertible(wd) || inst.alloc.ExceedsWearBound(wd.psi)
		count += pendingConversionCost(viaCopy, hasSource)
	}
	return count
}

// FreeSectors reports the current free physical-sector count.
func (inst *Instance) FreeSectors() uint32 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.trim.FreeSectors()
}

// GetSectorUsage classifies a physical sector for diagnostics.
func (inst *Instance) GetSectorUsage(psi Psi) SectorUsage {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.trim.GetSectorUsage(psi)
}

// GetDeviceInfo reports the static and dynamic device-info fields of
// spec.md §6's GET_DEVINFO ioctl.
func (inst *Instance) GetDeviceInfo() DeviceInfo {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	return DeviceInfo{
		BytesPerSector:     inst.codec.phySectorSize,
		LogSectorSize:      inst.cfg.LogSectorSize,
		LSectorsPerPSector: inst.lSectorsPerPSector,
		NumPhySectors:      inst.phy.NumSectors(),
		NumLogBlocks:       inst.numLogBlocks,
		NumWorkBlocks:      uint16(len(inst.work.descs)),
		NumDataBlocks:      inst.cfg.NumDataBlocks,
		FailSafeErase:      inst.cfg.EnableFailSafeErase,
		CRCEnabled:         inst.cfg.EnableCRC,
		ECCEnabled:         inst.cfg.EnableECC,
		NoRewrite:          inst.cfg.NoRewrite,
		WriteProtected:     inst.writeProtected,
	}
}

// Stats reports an instance-wide counter snapshot.
func (inst *Instance) Stats() Stats {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	n := inst.phy.NumSectors()
	var numData, numWork, numInvalid uint32
	var eraseMin, eraseMax EraseCnt
	first := true

	for psi := Psi(0); uint32(psi) < n; psi++ {
		cnt := inst.alloc.EraseCntOf(psi)
		if first {
			eraseMin, eraseMax = cnt, cnt
			first = false
		} else {
			if cnt < eraseMin {
				eraseMin = cnt
			}
			if cnt > eraseMax {
				eraseMax = cnt
			}
		}

		switch inst.trim.GetSectorUsage(psi) {
		case SectorAllocatedNotBlank:
			numInvalid++
		case SectorInUse:
			numData++
		}
	}
	numWork = uint32(inst.work.Len())
	numData -= numWork

	return Stats{
		NumFree:        inst.free.CountFree(),
		NumData:        numData,
		NumWork:        numWork,
		NumInvalid:     numInvalid,
		EraseCntMin:    eraseMin,
		EraseCntMax:    eraseMax,
		LiveWorkBlocks: inst.work.Len(),
		LiveDataBlocks: len(inst.data.byLbi),
	}
}

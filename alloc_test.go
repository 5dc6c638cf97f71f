package norftl

import "testing"

func newTestAllocator(t *testing.T, numSectors uint32, failSafe, eraseVerify bool) (*allocator, *MemPhy, *FreeMap) {
	t.Helper()
	phy := NewMemPhy(numSectors, 256)
	codec := newTestCodec(t, false, false)
	free := NewFreeMap(numSectors)
	for psi := Psi(0); uint32(psi) < numSectors; psi++ {
		free.MarkFree(psi)
	}
	eraseCnt := make([]EraseCnt, numSectors)
	a := newAllocator(codec, phy, free, eraseCnt, FSNorMaxEraseCntDiff, failSafe, eraseVerify)
	return a, phy, free
}

func TestAllocErasedBlockMarksAllocatedAndErased(t *testing.T) {
	a, phy, free := newTestAllocator(t, 8, false, false)

	phy.WriteOff(0, []byte{0x00})

	psi, err := a.AllocErasedBlock()
	if err != nil {
		t.Fatalf("AllocErasedBlock: %v", err)
	}

	if free.IsFree(psi) {
		t.Fatalf("allocated psi %d must be marked allocated", psi)
	}
	if a.EraseCntOf(psi) != 1 {
		t.Fatalf("expected erase count 1 after first allocation, got %d", a.EraseCntOf(psi))
	}

	blank, err := a.isSectorBlank(psi)
	if err != nil {
		t.Fatalf("isSectorBlank: %v", err)
	}
	if !blank {
		t.Fatalf("freshly allocated sector should read back blank")
	}
}

func TestAllocErasedBlockPrefersLeastWornCandidate(t *testing.T) {
	a, _, _ := newTestAllocator(t, 4, false, false)

	a.eraseCnt[0] = 50
	a.eraseCnt[1] = 5
	a.eraseCnt[2] = 30
	a.eraseCnt[3] = 5

	psi, err := a.AllocErasedBlock()
	if err != nil {
		t.Fatalf("AllocErasedBlock: %v", err)
	}
	if psi != 1 && psi != 3 {
		t.Fatalf("expected the least-worn free sector (1 or 3) to be picked, got %d", psi)
	}
}

func TestAllocErasedBlockOutOfFreeSectors(t *testing.T) {
	a, _, free := newTestAllocator(t, 2, false, false)
	free.MarkAllocated(0)
	free.MarkAllocated(1)

	if _, err := a.AllocErasedBlock(); err == nil {
		t.Fatalf("expected OutOfFreeSectors when no sector is free")
	}
}

func TestAllocErasedBlockFailSafeStampsSignature(t *testing.T) {
	a, phy, _ := newTestAllocator(t, 4, true, false)

	psi, err := a.AllocErasedBlock()
	if err != nil {
		t.Fatalf("AllocErasedBlock: %v", err)
	}

	info, _ := phy.SectorInfo(psi)
	buf := make([]byte, a.codec.PSHSize())
	if err := phy.ReadOff(info.Offset, buf); err != nil {
		t.Fatalf("ReadOff: %v", err)
	}

	psh, err := a.codec.DecodePSH(buf)
	if err != nil {
		t.Fatalf("DecodePSH: %v", err)
	}
	if psh.EraseSignature != eraseSignatureValid {
		t.Fatalf("expected erase signature to be stamped valid after a successful erase, got %#x", psh.EraseSignature)
	}
}

func TestAllocErasedBlockRetriesOnceThenSucceeds(t *testing.T) {
	a, phy, _ := newTestAllocator(t, 2, false, false)
	// MemPhy's FailNextErase only fires once, so this exercises the retry
	// loop's first-attempt-fails/second-attempt-succeeds path rather than
	// exhausting every retry.
	phy.FailNextErase = true

	psi, err := a.AllocErasedBlock()
	if err != nil {
		t.Fatalf("expected AllocErasedBlock to succeed after one retried erase: %v", err)
	}
	if a.EraseCntOf(psi) != 1 {
		t.Fatalf("expected erase count 1 after the retried allocation, got %d", a.EraseCntOf(psi))
	}
}

func TestActiveWearLevelSwapRelocatesLeastWornDataBlock(t *testing.T) {
	const sectorSize = 65536
	phy := NewMemPhy(4, sectorSize)
	codec := NewCodec(&Config{LogSectorSize: 512}, sectorSize)
	lps := codec.LSectorsPerPSector()
	if lps == 0 {
		t.Fatalf("degenerate geometry: LSectorsPerPSector()==0")
	}

	// psi 1 holds a live Data Block for lbi 7, at the lowest erase count on
	// the medium (psi 0 cannot: an L2P value of 0 means "unassigned"); psi
	// 0, 2 and 3 are free, with psi 2 the least-worn free candidate.
	free := NewFreeMap(4)
	free.MarkFree(0)
	free.MarkFree(2)
	free.MarkFree(3)

	eraseCnt := []EraseCnt{50, 0, 10, 10}

	psh := NewPSH()
	psh.DataStat = PSHValid
	psh.Lbi = 7
	psh.DataCnt = 3
	pshBuf, err := codec.EncodePSH(psh)
	if err != nil {
		t.Fatalf("EncodePSH: %v", err)
	}
	info1, _ := phy.SectorInfo(1)
	if err := phy.WriteOff(info1.Offset, pshBuf); err != nil {
		t.Fatalf("WriteOff psh: %v", err)
	}

	lsh := NewLSH()
	lsh.DataStat = LSHValid
	lsh.Brsi = 0
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xAB
	}
	lshBuf, err := codec.EncodeLSH(lsh, payload)
	if err != nil {
		t.Fatalf("EncodeLSH: %v", err)
	}
	lshSize := codec.LSHSize()
	stride := lshSize + 512
	off1 := info1.Offset + uint32(codec.PSHSize())
	combined := make([]byte, stride)
	copy(combined[:lshSize], lshBuf)
	copy(combined[lshSize:], payload)
	if err := phy.WriteOff(off1, combined); err != nil {
		t.Fatalf("WriteOff lsh+payload: %v", err)
	}

	l2p := NewL2P(8, 4)
	l2p.Set(7, 1)

	a := newAllocator(codec, phy, free, eraseCnt, 5, false, false)
	a.bindWearLevelingContext(l2p, lps, 512)

	psi, err := a.AllocErasedBlock()
	if err != nil {
		t.Fatalf("AllocErasedBlock: %v", err)
	}

	if psi != 1 {
		t.Fatalf("expected the vacated low-wear psi 1 to be returned, got %d", psi)
	}
	if free.IsFree(1) {
		t.Fatalf("returned psi must be marked allocated")
	}
	if a.EraseCntOf(1) != 1 {
		t.Fatalf("expected psi 1's erase count to have been bumped to 1, got %d", a.EraseCntOf(1))
	}

	if got := l2p.Get(7); got != 2 {
		t.Fatalf("expected lbi 7 to be relocated onto psi 2, got %d", got)
	}

	info2, _ := phy.SectorInfo(2)
	readBuf := make([]byte, codec.PSHSize())
	if err := phy.ReadOff(info2.Offset, readBuf); err != nil {
		t.Fatalf("ReadOff relocated psh: %v", err)
	}
	gotPSH, err := codec.DecodePSH(readBuf)
	if err != nil {
		t.Fatalf("DecodePSH: %v", err)
	}
	if gotPSH.DataStat != PSHValid || gotPSH.Lbi != 7 || gotPSH.DataCnt != 3 {
		t.Fatalf("relocated psh mismatch: %+v", gotPSH)
	}

	off2 := info2.Offset + uint32(codec.PSHSize())
	readLine := make([]byte, stride)
	if err := phy.ReadOff(off2, readLine); err != nil {
		t.Fatalf("ReadOff relocated line: %v", err)
	}
	gotLSH, err := codec.DecodeLSH(readLine[:lshSize], readLine[lshSize:])
	if err != nil {
		t.Fatalf("DecodeLSH: %v", err)
	}
	if gotLSH.DataStat != LSHValid {
		t.Fatalf("expected relocated srsi 0 to remain LSHValid, got %v", gotLSH.DataStat)
	}
	for i, b := range readLine[lshSize:] {
		if b != 0xAB {
			t.Fatalf("byte %d of relocated payload: expected 0xAB, got %#x", i, b)
		}
	}
}

func TestExceedsWearBound(t *testing.T) {
	a, _, free := newTestAllocator(t, 4, false, false)

	a.eraseCnt[0] = 0
	a.eraseCnt[1] = 0
	a.eraseCnt[2] = FSNorMaxEraseCntDiff + 100
	free.MarkAllocated(2) // psi 2 is the in-use sector under test, not free

	if a.ExceedsWearBound(2) != true {
		t.Fatalf("expected psi 2 (far more worn than the least-worn free sector) to exceed the wear bound")
	}
	if a.ExceedsWearBound(0) {
		t.Fatalf("psi 0, itself among the least worn, should not exceed the wear bound")
	}
}

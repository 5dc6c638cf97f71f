package norftl

import "testing"

func newTestSectorIO(t *testing.T, numSectors uint32, numWorkBlocks, numDataBlocks int) *sectorIO {
	t.Helper()

	phy := NewMemPhy(numSectors, 4096)
	codec := NewCodec(&Config{LogSectorSize: 512}, 4096)
	free := NewFreeMap(numSectors)
	for psi := Psi(0); uint32(psi) < numSectors; psi++ {
		free.MarkFree(psi)
	}
	eraseCnt := make([]EraseCnt, numSectors)
	alloc := newAllocator(codec, phy, free, eraseCnt, FSNorMaxEraseCntDiff, false, false)
	l2p := NewL2P(numSectors, numSectors)
	work := newWorkBlockCache(numWorkBlocks, codec.LSectorsPerPSector())
	data := newDataBlockCache(numDataBlocks, codec.LSectorsPerPSector())

	return &sectorIO{
		codec: codec, phy: phy, l2p: l2p, free: free, alloc: alloc,
		work: work, data: data,
		lSectorsPerPSector: codec.LSectorsPerPSector(),
		logSectorSize:      512,
		fillPattern:        FSNorReadBufferFillPattern,
	}
}

func TestSectorIOReadUnwrittenReturnsFillPattern(t *testing.T) {
	s := newTestSectorIO(t, 16, 3, 0)

	out := make([]byte, 512)
	for i := range out {
		out[i] = 0x00
	}
	if err := s.Read(0, 0, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range out {
		if b != FSNorReadBufferFillPattern {
			t.Fatalf("byte %d: expected fill pattern, got %#x", i, b)
		}
	}
}

func TestSectorIOWriteThenReadViaWorkBlock(t *testing.T) {
	s := newTestSectorIO(t, 16, 3, 0)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x7A
	}

	if err := s.Write(2, 0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := make([]byte, 512)
	if err := s.Read(2, 0, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range out {
		if out[i] != 0x7A {
			t.Fatalf("byte %d: expected 0x7A, got %#x", i, out[i])
		}
	}

	idx, ok := s.work.Lookup(2)
	if !ok {
		t.Fatalf("expected a work block to now back lbi 2")
	}
	wd := s.work.Desc(idx)
	if !wd.HasCopy(0) {
		t.Fatalf("expected brsi 0 to have a copy recorded in the work block")
	}
}

func TestSectorIORewriteSameBrsiInvalidatesPriorCopy(t *testing.T) {
	s := newTestSectorIO(t, 16, 3, 0)

	first := make([]byte, 512)
	for i := range first {
		first[i] = 0x01
	}
	second := make([]byte, 512)
	for i := range second {
		second[i] = 0x02
	}

	if err := s.Write(2, 0, first); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	idx, _ := s.work.Lookup(2)
	wd := s.work.Desc(idx)
	priorSrsi := wd.SrsiOf(0)

	if err := s.Write(2, 0, second); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	newSrsi := wd.SrsiOf(0)
	if newSrsi == priorSrsi {
		t.Fatalf("expected the second write to land in a new srsi, got the same one")
	}

	out := make([]byte, 512)
	if err := s.Read(2, 0, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range out {
		if out[i] != 0x02 {
			t.Fatalf("byte %d: expected the latest write (0x02), got %#x", i, out[i])
		}
	}
}

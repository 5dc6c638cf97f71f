package norftl

import "testing"

func newTestCleaner(t *testing.T, numSectors uint32, invalid []Psi) (*cleaner, *MemPhy, *FreeMap) {
	t.Helper()
	phy := NewMemPhy(numSectors, 256)
	codec := newTestCodec(t, false, false)
	free := NewFreeMap(numSectors)
	return newCleaner(phy, codec, free, invalid), phy, free
}

func TestCleanerCleanOneReclaimsOneSector(t *testing.T) {
	cln, _, free := newTestCleaner(t, 8, []Psi{2, 5})

	did, err := cln.CleanOne()
	if err != nil {
		t.Fatalf("CleanOne: %v", err)
	}
	if !did {
		t.Fatalf("expected CleanOne to report it did work")
	}
	if cln.GetCleanCnt() != 1 {
		t.Fatalf("expected 1 remaining queued sector, got %d", cln.GetCleanCnt())
	}
	_ = free
}

func TestCleanerCleanOneEmptyQueue(t *testing.T) {
	cln, _, _ := newTestCleaner(t, 8, nil)

	did, err := cln.CleanOne()
	if err != nil {
		t.Fatalf("CleanOne: %v", err)
	}
	if did {
		t.Fatalf("expected CleanOne to report no work on an empty queue")
	}
}

func TestCleanerCleanReclaimsAllAndFreesThem(t *testing.T) {
	cln, _, free := newTestCleaner(t, 8, []Psi{1, 3, 6})

	count, err := cln.Clean()
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 reclaimed sectors, got %d", count)
	}
	if cln.GetCleanCnt() != 0 {
		t.Fatalf("expected an empty queue after Clean, got %d", cln.GetCleanCnt())
	}
	for _, psi := range []Psi{1, 3, 6} {
		if !free.IsFree(psi) {
			t.Fatalf("expected psi %d to be marked free after Clean", psi)
		}
	}
}

func TestCleanerQueueInvalidAppends(t *testing.T) {
	cln, _, _ := newTestCleaner(t, 8, nil)

	cln.QueueInvalid(4)
	if cln.GetCleanCnt() != 1 {
		t.Fatalf("expected 1 queued sector after QueueInvalid, got %d", cln.GetCleanCnt())
	}
	if !cln.isQueuedInvalid(4) {
		t.Fatalf("expected psi 4 to be reported as queued")
	}
	if cln.isQueuedInvalid(5) {
		t.Fatalf("psi 5 was never queued")
	}
}

func TestTrimStatsGetSectorUsage(t *testing.T) {
	cln, _, free := newTestCleaner(t, 8, []Psi{2})
	free.MarkFree(4)
	free.MarkAllocated(2)
	free.MarkAllocated(6)

	trim := newTrimStats(free, cln)

	if got := trim.GetSectorUsage(2); got != SectorAllocatedNotBlank {
		t.Fatalf("psi 2 (queued invalid): expected SectorAllocatedNotBlank, got %v", got)
	}
	if got := trim.GetSectorUsage(4); got != SectorNotUsed {
		t.Fatalf("psi 4 (free): expected SectorNotUsed, got %v", got)
	}
	if got := trim.GetSectorUsage(6); got != SectorInUse {
		t.Fatalf("psi 6 (allocated, not queued): expected SectorInUse, got %v", got)
	}
}

func TestTrimStatsFreeSectors(t *testing.T) {
	cln, _, free := newTestCleaner(t, 8, nil)
	free.MarkFree(0)
	free.MarkFree(1)
	free.MarkFree(2)

	trim := newTrimStats(free, cln)
	if got := trim.FreeSectors(); got != 3 {
		t.Fatalf("expected 3 free sectors, got %d", got)
	}
}

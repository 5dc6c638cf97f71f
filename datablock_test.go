package norftl

import "testing"

func TestDataBlockCacheDisabledWhenZeroCapacity(t *testing.T) {
	dc := newDataBlockCache(0, 4)
	if dc.Enabled() {
		t.Fatalf("a zero-capacity cache must report disabled")
	}
	if _, ok := dc.Open(0, 10, nil); ok {
		t.Fatalf("Open must no-op on a disabled cache")
	}
}

func TestDataBlockCacheOpenAndAppend(t *testing.T) {
	dc := newDataBlockCache(2, 4)

	idx, ok := dc.Open(0, 10, []bool{true, false, false, false})
	if !ok {
		t.Fatalf("Open should succeed with spare capacity")
	}

	dd := dc.Desc(idx)
	if dd.nextFree != 1 {
		t.Fatalf("expected nextFree to skip the already-written brsi 0, got %d", dd.nextFree)
	}
	if dd.IsFull(4) {
		t.Fatalf("block should not be full yet")
	}

	dd.MarkWritten(1, 4)
	if dd.nextFree != 2 {
		t.Fatalf("expected nextFree to advance to 2, got %d", dd.nextFree)
	}

	dd.MarkWritten(2, 4)
	dd.MarkWritten(3, 4)
	if !dd.IsFull(4) {
		t.Fatalf("block should be full once every brsi is written")
	}
}

func TestDataBlockCacheOpenReturnsSameIdxForSameLbi(t *testing.T) {
	dc := newDataBlockCache(2, 4)

	idx1, ok := dc.Open(5, 100, nil)
	if !ok {
		t.Fatalf("Open should succeed")
	}
	idx2, ok := dc.Open(5, 200, nil)
	if !ok {
		t.Fatalf("Open should succeed for an already-open lbi")
	}
	if idx1 != idx2 {
		t.Fatalf("Open for an already-cached lbi should return the same descriptor")
	}
}

func TestDataBlockCacheEvictFreesSlot(t *testing.T) {
	dc := newDataBlockCache(1, 4)

	idx, ok := dc.Open(0, 10, nil)
	if !ok {
		t.Fatalf("Open should succeed")
	}
	dc.Evict(idx)

	if _, ok := dc.Lookup(0); ok {
		t.Fatalf("lbi 0 should no longer be tracked after eviction")
	}
	if _, ok := dc.Open(1, 20, nil); !ok {
		t.Fatalf("Open should succeed again after the slot was freed")
	}
}

func TestDataBlockCacheFullReturnsFalse(t *testing.T) {
	dc := newDataBlockCache(1, 4)

	if _, ok := dc.Open(0, 10, nil); !ok {
		t.Fatalf("first Open should succeed")
	}
	if _, ok := dc.Open(1, 20, nil); ok {
		t.Fatalf("second Open should fail once the cache is at capacity")
	}
}

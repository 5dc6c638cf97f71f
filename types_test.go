package norftl

import "testing"

func TestIsDataCntNewer(t *testing.T) {
	if !IsDataCntNewer(1, 0) {
		t.Fatalf("1 should be newer than 0")
	}
	if IsDataCntNewer(0, 1) {
		t.Fatalf("0 should not be newer than 1")
	}
	if !IsDataCntNewer(0, 255) {
		t.Fatalf("0 should be newer than 255 (wraparound)")
	}
	if IsDataCntNewer(5, 5) {
		t.Fatalf("equal counts are never 'newer'")
	}
	if IsDataCntNewer(7, 5) {
		t.Fatalf("a gap of two is not 'newer'")
	}
}

func TestDivmodRoundTrip(t *testing.T) {
	const perPSector = 7

	for _, idx := range []LogSectorIndex{0, 1, 6, 7, 8, 41} {
		lbi, brsi := divmod(idx, perPSector)
		got := LogSectorIndexOf(lbi, brsi, perPSector)
		if got != idx {
			t.Fatalf("divmod/LogSectorIndexOf round trip failed: idx=%d lbi=%d brsi=%d got=%d", idx, lbi, brsi, got)
		}
	}
}

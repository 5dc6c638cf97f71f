package norftl

import "testing"

func TestLowLevelMountRequiresFormatOnBlankMedium(t *testing.T) {
	phy := NewMemPhy(8, 256)
	codec := newTestCodec(t, false, false)

	_, ok, err := lowLevelMount(phy, codec, 7)
	if err != nil {
		t.Fatalf("lowLevelMount: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false (REQUIRES_FORMAT) on a never-formatted medium")
	}
}

func TestLowLevelMountAfterFormatRebuildsFreeMap(t *testing.T) {
	phy := NewMemPhy(8, 256)
	codec := newTestCodec(t, false, false)
	cfg := &Config{EnableBlankSectorSkip: true}

	if err := lowLevelFormat(phy, codec, cfg, 7, 3); err != nil {
		t.Fatalf("lowLevelFormat: %v", err)
	}

	res, ok, err := lowLevelMount(phy, codec, 7)
	if err != nil {
		t.Fatalf("lowLevelMount: %v", err)
	}
	if !ok {
		t.Fatalf("expected a successful mount after format")
	}

	if got := res.free.CountFree(); got != 7 {
		t.Fatalf("expected every sector but the reserved psi 0 free right after format, got %d", got)
	}
	if len(res.workBlocks) != 0 {
		t.Fatalf("expected no reconstructed work blocks right after format")
	}
}

func TestLowLevelMountReconstructsWorkBlockAppendHistory(t *testing.T) {
	// The sector size matches the codec's 65536-byte layout, every srsi of
	// which reconstruction reads.
	phy := NewMemPhy(8, 65536)
	codec := newTestCodec(t, false, false)
	cfg := &Config{EnableBlankSectorSkip: true}

	if err := lowLevelFormat(phy, codec, cfg, 7, 3); err != nil {
		t.Fatalf("lowLevelFormat: %v", err)
	}

	psh := NewPSH()
	psh.DataStat = PSHWork
	psh.Lbi = 2
	psh.DataCnt = 1
	pshBuf, err := codec.EncodePSH(psh)
	if err != nil {
		t.Fatalf("EncodePSH: %v", err)
	}
	info, _ := phy.SectorInfo(3)
	if err := phy.WriteOff(info.Offset, pshBuf); err != nil {
		t.Fatalf("WriteOff psh: %v", err)
	}

	lsh := NewLSH()
	lsh.DataStat = LSHValid
	lsh.Brsi = 0
	payload := make([]byte, codec.logSectorSize)
	for i := range payload {
		payload[i] = 0x5C
	}
	lshBuf, err := codec.EncodeLSH(lsh, payload)
	if err != nil {
		t.Fatalf("EncodeLSH: %v", err)
	}
	stride := codec.LSHSize() + int(codec.logSectorSize)
	combined := make([]byte, stride)
	copy(combined, lshBuf)
	copy(combined[codec.LSHSize():], payload)
	off := info.Offset + uint32(codec.PSHSize())
	if err := phy.WriteOff(off, combined); err != nil {
		t.Fatalf("WriteOff lsh: %v", err)
	}

	res, ok, err := lowLevelMount(phy, codec, 7)
	if err != nil {
		t.Fatalf("lowLevelMount: %v", err)
	}
	if !ok {
		t.Fatalf("expected a successful mount")
	}
	if len(res.workBlocks) != 1 {
		t.Fatalf("expected exactly 1 reconstructed work block, got %d", len(res.workBlocks))
	}

	wb := res.workBlocks[0]
	if wb.psi != 3 || wb.lbi != 2 {
		t.Fatalf("unexpected reconstructed work block: %+v", wb)
	}
	if !wb.written[0] {
		t.Fatalf("expected brsi 0 to be reconstructed as written")
	}
	if wb.srsiOf[0] != 0 {
		t.Fatalf("expected brsi 0's srsi to be 0, got %d", wb.srsiOf[0])
	}
}

package norftl

import (
	"os"
	"testing"
)

func newTestFilePhy(t *testing.T, numSectors, sectorSize uint32) (*FilePhy, string) {
	t.Helper()

	f, err := os.CreateTemp("", "nor-ftl-filephy-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	size := int64(numSectors) * int64(sectorSize)
	blank := make([]byte, size)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := f.Write(blank); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fp, err := NewFilePhy(path, numSectors, sectorSize, 0)
	if err != nil {
		t.Fatalf("NewFilePhy: %v", err)
	}
	t.Cleanup(func() { fp.Close() })

	return fp, path
}

func TestFilePhySectorInfoRejectsOutOfRange(t *testing.T) {
	fp, _ := newTestFilePhy(t, 4, 256)

	if _, err := fp.SectorInfo(4); err == nil {
		t.Fatalf("expected an error for an out-of-range psi")
	}
	info, err := fp.SectorInfo(3)
	if err != nil {
		t.Fatalf("SectorInfo: %v", err)
	}
	if info.Offset != 3*256 || info.Size != 256 {
		t.Fatalf("unexpected SectorInfo: %+v", info)
	}
}

func TestFilePhyWriteReadRoundTrip(t *testing.T) {
	fp, _ := newTestFilePhy(t, 4, 256)

	info, err := fp.SectorInfo(1)
	if err != nil {
		t.Fatalf("SectorInfo: %v", err)
	}

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := fp.WriteOff(info.Offset, payload); err != nil {
		t.Fatalf("WriteOff: %v", err)
	}

	out := make([]byte, 256)
	if err := fp.ReadOff(info.Offset, out); err != nil {
		t.Fatalf("ReadOff: %v", err)
	}
	for i := range out {
		if out[i] != payload[i] {
			t.Fatalf("byte %d: expected %#x, got %#x", i, payload[i], out[i])
		}
	}
}

func TestFilePhyEraseSectorRestoresBlank(t *testing.T) {
	fp, _ := newTestFilePhy(t, 4, 256)

	info, err := fp.SectorInfo(2)
	if err != nil {
		t.Fatalf("SectorInfo: %v", err)
	}

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = 0x00
	}
	if err := fp.WriteOff(info.Offset, payload); err != nil {
		t.Fatalf("WriteOff: %v", err)
	}

	if err := fp.EraseSector(2); err != nil {
		t.Fatalf("EraseSector: %v", err)
	}

	out := make([]byte, 256)
	if err := fp.ReadOff(info.Offset, out); err != nil {
		t.Fatalf("ReadOff: %v", err)
	}
	for i := range out {
		if out[i] != 0xFF {
			t.Fatalf("byte %d: expected erased 0xFF, got %#x", i, out[i])
		}
	}
}

func TestFilePhyNumSectors(t *testing.T) {
	fp, _ := newTestFilePhy(t, 7, 512)

	if fp.NumSectors() != 7 {
		t.Fatalf("expected NumSectors()==7, got %d", fp.NumSectors())
	}
}

func TestFilePhyWriteOffRespectsBaseOffset(t *testing.T) {
	f, err := os.CreateTemp("", "nor-ftl-filephy-base-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	const base = 128
	blank := make([]byte, base+4*256)
	for i := range blank {
		blank[i] = 0xFF
	}
	if _, err := f.Write(blank); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fp, err := NewFilePhy(path, 4, 256, base)
	if err != nil {
		t.Fatalf("NewFilePhy: %v", err)
	}
	t.Cleanup(func() { fp.Close() })

	info, err := fp.SectorInfo(0)
	if err != nil {
		t.Fatalf("SectorInfo: %v", err)
	}
	payload := []byte{0x01, 0x02, 0x03}
	if err := fp.WriteOff(info.Offset, payload); err != nil {
		t.Fatalf("WriteOff: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for i, want := range payload {
		if raw[base+i] != want {
			t.Fatalf("byte %d: expected %#x written at baseOffset+%d, got %#x", i, want, i, raw[base+i])
		}
	}
	for i := 0; i < base; i++ {
		if raw[i] != 0xFF {
			t.Fatalf("byte %d before baseOffset should be untouched (0xFF), got %#x", i, raw[i])
		}
	}
}

package norftl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeSectorRangeWholeBlockReclaimsBackingBlock(t *testing.T) {
	inst, _ := newFormattedInstance(t, 128, 4096, 512)

	info := inst.GetDeviceInfo()
	perBlock := info.LSectorsPerPSector
	require.Greater(t, perBlock, uint32(0))

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x5A
	}
	for brsi := uint32(0); brsi < perBlock; brsi++ {
		require.NoError(t, inst.WriteSector(LogSectorIndex(brsi), payload))
	}

	_, ok := inst.work.Lookup(0)
	require.True(t, ok, "expected lbi 0 to still have an open work block")

	require.NoError(t, inst.FreeSectorRange(0, perBlock))

	_, ok = inst.work.Lookup(0)
	require.False(t, ok, "work block for lbi 0 should have been released by the whole-block reclaim")
	require.Equal(t, Psi(0), inst.l2p.Get(0))

	out := make([]byte, 512)
	for brsi := uint32(0); brsi < perBlock; brsi++ {
		require.NoError(t, inst.ReadSector(LogSectorIndex(brsi), out))
		for _, b := range out {
			require.Equal(t, FSNorReadBufferFillPattern, b)
		}
	}
}

func TestFreeSectorRangePartialEdgeBlockOnlyMarksCoveredSectors(t *testing.T) {
	inst, _ := newFormattedInstance(t, 128, 4096, 512)

	info := inst.GetDeviceInfo()
	perBlock := info.LSectorsPerPSector
	if perBlock < 2 {
		t.Skip("degenerate geometry: need at least 2 logical sectors per block")
	}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x33
	}
	for brsi := uint32(0); brsi < perBlock; brsi++ {
		require.NoError(t, inst.WriteSector(LogSectorIndex(brsi), payload))
	}

	// Free only the first sector of the block; its siblings must remain
	// readable with their original payload, and the backing block must not
	// be reclaimed.
	require.NoError(t, inst.FreeSectorRange(0, 1))

	_, ok := inst.work.Lookup(0)
	require.True(t, ok, "a partially-trimmed block's work block must survive")

	out := make([]byte, 512)
	require.NoError(t, inst.ReadSector(0, out))
	for _, b := range out {
		require.Equal(t, FSNorReadBufferFillPattern, b)
	}

	require.NoError(t, inst.ReadSector(1, out))
	require.Equal(t, payload, out)
}

func TestFreeSectorRangeRewriteClearsTrimMark(t *testing.T) {
	inst, _ := newFormattedInstance(t, 64, 4096, 512)

	require.NoError(t, inst.FreeSectorRange(2, 1))

	out := make([]byte, 512)
	require.NoError(t, inst.ReadSector(2, out))
	for _, b := range out {
		require.Equal(t, FSNorReadBufferFillPattern, b)
	}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x77
	}
	require.NoError(t, inst.WriteSector(2, payload))

	require.NoError(t, inst.ReadSector(2, out))
	require.Equal(t, payload, out)
}

func TestFreeSectorRangeSpanningMultipleBlocks(t *testing.T) {
	inst, _ := newFormattedInstance(t, 128, 4096, 512)

	info := inst.GetDeviceInfo()
	perBlock := info.LSectorsPerPSector
	if perBlock < 2 {
		t.Skip("degenerate geometry: need at least 2 logical sectors per block")
	}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x11
	}
	total := perBlock * 2
	for idx := uint32(0); idx < total; idx++ {
		require.NoError(t, inst.WriteSector(LogSectorIndex(idx), payload))
	}

	// Range starts mid-way through block 0 and runs through all of block 1.
	start := LogSectorIndex(perBlock - 1)
	count := perBlock + 1
	require.NoError(t, inst.FreeSectorRange(start, count))

	// Block 0's first sectors survive untouched; its last sector is trimmed.
	out := make([]byte, 512)
	require.NoError(t, inst.ReadSector(0, out))
	require.Equal(t, payload, out)

	require.NoError(t, inst.ReadSector(LogSectorIndex(perBlock-1), out))
	for _, b := range out {
		require.Equal(t, FSNorReadBufferFillPattern, b)
	}

	// Block 1 was fully covered and should be fully reclaimed.
	_, ok := inst.work.Lookup(1)
	require.False(t, ok)
	require.Equal(t, Psi(0), inst.l2p.Get(1))
}

func TestFreeSectorRangeRejectedAfterFatalLatch(t *testing.T) {
	inst, _ := newFormattedInstance(t, 32, 4096, 512)
	inst.writeProtected = true

	err := inst.FreeSectorRange(0, 1)
	require.Error(t, err)
}

func TestIoctlFreeSectorRangeEndToEnd(t *testing.T) {
	d := newTestDriver(t, 64, 4096, 512)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0x9C
	}
	require.NoError(t, d.Write(0, payload, 1))

	_, err := d.Ioctl(IoctlFreeSectorRange, FreeSectorRangeArgs{Start: 0, Count: 1})
	require.NoError(t, err)

	out := make([]byte, 512)
	require.NoError(t, d.Read(0, out))
	for _, b := range out {
		require.Equal(t, FSNorReadBufferFillPattern, b)
	}
}

func TestIoctlFreeSectorRangeRequiresArgsType(t *testing.T) {
	d := newTestDriver(t, 64, 4096, 512)

	_, err := d.Ioctl(IoctlFreeSectorRange, "not args")
	require.Error(t, err)
}

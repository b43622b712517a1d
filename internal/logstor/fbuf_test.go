package logstor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice is a minimal in-package [Device] so white-box fbuf/cleaner
// tests can build a [Core] without importing internal/device (which
// itself imports this package).
type fakeDevice struct {
	sectorSize uint32
	data       []byte
}

func newFakeDevice(sectorSize uint32, sectorCount uint64) *fakeDevice {
	return &fakeDevice{sectorSize: sectorSize, data: make([]byte, sectorSize*uint32(sectorCount))}
}

func (d *fakeDevice) ReadSectors(sa SectorAddr, buf []byte, n int) error {
	off := uint32(sa) * d.sectorSize
	copy(buf, d.data[off:off+uint32(n)*d.sectorSize])

	return nil
}

func (d *fakeDevice) WriteSectors(sa SectorAddr, buf []byte, n int) error {
	off := uint32(sa) * d.sectorSize
	copy(d.data[off:off+uint32(n)*d.sectorSize], buf)

	return nil
}

func (d *fakeDevice) SectorCount() uint64 {
	return uint64(len(d.data)) / uint64(d.sectorSize)
}

func newFakeCore(t *testing.T, segCnt int, segmentSectors uint32) *Core {
	t.Helper()

	dev := newFakeDevice(sectorSizeDefault, uint64(segCnt)*uint64(segmentSectors))
	cfg := Config{
		SectorSize:     sectorSizeDefault,
		SegmentSectors: segmentSectors,
		CleanWindow:    3,
		CleanLowWater:  4,
		CleanHighWater: 10,
		CleanAgeLimit:  3,
		FBufRatio:      1.0,
	}

	core, err := Open(dev, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = core.Close() })

	return core
}

func Test_FBuf_Get_SecondDescent_IsACacheHit(t *testing.T) {
	core := newFakeCore(t, 8, 8)

	before := core.fbuf.misses

	_, err := core.fbuf.get(core, FDActive, DepthLeaf, 0, false)
	require.NoError(t, err)

	afterFirst := core.fbuf.misses
	assert.Greater(t, afterFirst, before, "first descent to a never-loaded leaf must count a miss")

	hitsBefore := core.fbuf.hits

	_, err = core.fbuf.get(core, FDActive, DepthLeaf, 0, false)
	require.NoError(t, err)

	assert.Equal(t, afterFirst, core.fbuf.misses, "second descent to the same leaf must not add misses")
	assert.Equal(t, hitsBefore+1, core.fbuf.hits, "second descent must register exactly one hit, for the leaf itself")
}

func Test_FBuf_PinForChild_MovesNodeToIndirectList_OnlyWhileRefCntPositive(t *testing.T) {
	core := newFakeCore(t, 8, 8)

	rootSlot, err := core.fbuf.get(core, FDActive, DepthRoot, 0, false)
	require.NoError(t, err)

	assert.False(t, core.fbuf.nodes[rootSlot].onIndirect, "a freshly loaded root with no cached children must sit on the circular list")

	core.fbuf.pinForChild(rootSlot)
	assert.True(t, core.fbuf.nodes[rootSlot].onIndirect, "pinning for a child must move the node onto its depth's indirect list")
	assert.Equal(t, int32(1), core.fbuf.nodes[rootSlot].refCnt)

	core.fbuf.pinForChild(rootSlot)
	assert.Equal(t, int32(2), core.fbuf.nodes[rootSlot].refCnt, "a second pin must only bump ref_cnt, not re-move the node")

	core.fbuf.unpinChild(rootSlot)
	assert.True(t, core.fbuf.nodes[rootSlot].onIndirect, "the node must stay pinned while ref_cnt is still positive")

	core.fbuf.unpinChild(rootSlot)
	assert.False(t, core.fbuf.nodes[rootSlot].onIndirect, "dropping the last pin must demote the node back to the circular list")
	assert.Equal(t, int32(0), core.fbuf.nodes[rootSlot].refCnt)
}

func Test_FBuf_Get_Leaf_Load_PinsAncestors(t *testing.T) {
	core := newFakeCore(t, 8, 8)

	leafSlot, err := core.fbuf.get(core, FDActive, DepthLeaf, 0, false)
	require.NoError(t, err)

	rootSlot, ok := core.fbuf.lookup(MakeMA(FDActive, DepthRoot, 0))
	require.True(t, ok, "loading a leaf must have loaded and cached its root ancestor too")

	innerSlot, ok := core.fbuf.lookup(MakeMA(FDActive, DepthInner, 0))
	require.True(t, ok, "loading a leaf must have loaded and cached its inner ancestor too")

	assert.True(t, core.fbuf.nodes[rootSlot].onIndirect, "root is an ancestor of the cached leaf and must be pinned")
	assert.Equal(t, int32(1), core.fbuf.nodes[rootSlot].refCnt)

	assert.True(t, core.fbuf.nodes[innerSlot].onIndirect, "inner node is the leaf's direct parent and must be pinned")
	assert.Equal(t, int32(1), core.fbuf.nodes[innerSlot].refCnt)

	assert.False(t, core.fbuf.nodes[leafSlot].onIndirect, "a leaf has no children of its own and is never pinned")
}

func Test_FBuf_FlushAll_ClearsModifiedAndUpdatesRootTable(t *testing.T) {
	core := newFakeCore(t, 8, 8)

	require.NoError(t, core.fmapWrite(FDActive, 0, SectorAddr(123)))

	leafSlot, ok := core.fbuf.lookup(MakeMA(FDActive, DepthLeaf, 0))
	require.True(t, ok)
	assert.True(t, core.fbuf.nodes[leafSlot].modified)

	require.NoError(t, core.fbuf.flushAll(core))

	assert.Equal(t, 0, core.fbuf.modifiedCount, "flushAll must leave no dirty nodes behind")
	assert.NotEqual(t, SectorNull, core.sb.FTab[FDActive], "flushing the root must record its new location in the superblock")

	sa, err := core.fmapRead(FDActive, 0)
	require.NoError(t, err)
	assert.Equal(t, SectorAddr(123), sa, "the written SA must still resolve correctly after a full flush")
}

package logstor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ComputeLiveCount_DistinguishesLiveFromStale(t *testing.T) {
	core := newFakeCore(t, 8, 8)

	data := make([]byte, core.cfg.SectorSize)
	require.NoError(t, core.appendHotBatch(0, data, 2))

	// The hot summary only reaches the device once its segment fills;
	// write it out now so it can be read back.
	require.NoError(t, core.flushSummary(core.hot))

	hotIdx := segIndexOf(core.cfg, core.hot.sega)
	summary, err := core.readSegmentSummary(segaOf(core.cfg, hotIdx))
	require.NoError(t, err)

	require.NoError(t, core.computeLiveCount(summary))
	assert.Equal(t, 2, summary.liveCount, "both just-written blocks must still be live in their own segment's summary")

	// Overwrite BA 0 elsewhere; its copy in the original segment goes stale.
	require.NoError(t, core.appendHotBatch(0, data[:core.cfg.SectorSize], 1))

	require.NoError(t, core.computeLiveCount(summary))
	assert.Equal(t, 1, summary.liveCount, "overwriting block 0 must make its old copy stale")
}

func Test_SegClean_CopiesLiveBlocks_AndSkipsStaleOnes(t *testing.T) {
	// A generously sized pool so the single rollover below stays well above
	// CleanLowWater and the automatic cleaner never preempts the manual
	// segClean call this test is exercising.
	core := newFakeCore(t, 32, 8)

	data := make([]byte, core.cfg.SectorSize)
	for i := range data {
		data[i] = 0xCD
	}

	require.NoError(t, core.appendHotBatch(0, data, 1))

	hotIdx := segIndexOf(core.cfg, core.hot.sega)
	hotSega := segaOf(core.cfg, hotIdx)

	// Force the hot stream onto a fresh segment so the one holding BA 0
	// can be reclaimed without touching the live stream.
	require.NoError(t, core.rolloverHot())

	summary, err := core.readSegmentSummary(hotSega)
	require.NoError(t, err)
	require.NoError(t, core.computeLiveCount(summary))
	require.Equal(t, 1, summary.liveCount)

	require.NoError(t, core.segClean(summary))

	segIdx := segIndexOf(core.cfg, hotSega)
	assert.Equal(t, uint8(0), core.sb.SegAge[segIdx], "a cleaned segment's age must reset to zero")

	sa, err := core.fmapRead(FDActive, 0)
	require.NoError(t, err)

	got := make([]byte, core.cfg.SectorSize)
	require.NoError(t, core.dev.ReadSectors(sa, got, 1))
	assert.Equal(t, data, got, "the cleaned block's content must survive the copy-forward")
}

func Test_CleanMeta_ForceFlushes_WhenNodeNotAccessedSinceLoad(t *testing.T) {
	core := newFakeCore(t, 8, 8)

	require.NoError(t, core.fmapWrite(FDActive, 0, SectorAddr(123)))
	require.NoError(t, core.fbuf.flushAll(core))

	leafIdx, _ := leafIndex(0)
	ma := MakeMA(FDActive, DepthLeaf, leafIdx)

	target, err := core.resolveMA(ma)
	require.NoError(t, err)

	// Simulate a node that has sat untouched since it was loaded: nothing
	// will dirty it again on its own, so cleanMeta must force the rewrite.
	slot, ok := core.fbuf.lookup(ma)
	require.True(t, ok)
	core.fbuf.nodes[slot].accessed = false

	flushesBefore := core.fbuf.flushes

	require.NoError(t, core.cleanMeta(ma, target))

	newTarget, err := core.resolveMA(ma)
	require.NoError(t, err)
	assert.NotEqual(t, target, newTarget, "an untouched metadata node must be force-flushed immediately, moving it off the reclaimed segment")
	assert.Greater(t, core.fbuf.flushes, flushesBefore, "cleaning an untouched node must trigger an immediate flush rather than deferring it")
}

func Test_CleanMeta_DefersFlush_WhenNodeWasAccessedSinceLoad(t *testing.T) {
	core := newFakeCore(t, 8, 8)

	require.NoError(t, core.fmapWrite(FDActive, 0, SectorAddr(123)))
	require.NoError(t, core.fbuf.flushAll(core))

	leafIdx, _ := leafIndex(0)
	ma := MakeMA(FDActive, DepthLeaf, leafIdx)

	target, err := core.resolveMA(ma)
	require.NoError(t, err)

	slot, ok := core.fbuf.lookup(ma)
	require.True(t, ok)
	core.fbuf.nodes[slot].accessed = true

	flushesBefore := core.fbuf.flushes

	require.NoError(t, core.cleanMeta(ma, target))

	newTarget, err := core.resolveMA(ma)
	require.NoError(t, err)
	assert.Equal(t, target, newTarget, "a recently touched metadata node must only be marked dirty, not force-flushed, during cleaning")
	assert.Equal(t, core.fbuf.flushes, flushesBefore, "cleaning a touched node must defer its flush instead of rewriting it immediately")
	assert.Equal(t, 1, core.fbuf.modifiedCount, "cleaning a touched node must still mark it dirty so it flushes on its own later")
}

func Test_ReclaimInit_ReportsDone_WhenAboveHighWater(t *testing.T) {
	// 16 segments leave 13 free once the hot and cold streams are open,
	// above CleanHighWater (10).
	core := newFakeCore(t, 16, 8)

	_, done, err := core.reclaimInit()
	require.NoError(t, err)
	assert.True(t, done, "a freshly opened device already has plenty of free segments and nothing to reclaim")
}

func Test_ReclaimInit_ForceCleans_AtAgeLimit(t *testing.T) {
	core := newFakeCore(t, 8, 8)
	core.sb.SegFreeCnt = 0 // force reclaimInit past the high-water short-circuit

	var forceCleaned bool

	for i := 0; i < 20 && !forceCleaned; i++ {
		before := core.stats.CleanerForce

		_, done, err := core.reclaimInit()
		require.NoError(t, err)

		if done {
			break
		}

		if core.stats.CleanerForce > before {
			forceCleaned = true
		}
	}

	assert.True(t, forceCleaned, "repeatedly aging the same candidates must eventually force-clean one at CleanAgeLimit")
}

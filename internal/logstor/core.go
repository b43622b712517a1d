package logstor

import (
	"fmt"
	"sync"
)

// Core is the engine: segment allocator, forward map, fbuf cache, cleaner
// and superblock ring, wired together. A Core must be obtained via [Open];
// the zero value is not usable.
//
// All exported methods are safe for concurrent use: they serialize behind
// a single mutex, matching the single-writer model in spec.md §5.
type Core struct {
	mu sync.Mutex

	dev    Device
	cfg    Config
	closed bool

	sb   *Superblock
	hot  *segmentSummary
	cold *segmentSummary

	fbuf *fbufCache

	stats Stats
}

// Stats is a read-only snapshot of engine counters, for introspection and
// tests (SPEC_FULL.md §4.8).
type Stats struct {
	FBufHits     uint64
	FBufMisses   uint64
	FBufEvicts   uint64
	FBufFlushes  uint64
	CleanerRuns  uint64
	SegmentsWon  uint64 // segments freed by the cleaner
	CleanerForce uint64 // segments force-cleaned for hitting CleanAgeLimit
}

// Open opens device, reading its superblock ring. If no valid superblock is
// found (fresh or corrupt device), it formats a new layout in its place,
// matching spec.md §6's open/format-on-failure contract.
func Open(dev Device, cfg Config) (*Core, error) {
	cfg = cfg.normalize()

	sb, err := readSuperblockRing(dev, cfg)
	if err != nil {
		sb, err = newSuperblock(cfg, dev.SectorCount())
		if err != nil {
			return nil, err
		}
	}

	c := &Core{
		dev: dev,
		cfg: cfg,
		sb:  sb,
	}

	c.fbuf = newFBufCache(cfg, sb.MaxBlockCnt)

	if err := c.openStreams(); err != nil {
		return nil, err
	}

	return c, nil
}

// openStreams allocates fresh hot and cold segments after (re)opening. The
// core never resumes a partially written segment from before the last
// clean close or crash; recovery only trusts the superblock's persisted
// root table (spec.md §5).
func (c *Core) openStreams() error {
	hot, err := c.allocSegment(SectorNull)
	if err != nil {
		return fmt.Errorf("open streams: allocate hot segment: %w", err)
	}

	cold, err := c.allocSegment(hot.sega)
	if err != nil {
		return fmt.Errorf("open streams: allocate cold segment: %w", err)
	}

	c.hot = hot
	c.cold = cold

	return nil
}

// Stats returns a snapshot of engine counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats
	st.FBufHits = c.fbuf.hits
	st.FBufMisses = c.fbuf.misses
	st.FBufEvicts = c.fbuf.evicts
	st.FBufFlushes = c.fbuf.flushes

	return st
}

// Info is a read-only snapshot of superblock/segment state, for
// introspection and CLI reporting (SPEC_FULL.md §4.8).
type Info struct {
	SegCnt        int32
	SegFreeCnt    int32
	Generation    uint16
	MaxBlockCnt   uint32
	HotSegment    int32
	ColdSegment   int32
	CleanLowWater int
	CleanHighWater int
}

// Info returns a snapshot of the current superblock and stream state.
func (c *Core) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Info{
		SegCnt:         c.sb.SegCnt,
		SegFreeCnt:     c.sb.SegFreeCnt,
		Generation:     c.sb.Generation,
		MaxBlockCnt:    c.sb.MaxBlockCnt,
		HotSegment:     segIndexOf(c.cfg, c.hot.sega),
		ColdSegment:    segIndexOf(c.cfg, c.cold.sega),
		CleanLowWater:  c.cfg.CleanLowWater,
		CleanHighWater: c.cfg.CleanHighWater,
	}
}

// Close flushes the metadata cache and the current hot/cold summaries and
// persists a fresh superblock generation. It does not close the underlying
// device. Close is idempotent.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if err := c.fbuf.flushAll(c); err != nil {
		return fmt.Errorf("close: flush metadata cache: %w", err)
	}

	if err := c.flushSummary(c.hot); err != nil {
		return fmt.Errorf("close: flush hot summary: %w", err)
	}

	if err := c.flushSummary(c.cold); err != nil {
		return fmt.Errorf("close: flush cold summary: %w", err)
	}

	if err := c.persistSuperblock(); err != nil {
		return fmt.Errorf("close: persist superblock: %w", err)
	}

	c.closed = true

	return nil
}

package logstor

import "fmt"

// segIndexOf converts a segment's starting sector address into its segment
// index.
func segIndexOf(cfg Config, sega SectorAddr) int32 {
	return int32(uint32(sega) / cfg.SegmentSectors)
}

// segaOf converts a segment index into its starting sector address.
func segaOf(cfg Config, idx int32) SectorAddr {
	return SectorAddr(uint32(idx) * cfg.SegmentSectors)
}

// nextSegIndex advances a segment index cyclically through
// [SegDataStart, SegCnt).
func nextSegIndex(sb *Superblock, idx int32) int32 {
	idx++
	if idx >= sb.SegCnt {
		idx = SegDataStart
	}

	return idx
}

// allocSegment implements spec.md §4.1 Allocate: advance seg_alloc_p
// cyclically, skipping the segment at excludeSega (the other stream's
// current segment) and any segment with a non-zero age. excludeSega ==
// SectorNull means no exclusion (used only while opening the very first
// stream).
func (c *Core) allocSegment(excludeSega SectorAddr) (*segmentSummary, error) {
	sb := c.sb
	cfg := c.cfg

	excludeIdx := int32(-1)
	if excludeSega != SectorNull {
		excludeIdx = segIndexOf(cfg, excludeSega)
	}

	idx := sb.SegAllocP
	start := idx

	for idx == excludeIdx || sb.SegAge[idx] != 0 {
		idx = nextSegIndex(sb, idx)
		if idx == start {
			return nil, fmt.Errorf("allocate segment: no free segment available: %w", ErrExhausted)
		}
	}

	sb.SegAllocP = nextSegIndex(sb, idx)
	sb.SegFreeCnt--

	summary := newSegmentSummary(cfg.payloadSectorsPerSegment())
	summary.sega = segaOf(cfg, idx)

	return summary, nil
}

// flushSummary writes a segment's summary sector, stamped with the
// superblock's current generation (spec.md §4.1).
func (c *Core) flushSummary(s *segmentSummary) error {
	s.gen = c.sb.Generation

	buf := s.encode(c.cfg.SectorSize)
	if err := c.dev.WriteSectors(s.summarySA(c.cfg.SegmentSectors), buf, 1); err != nil {
		return fmt.Errorf("flush summary for segment %d: %w", segIndexOf(c.cfg, s.sega), ErrIO)
	}

	return nil
}

// appendCold appends a single sector (always metadata, or a cleaner
// survivor) to the cold stream. Unlike the hot stream, filling the cold
// stream never triggers the cleaner (spec.md §4.1: clean_check runs "only
// for the hot stream").
func (c *Core) appendCold(ba BlockAddr, data []byte) (SectorAddr, error) {
	sa := c.cold.nextSA()

	if err := c.dev.WriteSectors(sa, data, 1); err != nil {
		return 0, fmt.Errorf("append cold: write payload: %w", ErrIO)
	}

	c.cold.rm[c.cold.allocP] = ba
	c.cold.allocP++

	if c.cold.full() {
		if err := c.flushSummary(c.cold); err != nil {
			return 0, err
		}

		next, err := c.allocSegment(c.hot.sega)
		if err != nil {
			return 0, err
		}

		c.cold = next
	}

	return sa, nil
}

// appendHotBatch appends n consecutive user-payload sectors starting at
// baStart, coalescing the physical write within each segment (never
// spanning a segment boundary in one device call) and updating the forward
// map for each sector strictly after its data write and strictly before
// any rollover the batch triggers (spec.md §4.1 Ordering rule).
func (c *Core) appendHotBatch(baStart BlockAddr, data []byte, n int) error {
	sectorSize := int(c.cfg.SectorSize)

	written := 0
	for written < n {
		remaining := len(c.hot.rm) - int(c.hot.allocP)

		batch := n - written
		if batch > remaining {
			batch = remaining
		}

		sa0 := c.hot.nextSA()
		chunk := data[written*sectorSize : (written+batch)*sectorSize]

		if err := c.dev.WriteSectors(sa0, chunk, batch); err != nil {
			return fmt.Errorf("append hot: write payload: %w", ErrIO)
		}

		base := int(c.hot.allocP)
		for j := range batch {
			c.hot.rm[base+j] = baStart + BlockAddr(written+j)
		}

		c.hot.allocP += uint32(batch)

		for j := range batch {
			ba := baStart + BlockAddr(written+j)
			sa := sa0 + SectorAddr(j)

			if err := c.fmapWrite(FDActive, ba, sa); err != nil {
				return fmt.Errorf("append hot: update forward map for block %d: %w", ba, err)
			}
		}

		if c.hot.full() {
			if err := c.rolloverHot(); err != nil {
				return err
			}
		}

		written += batch
	}

	return nil
}

// rolloverHot flushes the current hot summary, allocates its successor and
// runs the segment cleaner if free space has dropped to the low-water mark
// (spec.md §4.1, §4.5).
func (c *Core) rolloverHot() error {
	if err := c.flushSummary(c.hot); err != nil {
		return err
	}

	next, err := c.allocSegment(c.cold.sega)
	if err != nil {
		return err
	}

	c.hot = next

	return c.cleanCheck()
}

// cleanCheck runs the cleaner to completion if seg_free_cnt has dropped to
// or below the configured low-water mark.
func (c *Core) cleanCheck() error {
	if int(c.sb.SegFreeCnt) > c.cfg.CleanLowWater {
		return nil
	}

	return c.runCleaner()
}

// persistSuperblock advances the superblock ring by one slot, bumps the
// generation, and writes the new copy (spec.md §4.6).
func (c *Core) persistSuperblock() error {
	sb := c.sb
	cfg := c.cfg

	sb.sbSA = (sb.sbSA + 1) % SectorAddr(cfg.SegmentSectors)
	sb.Generation++

	buf, err := sb.encode(cfg.SectorSize)
	if err != nil {
		return err
	}

	if err := c.dev.WriteSectors(sb.sbSA, buf, 1); err != nil {
		return fmt.Errorf("persist superblock: %w", ErrIO)
	}

	return nil
}

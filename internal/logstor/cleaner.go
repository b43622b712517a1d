package logstor

import "fmt"

// readSegmentSummary reads and decodes the summary sector of the segment
// starting at sega, without touching the metadata cache.
func (c *Core) readSegmentSummary(sega SectorAddr) (*segmentSummary, error) {
	buf := make([]byte, c.cfg.SectorSize)

	summarySA := sega + SectorAddr(c.cfg.SegmentSectors-1)
	if err := c.dev.ReadSectors(summarySA, buf, 1); err != nil {
		return nil, fmt.Errorf("read segment summary at %d: %w", sega, ErrIO)
	}

	s := decodeSegmentSummary(buf, c.cfg.payloadSectorsPerSegment(), sega)

	return s, nil
}

// computeLiveCount probes every occupied slot of a segment summary against
// the current forward map, classifying each as live or stale (spec.md §3's
// liveness rule) and recording the live total for window selection.
func (c *Core) computeLiveCount(s *segmentSummary) error {
	live := 0

	for i := 0; i < int(s.allocP); i++ {
		ba := s.rm[i]
		target := s.sega + SectorAddr(i)

		var (
			cur SectorAddr
			err error
		)

		if IsMetaAddr(ba) {
			cur, err = c.resolveMA(ba)
		} else {
			cur, err = c.fmapRead(FDActive, ba)
		}

		if err != nil {
			return err
		}

		if cur == target {
			live++
		}
	}

	s.liveCount = live

	return nil
}

// reclaimInit implements seg_reclaim_init (spec.md §4.5): advances
// seg_reclaim_p to the next segment eligible for cleaning (skipping the two
// open streams), ages it, and either force-cleans it immediately (age hit
// the limit) or returns it as a cleaning-window candidate. The second
// return value reports whether the ring has nothing left worth examining
// (free count already above the high-water mark, or every segment is one
// of the two open streams).
func (c *Core) reclaimInit() (*segmentSummary, bool, error) {
	if int(c.sb.SegFreeCnt) > c.cfg.CleanHighWater {
		return nil, true, nil
	}

	sb := c.sb

	excludeHot := segIndexOf(c.cfg, c.hot.sega)
	excludeCold := segIndexOf(c.cfg, c.cold.sega)

	idx := sb.SegReclaimP
	start := idx

	for idx == excludeHot || idx == excludeCold {
		idx = nextSegIndex(sb, idx)
		if idx == start {
			return nil, true, nil
		}
	}

	sb.SegReclaimP = nextSegIndex(sb, idx)
	sb.SegAge[idx]++

	if sb.SegAge[idx] >= c.cfg.CleanAgeLimit {
		summary, err := c.readSegmentSummary(segaOf(c.cfg, idx))
		if err != nil {
			return nil, false, err
		}

		if err := c.computeLiveCount(summary); err != nil {
			return nil, false, err
		}

		if err := c.segClean(summary); err != nil {
			return nil, false, err
		}

		c.stats.CleanerForce++
		c.stats.SegmentsWon++

		return nil, false, nil
	}

	summary, err := c.readSegmentSummary(segaOf(c.cfg, idx))
	if err != nil {
		return nil, false, err
	}

	if err := c.computeLiveCount(summary); err != nil {
		return nil, false, err
	}

	return summary, false, nil
}

// segClean implements spec.md §4.5 compaction: for every occupied slot
// still live, rewrite it through the cold stream (user payload: copy the
// sector and repoint the forward map; metadata: mark the node dirty,
// loading it first if necessary, and flush it at once only if it was not
// accessed since it was loaded). Stale slots are discarded. The segment is
// then marked fully free.
func (c *Core) segClean(s *segmentSummary) error {
	for i := 0; i < int(s.allocP); i++ {
		ba := s.rm[i]
		target := s.sega + SectorAddr(i)

		if IsMetaAddr(ba) {
			if err := c.cleanMeta(ba, target); err != nil {
				return err
			}

			continue
		}

		if err := c.cleanPayload(ba, target); err != nil {
			return err
		}
	}

	segIdx := segIndexOf(c.cfg, s.sega)
	c.sb.SegAge[segIdx] = 0
	c.sb.SegFreeCnt++

	return nil
}

func (c *Core) cleanMeta(ma BlockAddr, target SectorAddr) error {
	cur, err := c.resolveMA(ma)
	if err != nil {
		return err
	}

	if cur != target {
		return nil // stale: a newer copy already exists elsewhere
	}

	fd, depth, index := ma.Decompose()

	// Snapshot the node's accessed bit before fetching it: get always
	// marks the returned slot accessed (spec.md §4.3 file_access), so
	// reading it afterward would always see true and the force-flush
	// branch below would never fire.
	wasAccessed := false
	if cachedSlot, ok := c.fbuf.lookup(ma); ok {
		wasAccessed = c.fbuf.nodes[cachedSlot].accessed
	}

	slot, err := c.fbuf.get(c, fd, depth, index, false)
	if err != nil {
		return err
	}

	c.fbuf.markDirty(slot)

	if !wasAccessed {
		// Not touched since it was loaded: nothing will dirty it again on
		// its own, so force the rewrite now rather than risk it surviving
		// untouched to the next cleaning pass.
		return c.fbuf.flush(c, slot)
	}

	return nil
}

func (c *Core) cleanPayload(ba BlockAddr, target SectorAddr) error {
	cur, err := c.fmapRead(FDActive, ba)
	if err != nil {
		return err
	}

	if cur != target {
		return nil // stale: ba has since been overwritten or deleted
	}

	buf := make([]byte, c.cfg.SectorSize)
	if err := c.dev.ReadSectors(target, buf, 1); err != nil {
		return fmt.Errorf("clean segment: read live payload at %d: %w", target, ErrIO)
	}

	sa, err := c.appendCold(ba, buf)
	if err != nil {
		return err
	}

	return c.fmapWrite(FDActive, ba, sa)
}

// runCleaner implements the cleaning loop of spec.md §4.5: maintain a
// sliding window of CleanWindow candidate segments, always compact the one
// with the fewest live sectors, and once per full pass through the window
// either age or clean its oldest member depending on how it compares to the
// window's average liveness. A final sweep cleans any window survivor still
// below half-full once the loop runs dry.
func (c *Core) runCleaner() error {
	// A cleaning pass mutates seg_age/seg_reclaim_p/seg_free_cnt in place as
	// it goes (reclaimInit, segClean); a snapshot lets a failed pass (device
	// I/O error mid-window) restore the pre-pass state instead of leaving
	// the in-memory superblock half-advanced with nothing persisted to
	// match it.
	pristine := c.sb.clone()

	if err := c.runCleanerPass(); err != nil {
		c.sb = pristine
		return err
	}

	return nil
}

func (c *Core) runCleanerPass() error {
	var window []*segmentSummary

	for len(window) < c.cfg.CleanWindow {
		cand, done, err := c.reclaimInit()
		if err != nil {
			return err
		}

		if done {
			break
		}

		if cand != nil {
			window = append(window, cand)
		}
	}

	passCount := 0

	for int(c.sb.SegFreeCnt) <= c.cfg.CleanHighWater && len(window) > 0 {
		minIdx := 0
		for i, cand := range window {
			if cand.liveCount < window[minIdx].liveCount {
				minIdx = i
			}
		}

		chosen := window[minIdx]
		window = append(window[:minIdx], window[minIdx+1:]...)

		if err := c.segClean(chosen); err != nil {
			return err
		}

		c.stats.SegmentsWon++

		cand, done, err := c.reclaimInit()
		if err != nil {
			return err
		}

		if !done && cand != nil {
			window = append(window, cand)
		}

		passCount++

		if passCount%c.cfg.CleanWindow == 0 && len(window) > 0 {
			if err := c.ageOrCleanHead(&window); err != nil {
				return err
			}
		}

		if done && len(window) == 0 {
			break
		}
	}

	threshold := float64(c.cfg.payloadSectorsPerSegment()) * 0.5

	for _, cand := range window {
		if float64(cand.liveCount) < threshold {
			if err := c.segClean(cand); err != nil {
				return err
			}

			c.stats.SegmentsWon++
		}
	}

	c.stats.CleanerRuns++

	return c.persistSuperblock()
}

// ageOrCleanHead examines the oldest member of the cleaning window: if its
// liveness is at or above the window average it is given another lease
// (aged and dropped from the window without cleaning); otherwise it is
// cleaned like any other candidate.
func (c *Core) ageOrCleanHead(window *[]*segmentSummary) error {
	w := *window
	if len(w) == 0 {
		return nil
	}

	total := 0
	for _, cand := range w {
		total += cand.liveCount
	}

	avg := float64(total) / float64(len(w))
	head := w[0]

	if float64(head.liveCount) >= avg {
		segIdx := segIndexOf(c.cfg, head.sega)
		c.sb.SegAge[segIdx]++
		*window = w[1:]

		return nil
	}

	if err := c.segClean(head); err != nil {
		return err
	}

	c.stats.SegmentsWon++
	*window = w[1:]

	cand, done, err := c.reclaimInit()
	if err != nil {
		return err
	}

	if !done && cand != nil {
		*window = append(*window, cand)
	}

	return nil
}

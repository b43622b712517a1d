package logstor

import "fmt"

// readSuperblockRing implements spec.md §4.6 open: sequentially read slots
// of the ring until the signature breaks or the generation is not exactly
// prev_gen+1 (mod 2^16); the last valid slot is current.
func readSuperblockRing(dev Device, cfg Config) (*Superblock, error) {
	if dev.SectorCount() < uint64(cfg.SegmentSectors) {
		return nil, fmt.Errorf("recovery: device has fewer sectors than one segment: %w", ErrFormat)
	}

	buf := make([]byte, cfg.SectorSize)

	var (
		best    *Superblock
		bestIdx SectorAddr
		found   bool
	)

	for idx := SectorAddr(0); uint32(idx) < cfg.SegmentSectors; idx++ {
		if err := dev.ReadSectors(idx, buf, 1); err != nil {
			return nil, fmt.Errorf("recovery: read ring slot %d: %w", idx, ErrIO)
		}

		segCnt, hasMagic := probeSegCnt(buf)
		if !hasMagic {
			break
		}

		sb, ok := decodeSuperblock(buf, segCnt)
		if !ok {
			break
		}

		if !found {
			best, bestIdx, found = sb, idx, true
			continue
		}

		if !wrapNextGen(best.Generation, sb.Generation) {
			break
		}

		best, bestIdx = sb, idx
	}

	if !found {
		return nil, fmt.Errorf("recovery: no valid superblock found: %w", ErrFormat)
	}

	if err := validateSuperblock(best, cfg, dev.SectorCount()); err != nil {
		return nil, err
	}

	best.sbSA = bestIdx

	return best, nil
}

// validateSuperblock enforces the structural invariants from spec.md §3/§7
// before the superblock is trusted.
func validateSuperblock(sb *Superblock, cfg Config, sectorCount uint64) error {
	if sb.Major != sbMajor || sb.Minor != sbMinor {
		return fmt.Errorf("recovery: superblock version %d.%d, want %d.%d: %w", sb.Major, sb.Minor, sbMajor, sbMinor, ErrFormat)
	}

	if sb.SegCnt <= SegDataStart+1 {
		return fmt.Errorf("recovery: seg_cnt %d too small: %w", sb.SegCnt, ErrFormat)
	}

	if uint64(sb.SegCnt)*uint64(cfg.SegmentSectors) > sectorCount {
		return fmt.Errorf("recovery: seg_cnt %d exceeds device capacity: %w", sb.SegCnt, ErrFormat)
	}

	if sb.SegFreeCnt < 0 || sb.SegFreeCnt > sb.SegCnt {
		return fmt.Errorf("recovery: seg_free_cnt %d out of range: %w", sb.SegFreeCnt, ErrFormat)
	}

	if sb.SegAllocP < SegDataStart || sb.SegAllocP >= sb.SegCnt {
		return fmt.Errorf("recovery: seg_alloc_p %d out of range: %w", sb.SegAllocP, ErrFormat)
	}

	if sb.SegReclaimP < SegDataStart || sb.SegReclaimP >= sb.SegCnt {
		return fmt.Errorf("recovery: seg_reclaim_p %d out of range: %w", sb.SegReclaimP, ErrFormat)
	}

	if len(sb.SegAge) != int(sb.SegCnt) {
		return fmt.Errorf("recovery: seg_age length %d != seg_cnt %d: %w", len(sb.SegAge), sb.SegCnt, ErrFormat)
	}

	return nil
}

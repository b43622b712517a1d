package logstor

import "fmt"

// Read fills buf with n sectors starting at ba. Holes — BAs never written,
// or written and then deleted — read back as zero bytes. Contiguous
// physical runs are coalesced into a single device read (spec.md §4.2,
// §6).
func (c *Core) Read(ba BlockAddr, n int, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateRange("read", ba, n, len(buf)); err != nil {
		return err
	}

	sas := make([]SectorAddr, n)

	for i := 0; i < n; i++ {
		sa, err := c.fmapRead(FDActive, ba+BlockAddr(i))
		if err != nil {
			return fmt.Errorf("read: resolve block %d: %w", ba+BlockAddr(i), err)
		}

		sas[i] = sa
	}

	sectorSize := int(c.cfg.SectorSize)

	i := 0
	for i < n {
		if isHole(sas[i]) {
			clear(buf[i*sectorSize : (i+1)*sectorSize])
			i++

			continue
		}

		j := i + 1
		for j < n && !isHole(sas[j]) && sas[j] == sas[j-1]+1 {
			j++
		}

		count := j - i
		if err := c.dev.ReadSectors(sas[i], buf[i*sectorSize:j*sectorSize], count); err != nil {
			return fmt.Errorf("read: device read at %d: %w", sas[i], ErrIO)
		}

		i = j
	}

	return nil
}

// Write appends n sectors of data starting at ba to the hot stream and
// updates the forward map for each (spec.md §4.1, §6).
func (c *Core) Write(ba BlockAddr, n int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateRange("write", ba, n, len(data)); err != nil {
		return err
	}

	return c.appendHotBatch(ba, data, n)
}

// Delete marks n BAs starting at ba as holes by writing SECTOR_DELETE into
// the forward map; it performs no payload I/O (spec.md §4.2, §6).
func (c *Core) Delete(ba BlockAddr, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateRange("delete", ba, n, n*int(c.cfg.SectorSize)); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		if err := c.fmapDelete(FDActive, ba+BlockAddr(i)); err != nil {
			return fmt.Errorf("delete: block %d: %w", ba+BlockAddr(i), err)
		}
	}

	return nil
}

func isHole(sa SectorAddr) bool {
	return sa == SectorNull || sa == SectorDelete
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// validateRange enforces the InvalidArgument contract from spec.md §7: the
// core must be open, n must be positive, the BA range must fit within
// max_block_cnt, and the caller's buffer must be exactly n sectors.
func (c *Core) validateRange(op string, ba BlockAddr, n int, bufLen int) error {
	if c.closed {
		return fmt.Errorf("%s: %w: %w", op, ErrClosed, ErrInvalidArgument)
	}

	if n <= 0 {
		return fmt.Errorf("%s: n must be positive: %w", op, ErrInvalidArgument)
	}

	if uint64(ba)+uint64(n) > uint64(c.sb.MaxBlockCnt) {
		return fmt.Errorf("%s: range [%d,%d) exceeds max_block_cnt %d: %w", op, ba, uint64(ba)+uint64(n), c.sb.MaxBlockCnt, ErrInvalidArgument)
	}

	if bufLen != n*int(c.cfg.SectorSize) {
		return fmt.Errorf("%s: buffer length %d != %d sectors: %w", op, bufLen, n, ErrInvalidArgument)
	}

	return nil
}

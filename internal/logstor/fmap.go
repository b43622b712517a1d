package logstor

// fmapRead returns the current SA stored for ba in forward map fd,
// descending the tree through the metadata cache (spec.md §4.2).
func (c *Core) fmapRead(fd ForwardMapID, ba BlockAddr) (SectorAddr, error) {
	leafIdx, offset := leafIndex(ba)

	slot, err := c.fbuf.get(c, fd, DepthLeaf, leafIdx, false)
	if err != nil {
		return 0, err
	}

	return SectorAddr(c.fbuf.nodes[slot].entries[offset]), nil
}

// fmapWrite stores sa for ba in forward map fd, marking the owning leaf
// dirty so it is rewritten on its next flush (spec.md §4.2, §4.4).
func (c *Core) fmapWrite(fd ForwardMapID, ba BlockAddr, sa SectorAddr) error {
	leafIdx, offset := leafIndex(ba)

	slot, err := c.fbuf.get(c, fd, DepthLeaf, leafIdx, true)
	if err != nil {
		return err
	}

	c.fbuf.nodes[slot].entries[offset] = uint32(sa)

	return nil
}

// fmapDelete marks ba as holding no live data (spec.md §4.2: writing
// SECTOR_DELETE, distinct from SECTOR_NULL, which means "never written").
func (c *Core) fmapDelete(fd ForwardMapID, ba BlockAddr) error {
	return c.fmapWrite(fd, ba, SectorDelete)
}

// resolveMA returns the current SA of the forward-map tree node named by
// ma. For the root (depth 0) this is the superblock's root table entry;
// for any other node it is read from the already-cached parent's data
// array, fetching that parent through the cache if needed (spec.md §4.2,
// used by the cleaner to decide whether a metadata sector copy is live).
func (c *Core) resolveMA(ma BlockAddr) (SectorAddr, error) {
	fd, depth, index := ma.Decompose()

	if depth == DepthRoot {
		return c.sb.FTab[fd], nil
	}

	var parentDepth Depth

	var parentIdx uint32

	if depth == DepthInner {
		parentDepth = DepthRoot
		parentIdx = 0
	} else {
		parentDepth = DepthInner
		parentIdx = parentIndex(index)
	}

	slot, err := c.fbuf.get(c, fd, parentDepth, parentIdx, false)
	if err != nil {
		return 0, err
	}

	pk := parentSlot(index)

	return SectorAddr(c.fbuf.nodes[slot].entries[pk]), nil
}

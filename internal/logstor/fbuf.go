package logstor

import (
	"encoding/binary"
	"fmt"
)

// fbufNode is one slot of the metadata cache arena: the in-memory content
// of one forward-map index block (1024 little-endian SA entries) plus
// bookkeeping. Slots are never individually allocated/freed; they are
// recycled in place by the replacement routine (spec.md §4.3, §9).
type fbufNode struct {
	valid   bool
	ma      BlockAddr
	entries []uint32 // len == entriesPerBlock

	parent   int32 // slot index of the parent node, -1 if none (depth 0)
	accessed bool
	modified bool
	refCnt   int32

	onIndirect bool // true: node lives on indirectHead[depth]; false: on the circular list
	prev, next int32
	hashNext   int32
}

// fbufCache is the fixed-size, content-addressed arena described in
// spec.md §4.3. It indexes slots with a chaining hash table keyed by
// metadata address, using the same fnv1a64/power-of-two-bucket idiom
// [pkg/slotcache] uses for its on-disk bucket index (SPEC_FULL.md §9).
type fbufCache struct {
	nodes      []fbufNode
	buckets    []int32
	bucketMask uint64

	circHead, circTail         int32
	indirectHead, indirectTail [2]int32 // indexed by depth 0 and 1 only

	modifiedCount int

	hits, misses, evicts, flushes uint64
}

// newFBufCache sizes the arena per spec.md §4.3: max_block_cnt/(S/4)
// (rounded up) * ratio slots (fraction dropped), with a small floor so tiny
// test devices still
// have room for a root plus a few inner/leaf nodes.
func newFBufCache(cfg Config, maxBlockCnt uint32) *fbufCache {
	leaves := (uint64(maxBlockCnt) + entriesPerBlock - 1) / entriesPerBlock
	slotCount := uint64(float64(leaves) * cfg.FBufRatio)

	const minSlots = 8
	if slotCount < minSlots {
		slotCount = minSlots
	}

	bucketCount := uint64(1)
	for bucketCount < slotCount*2 {
		bucketCount <<= 1
	}

	c := &fbufCache{
		nodes:        make([]fbufNode, slotCount),
		buckets:      make([]int32, bucketCount),
		bucketMask:   bucketCount - 1,
		circHead:     -1,
		circTail:     -1,
		indirectHead: [2]int32{-1, -1},
		indirectTail: [2]int32{-1, -1},
	}

	for i := range c.buckets {
		c.buckets[i] = -1
	}

	for i := range c.nodes {
		c.nodes[i] = fbufNode{
			entries: make([]uint32, entriesPerBlock),
			parent:  -1,
			prev:    -1,
			next:    -1,
		}
		c.circPushBack(int32(i))
	}

	return c
}

// --- hashing -----------------------------------------------------------

func fnv1a64(b []byte) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)

	h := uint64(offset)
	for _, v := range b {
		h ^= uint64(v)
		h *= prime
	}

	return h
}

func hashMA(ma BlockAddr) uint64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(ma))

	return fnv1a64(b[:])
}

func (c *fbufCache) bucketFor(ma BlockAddr) uint64 {
	return hashMA(ma) & c.bucketMask
}

func (c *fbufCache) lookup(ma BlockAddr) (int32, bool) {
	for i := c.buckets[c.bucketFor(ma)]; i != -1; i = c.nodes[i].hashNext {
		if c.nodes[i].valid && c.nodes[i].ma == ma {
			return i, true
		}
	}

	return -1, false
}

func (c *fbufCache) hashInsert(idx int32) {
	b := c.bucketFor(c.nodes[idx].ma)
	c.nodes[idx].hashNext = c.buckets[b]
	c.buckets[b] = idx
}

func (c *fbufCache) hashRemove(idx int32) {
	b := c.bucketFor(c.nodes[idx].ma)

	cur := c.buckets[b]
	if cur == idx {
		c.buckets[b] = c.nodes[idx].hashNext
		return
	}

	for cur != -1 {
		next := c.nodes[cur].hashNext
		if next == idx {
			c.nodes[cur].hashNext = c.nodes[idx].hashNext
			return
		}

		cur = next
	}
}

// --- list management -----------------------------------------------------
//
// The circular eviction list is implemented as a FIFO: the head is always
// the next second-chance candidate; "advance past" a node is popping it
// from the front and pushing it to the back, which is behaviourally
// identical to rotating a hand around a true circular list. The indirect
// lists are plain append-ordered lists; spec.md only requires "pinned"
// membership, not a particular scan order.

func (c *fbufCache) circPushBack(idx int32) {
	n := &c.nodes[idx]
	n.onIndirect = false
	n.prev, n.next = c.circTail, -1

	if c.circTail != -1 {
		c.nodes[c.circTail].next = idx
	} else {
		c.circHead = idx
	}

	c.circTail = idx
}

func (c *fbufCache) circRemove(idx int32) {
	n := &c.nodes[idx]

	if n.prev != -1 {
		c.nodes[n.prev].next = n.next
	} else {
		c.circHead = n.next
	}

	if n.next != -1 {
		c.nodes[n.next].prev = n.prev
	} else {
		c.circTail = n.prev
	}

	n.prev, n.next = -1, -1
}

func (c *fbufCache) indirectPushBack(depth Depth, idx int32) {
	d := int(depth)
	n := &c.nodes[idx]
	n.onIndirect = true
	n.prev, n.next = c.indirectTail[d], -1

	if c.indirectTail[d] != -1 {
		c.nodes[c.indirectTail[d]].next = idx
	} else {
		c.indirectHead[d] = idx
	}

	c.indirectTail[d] = idx
}

func (c *fbufCache) indirectRemove(depth Depth, idx int32) {
	d := int(depth)
	n := &c.nodes[idx]

	if n.prev != -1 {
		c.nodes[n.prev].next = n.next
	} else {
		c.indirectHead[d] = n.next
	}

	if n.next != -1 {
		c.nodes[n.next].prev = n.prev
	} else {
		c.indirectTail[d] = n.prev
	}

	n.prev, n.next = -1, -1
}

// --- pin / unpin ---------------------------------------------------------

// pinForChild pins node idx (moving it from the circular list to its
// depth's indirect list the first time) and increments its ref_cnt,
// reflecting one more cached child. Called only when a new child is about
// to be inserted, and only before that child's slot is allocated (spec.md
// §4.3: "the parent pin must precede the child load").
func (c *fbufCache) pinForChild(idx int32) {
	n := &c.nodes[idx]
	if n.refCnt == 0 {
		_, nodeDepth, _ := n.ma.Decompose()

		c.circRemove(idx)
		c.indirectPushBack(nodeDepth, idx)
	}

	n.refCnt++
}

// unpinChild reverses one pin: decrements ref_cnt, and once it drops to
// zero, demotes the node from its indirect list back to the tail of the
// circular list with accessed cleared (spec.md §4.3 fbuf_alloc).
func (c *fbufCache) unpinChild(idx int32) {
	n := &c.nodes[idx]
	n.refCnt--

	if n.refCnt == 0 {
		_, nodeDepth, _ := n.ma.Decompose()
		c.indirectRemove(nodeDepth, idx)
		n.accessed = false
		c.circPushBack(idx)
	}
}

// --- access bookkeeping ---------------------------------------------------

func (c *fbufCache) fileAccess(idx int32, isWrite bool) {
	c.nodes[idx].accessed = true
	if isWrite {
		c.markDirty(idx)
	}
}

func (c *fbufCache) markDirty(idx int32) {
	if !c.nodes[idx].modified {
		c.nodes[idx].modified = true
		c.modifiedCount++
	}
}

func (c *fbufCache) clearDirty(idx int32) {
	if c.nodes[idx].modified {
		c.nodes[idx].modified = false
		c.modifiedCount--
	}
}

// --- replacement -----------------------------------------------------------

// alloc implements fbuf_alloc (spec.md §4.3): second-chance scan over the
// circular list, flush-before-evict, and parent detach. Returns the index
// of a now-free (invalid) slot ready for the caller to populate.
func (c *fbufCache) alloc(core *Core) (int32, error) {
	var chosen int32 = -1

	for chosen == -1 {
		if c.circHead == -1 {
			return -1, fmt.Errorf("fbuf: no eviction candidate available: %w", ErrExhausted)
		}

		cand := c.circHead

		if c.nodes[cand].accessed {
			c.nodes[cand].accessed = false
			c.circRemove(cand)
			c.circPushBack(cand)

			continue
		}

		c.circRemove(cand)
		chosen = cand
	}

	c.evicts++

	n := &c.nodes[chosen]
	if n.valid {
		if n.modified {
			if err := c.flush(core, chosen); err != nil {
				return -1, err
			}
		}

		if n.parent >= 0 {
			c.unpinChild(n.parent)
		}

		c.hashRemove(chosen)
	}

	n.valid = false
	n.parent = -1
	n.refCnt = 0
	n.accessed = false
	n.modified = false

	return chosen, nil
}

// --- flush -----------------------------------------------------------------

// flush implements spec.md §4.4: append the node's content to the cold
// stream, then either update the superblock root table (depth 0) or write
// the resulting SA into the parent's data array and mark the parent dirty,
// propagating dirtiness toward the root.
func (c *fbufCache) flush(core *Core, idx int32) error {
	n := &c.nodes[idx]
	buf := encodeIndexBlock(n.entries, core.cfg.SectorSize)

	sa, err := core.appendCold(n.ma, buf)
	if err != nil {
		return err
	}

	fd, depth, index := n.ma.Decompose()

	if depth == DepthRoot {
		core.sb.FTab[fd] = sa
	} else {
		if n.parent < 0 {
			return fmt.Errorf("fbuf: flush: node at depth %d has no parent link: %w", depth, ErrFormat)
		}

		pk := parentSlot(index)
		c.nodes[n.parent].entries[pk] = uint32(sa)
		c.markDirty(n.parent)
	}

	c.clearDirty(idx)
	c.flushes++

	return nil
}

// flushAll implements file_mod_flush (spec.md §4.4): first all dirty nodes
// on the circular list (leaves and orphans), then dirty pinned nodes from
// deepest (depth 1) to shallowest (depth 0), guaranteeing every child is
// rewritten before its parent observes the new SA.
func (c *fbufCache) flushAll(core *Core) error {
	for idx := c.circHead; idx != -1; idx = c.nodes[idx].next {
		if c.nodes[idx].valid && c.nodes[idx].modified {
			if err := c.flush(core, idx); err != nil {
				return err
			}
		}
	}

	for depth := DepthInner; ; depth-- {
		for idx := c.indirectHead[depth]; idx != -1; idx = c.nodes[idx].next {
			if c.nodes[idx].modified {
				if err := c.flush(core, idx); err != nil {
					return err
				}
			}
		}

		if depth == DepthRoot {
			break
		}
	}

	return nil
}

// --- descent ---------------------------------------------------------------

// ancestorIndexAt returns the metadata index of the ancestor at depth d on
// the path to (targetDepth, targetIndex).
func ancestorIndexAt(targetDepth Depth, targetIndex uint32, d Depth) uint32 {
	switch d {
	case DepthRoot:
		return 0
	case DepthInner:
		if targetDepth == DepthInner {
			return targetIndex
		}

		return parentIndex(targetIndex)
	default: // DepthLeaf
		return targetIndex
	}
}

// get implements fbuf_get (spec.md §4.3): locate or load the node named by
// (fd, depth, index), descending from the root and pinning each visited
// ancestor before loading its child. isWrite marks the target node
// accessed+modified (file_access); ancestor visits never set modified.
func (c *fbufCache) get(core *Core, fd ForwardMapID, depth Depth, index uint32, isWrite bool) (int32, error) {
	var parentIdx int32 = -1

	for d := DepthRoot; ; d++ {
		idxAtD := ancestorIndexAt(depth, index, d)
		maD := MakeMA(fd, d, idxAtD)

		if slot, ok := c.lookup(maD); ok {
			if d == depth {
				c.hits++
				c.fileAccess(slot, isWrite)

				return slot, nil
			}

			parentIdx = slot

			if d == DepthLeaf {
				break
			}

			continue
		}

		if d > DepthRoot {
			c.pinForChild(parentIdx)
		}

		newSlot, err := c.alloc(core)
		if err != nil {
			if d > DepthRoot {
				c.unpinChild(parentIdx)
			}

			return -1, err
		}

		n := &c.nodes[newSlot]

		sa, err := c.childSA(core, fd, d, parentIdx, idxAtD)
		if err != nil {
			if d > DepthRoot {
				c.unpinChild(parentIdx)
			}

			return -1, err
		}

		if sa == SectorNull {
			for i := range n.entries {
				n.entries[i] = uint32(SectorNull)
			}
		} else {
			buf := make([]byte, core.cfg.SectorSize)
			if err := core.dev.ReadSectors(sa, buf, 1); err != nil {
				if d > DepthRoot {
					c.unpinChild(parentIdx)
				}

				return -1, fmt.Errorf("fbuf: load node at depth %d index %d: %w", d, idxAtD, ErrIO)
			}

			decodeIndexBlock(buf, n.entries)
		}

		n.valid = true
		n.ma = maD
		n.parent = parentIdx

		c.hashInsert(newSlot)
		c.circPushBack(newSlot)

		if d == depth {
			c.misses++
			c.fileAccess(newSlot, isWrite)

			return newSlot, nil
		}

		parentIdx = newSlot

		if d == DepthLeaf {
			break
		}
	}

	return -1, fmt.Errorf("fbuf: get: fell through descent loop: %w", ErrFormat)
}

// childSA returns the current SA of the node at (d, idxAtD), read either
// from the superblock root table (d==0) or from the already-resident
// parent's data array.
func (c *fbufCache) childSA(core *Core, fd ForwardMapID, d Depth, parentIdx int32, idxAtD uint32) (SectorAddr, error) {
	if d == DepthRoot {
		return core.sb.FTab[fd], nil
	}

	pk := parentSlot(idxAtD)

	return SectorAddr(c.nodes[parentIdx].entries[pk]), nil
}

// --- encode/decode -----------------------------------------------------

func decodeIndexBlock(buf []byte, entries []uint32) {
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}

func encodeIndexBlock(entries []uint32, sectorSize uint32) []byte {
	buf := make([]byte, sectorSize)
	for i, v := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}

	return buf
}

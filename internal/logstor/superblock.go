package logstor

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Superblock is the root state of an open device (spec.md §3). One copy
// lives in each of the first [Config.SegmentSectors] sectors of segment 0,
// forming a generation-numbered ring (§4.6).
type Superblock struct {
	Major, Minor byte
	Generation   uint16
	MaxBlockCnt  uint32
	SegCnt       int32
	SegFreeCnt   int32
	SegAllocP    int32
	SegReclaimP  int32
	FTab         [FDCount]SectorAddr
	SegAge       []uint8 // len == SegCnt

	// sbSA is the sector within the ring this copy was read from or will
	// be written to. Not part of the on-disk record.
	sbSA SectorAddr
}

const (
	sbMagic       = 0x4C4F4753 // "LOGS"
	sbMajor       = 1
	sbMinor       = 0
	sbFixedFields = 4 /*magic*/ + 1 + 1 /*major/minor*/ + 2 /*gen*/ + 4 /*max_block_cnt*/ +
		4 + 4 + 4 + 4 /*seg_cnt, seg_free_cnt, seg_alloc_p, seg_reclaim_p*/ +
		FDCount*4 /*ftab*/ + 4 /*crc32c*/
)

var sbCRCTable = crc32.MakeTable(crc32.Castagnoli)

// encodedSize returns the number of bytes this superblock occupies on disk,
// including the trailing seg_age array.
func (sb *Superblock) encodedSize() int {
	return sbFixedFields + len(sb.SegAge)
}

// encode serializes the superblock into a zero-padded sector-sized buffer.
func (sb *Superblock) encode(sectorSize uint32) ([]byte, error) {
	size := sb.encodedSize()
	if size > int(sectorSize) {
		return nil, fmt.Errorf("superblock: encoded size %d exceeds sector size %d: %w", size, sectorSize, ErrFormat)
	}

	buf := make([]byte, sectorSize)

	binary.LittleEndian.PutUint32(buf[0:], sbMagic)
	buf[4] = sb.Major
	buf[5] = sb.Minor
	binary.LittleEndian.PutUint16(buf[6:], sb.Generation)
	binary.LittleEndian.PutUint32(buf[8:], sb.MaxBlockCnt)
	binary.LittleEndian.PutUint32(buf[12:], uint32(sb.SegCnt))
	binary.LittleEndian.PutUint32(buf[16:], uint32(sb.SegFreeCnt))
	binary.LittleEndian.PutUint32(buf[20:], uint32(sb.SegAllocP))
	binary.LittleEndian.PutUint32(buf[24:], uint32(sb.SegReclaimP))

	for i, sa := range sb.FTab {
		binary.LittleEndian.PutUint32(buf[28+i*4:], uint32(sa))
	}

	copy(buf[sbFixedFields:], sb.SegAge)

	crc := crc32.Checksum(buf[:sbFixedFields-4], sbCRCTable)
	crc = crc32.Update(crc, sbCRCTable, sb.SegAge)
	binary.LittleEndian.PutUint32(buf[sbFixedFields-4:], crc)

	return buf, nil
}

// decodeSuperblock parses a sector-sized buffer. segCntHint is the number of
// trailing seg_age bytes to read; those bytes are covered by the CRC, so the
// check only passes when segCntHint equals the seg_cnt the sector was
// encoded with (the ring reader takes it from [probeSegCnt]).
func decodeSuperblock(buf []byte, segCntHint int32) (*Superblock, bool) {
	if len(buf) < sbFixedFields {
		return nil, false
	}

	if binary.LittleEndian.Uint32(buf[0:]) != sbMagic {
		return nil, false
	}

	segAgeLen := int(segCntHint)
	if segAgeLen < 0 || sbFixedFields+segAgeLen > len(buf) {
		return nil, false
	}

	storedCRC := binary.LittleEndian.Uint32(buf[sbFixedFields-4:])
	crc := crc32.Checksum(buf[:sbFixedFields-4], sbCRCTable)
	crc = crc32.Update(crc, sbCRCTable, buf[sbFixedFields:sbFixedFields+segAgeLen])

	if crc != storedCRC {
		return nil, false
	}

	sb := &Superblock{
		Major:       buf[4],
		Minor:       buf[5],
		Generation:  binary.LittleEndian.Uint16(buf[6:]),
		MaxBlockCnt: binary.LittleEndian.Uint32(buf[8:]),
		SegCnt:      int32(binary.LittleEndian.Uint32(buf[12:])),
		SegFreeCnt:  int32(binary.LittleEndian.Uint32(buf[16:])),
		SegAllocP:   int32(binary.LittleEndian.Uint32(buf[20:])),
		SegReclaimP: int32(binary.LittleEndian.Uint32(buf[24:])),
		SegAge:      append([]byte(nil), buf[sbFixedFields:sbFixedFields+segAgeLen]...),
	}

	for i := range sb.FTab {
		sb.FTab[i] = SectorAddr(binary.LittleEndian.Uint32(buf[28+i*4:]))
	}

	return sb, true
}

// probeSegCnt peeks seg_cnt out of a candidate sector without validating
// CRC, so the ring reader knows how many seg_age bytes to include before
// attempting the real CRC check.
func probeSegCnt(buf []byte) (int32, bool) {
	if len(buf) < sbFixedFields {
		return 0, false
	}

	if binary.LittleEndian.Uint32(buf[0:]) != sbMagic {
		return 0, false
	}

	return int32(binary.LittleEndian.Uint32(buf[12:])), true
}

// wrapNextGen reports whether b is the generation immediately following a,
// modulo 2^16.
func wrapNextGen(a, b uint16) bool {
	return b-a == 1
}

// newSuperblock formats a fresh superblock for a device with the given
// sector count and tunables.
func newSuperblock(cfg Config, sectorCount uint64) (*Superblock, error) {
	segCnt := int32(sectorCount / uint64(cfg.SegmentSectors))
	if segCnt <= SegDataStart+1 {
		return nil, fmt.Errorf("superblock: device too small for %d-sector segments: %w", cfg.SegmentSectors, ErrInvalidArgument)
	}

	maxBlockCnt := computeMaxBlockCnt(cfg, segCnt)

	var genBuf [2]byte
	if _, err := rand.Read(genBuf[:]); err != nil {
		return nil, fmt.Errorf("superblock: generate initial generation: %w", err)
	}

	sb := &Superblock{
		Major:       sbMajor,
		Minor:       sbMinor,
		Generation:  binary.LittleEndian.Uint16(genBuf[:]),
		MaxBlockCnt: maxBlockCnt,
		SegCnt:      segCnt,
		SegFreeCnt:  segCnt - SegDataStart,
		SegAllocP:   SegDataStart,
		SegReclaimP: SegDataStart,
		SegAge:      make([]uint8, segCnt),
		// persistSuperblock advances sbSA before writing, so starting on
		// the last ring slot puts the first persisted copy in slot 0,
		// where readSuperblockRing begins its scan.
		sbSA: SectorAddr(cfg.SegmentSectors - 1),
	}

	return sb, nil
}

// computeMaxBlockCnt derives the largest user BA range the data pool can
// address: one leaf (1024 BAs) per entriesPerBlock-worth of payload
// capacity is generous headroom, so we size it directly off the device's
// payload sector count, capped to the address space a single fd's 3-level
// tree can resolve (2^30 BAs).
func computeMaxBlockCnt(cfg Config, segCnt int32) uint32 {
	payload := uint64(segCnt) * uint64(cfg.payloadSectorsPerSegment())

	const maxAddressable = uint64(1) << 30
	if payload > maxAddressable {
		payload = maxAddressable
	}

	return uint32(payload)
}

func (sb *Superblock) clone() *Superblock {
	cp := *sb
	cp.SegAge = append([]byte(nil), sb.SegAge...)

	return &cp
}

package logstor

import "encoding/binary"

// segmentSummary is the last sector of a segment: a reverse map from
// payload offset to the BA/MA stored there, plus a generation stamp and
// allocation pointer (spec.md §3).
//
// rm has length payloadSectorsPerSegment (P-1); rm[i] names the BA/MA of
// the payload sector at offset i within the segment. Fields after rm are
// in-memory-only bookkeeping, never persisted.
type segmentSummary struct {
	rm     []BlockAddr
	gen    uint16
	allocP uint32 // number of payload sectors written so far, <= len(rm)

	sega      SectorAddr // SA = sega*P; the segment this summary owns
	liveCount int        // cleaner bookkeeping, recomputed on demand
}

func newSegmentSummary(payloadSectors uint32) *segmentSummary {
	return &segmentSummary{rm: make([]BlockAddr, payloadSectors)}
}

// encode serializes the summary to an exactly sectorSize-length buffer:
// u32 rm[P-1], u16 gen, u16 alloc_p.
func (s *segmentSummary) encode(sectorSize uint32) []byte {
	buf := make([]byte, sectorSize)

	for i, ba := range s.rm {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(ba))
	}

	trailer := len(s.rm) * 4
	binary.LittleEndian.PutUint16(buf[trailer:], s.gen)
	binary.LittleEndian.PutUint16(buf[trailer+2:], uint16(s.allocP))

	return buf
}

// decodeSegmentSummary parses a sector-sized buffer into a summary. sega is
// supplied by the caller (derived from the sector address read), since it
// is not part of the on-disk record.
func decodeSegmentSummary(buf []byte, payloadSectors uint32, sega SectorAddr) *segmentSummary {
	s := &segmentSummary{
		rm:   make([]BlockAddr, payloadSectors),
		sega: sega,
	}

	for i := range s.rm {
		s.rm[i] = BlockAddr(binary.LittleEndian.Uint32(buf[i*4:]))
	}

	trailer := int(payloadSectors) * 4
	s.gen = binary.LittleEndian.Uint16(buf[trailer:])
	s.allocP = uint32(binary.LittleEndian.Uint16(buf[trailer+2:]))

	return s
}

// summarySA returns the SA of this segment's own summary sector.
func (s *segmentSummary) summarySA(segmentSectors uint32) SectorAddr {
	return s.sega + SectorAddr(segmentSectors-1)
}

// full reports whether the segment has no remaining payload slots.
func (s *segmentSummary) full() bool {
	return int(s.allocP) >= len(s.rm)
}

// nextSA returns the SA the next appended payload sector will land at.
func (s *segmentSummary) nextSA() SectorAddr {
	return s.sega + SectorAddr(s.allocP)
}

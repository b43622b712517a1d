package device

import (
	"fmt"

	"github.com/Wuyang-Chung/logstor/internal/logstor"
)

// Memory is an in-memory [logstor.Device], used by the engine's own tests
// and by anything that wants a disposable device without real file I/O.
type Memory struct {
	sectorSize  uint32
	sectorCount uint64
	data        []byte
}

// NewMemory allocates a zero-filled in-memory device of sectorCount
// sectors.
func NewMemory(sectorSize uint32, sectorCount uint64) *Memory {
	return &Memory{
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		data:        make([]byte, uint64(sectorSize)*sectorCount),
	}
}

// ReadSectors implements [logstor.Device].
func (m *Memory) ReadSectors(sa logstor.SectorAddr, buf []byte, n int) error {
	want := n * int(m.sectorSize)
	if len(buf) != want {
		return fmt.Errorf("device: read buffer length %d != %d sectors", len(buf), n)
	}

	off := uint64(sa) * uint64(m.sectorSize)
	if off+uint64(want) > uint64(len(m.data)) {
		return fmt.Errorf("device: read at sector %d out of range", sa)
	}

	copy(buf, m.data[off:off+uint64(want)])

	return nil
}

// WriteSectors implements [logstor.Device].
func (m *Memory) WriteSectors(sa logstor.SectorAddr, buf []byte, n int) error {
	want := n * int(m.sectorSize)
	if len(buf) != want {
		return fmt.Errorf("device: write buffer length %d != %d sectors", len(buf), n)
	}

	off := uint64(sa) * uint64(m.sectorSize)
	if off+uint64(want) > uint64(len(m.data)) {
		return fmt.Errorf("device: write at sector %d out of range", sa)
	}

	copy(m.data[off:off+uint64(want)], buf)

	return nil
}

// SectorCount implements [logstor.Device].
func (m *Memory) SectorCount() uint64 {
	return m.sectorCount
}

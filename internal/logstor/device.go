package logstor

// Device is the block-device adapter the core requires. Implementations
// live in package device ([github.com/Wuyang-Chung/logstor/internal/device]);
// the core never constructs one itself.
//
// All methods must be safe to call from a single goroutine at a time; the
// core never issues two calls concurrently against the same Device (§5).
type Device interface {
	// ReadSectors reads n consecutive sectors starting at sa into buf.
	// len(buf) must be exactly n*sectorSize.
	ReadSectors(sa SectorAddr, buf []byte, n int) error

	// WriteSectors writes n consecutive sectors at sa from buf.
	// len(buf) must be exactly n*sectorSize.
	WriteSectors(sa SectorAddr, buf []byte, n int) error

	// SectorCount returns the total number of sectors available on the
	// device.
	SectorCount() uint64
}

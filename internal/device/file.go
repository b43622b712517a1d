// Package device provides [logstor.Device] implementations: a real
// file-backed adapter, an in-memory one for tests, and a fault-injecting
// wrapper for crash-consistency testing.
package device

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/Wuyang-Chung/logstor/internal/logstor"
)

// File is a [logstor.Device] backed by a regular file or block device,
// using raw positioned reads/writes against the file descriptor (the same
// style [pkg/slotcache] uses for its header/slot I/O).
type File struct {
	f           *os.File
	sectorSize  uint32
	sectorCount uint64
}

// Open opens path for sector-aligned I/O. The file must already exist and
// be at least one sector long; use [Create] to format a fresh backing
// file of a given size.
func Open(path string, sectorSize uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("device: stat %s: %w", path, err)
	}

	size := stat.Size()
	if size < int64(sectorSize) {
		_ = f.Close()

		return nil, fmt.Errorf("device: %s is shorter than one sector", path)
	}

	return &File{
		f:           f,
		sectorSize:  sectorSize,
		sectorCount: uint64(size) / uint64(sectorSize),
	}, nil
}

// Create formats a new backing file of sectorCount sectors at path,
// truncated to the exact byte size, and opens it.
func Create(path string, sectorSize uint32, sectorCount uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: create %s: %w", path, err)
	}

	size := int64(sectorCount) * int64(sectorSize)
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("device: truncate %s: %w", path, err)
	}

	return &File{
		f:           f,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
	}, nil
}

// ReadSectors implements [logstor.Device].
func (d *File) ReadSectors(sa logstor.SectorAddr, buf []byte, n int) error {
	want := n * int(d.sectorSize)
	if len(buf) != want {
		return fmt.Errorf("device: read buffer length %d != %d sectors", len(buf), n)
	}

	off := int64(sa) * int64(d.sectorSize)

	got, err := syscall.Pread(int(d.f.Fd()), buf, off)
	if err != nil {
		return fmt.Errorf("device: pread at sector %d: %w", sa, err)
	}

	if got != want {
		return fmt.Errorf("device: short read at sector %d: got %d want %d bytes", sa, got, want)
	}

	return nil
}

// WriteSectors implements [logstor.Device].
func (d *File) WriteSectors(sa logstor.SectorAddr, buf []byte, n int) error {
	want := n * int(d.sectorSize)
	if len(buf) != want {
		return fmt.Errorf("device: write buffer length %d != %d sectors", len(buf), n)
	}

	off := int64(sa) * int64(d.sectorSize)

	got, err := syscall.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil {
		return fmt.Errorf("device: pwrite at sector %d: %w", sa, err)
	}

	if got != want {
		return fmt.Errorf("device: short write at sector %d: wrote %d want %d bytes", sa, got, want)
	}

	return nil
}

// SectorCount implements [logstor.Device].
func (d *File) SectorCount() uint64 {
	return d.sectorCount
}

// Sync flushes the backing file to stable storage.
func (d *File) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("device: sync: %w", err)
	}

	return nil
}

// Close releases the backing file descriptor.
func (d *File) Close() error {
	if err := d.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("device: close: %w", err)
	}

	return nil
}

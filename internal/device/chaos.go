package device

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/Wuyang-Chung/logstor/internal/logstor"
)

// ChaosConfig controls fault injection probabilities for [Chaos]. Each rate
// is a float64 from 0.0 (never) to 1.0 (always); the zero value disables
// all injection (adapted from [pkg/fs.ChaosConfig]'s per-operation rate
// idiom, applied here to sector I/O instead of file I/O).
type ChaosConfig struct {
	// ReadFailRate controls how often ReadSectors fails entirely.
	ReadFailRate float64

	// WriteFailRate controls how often WriteSectors fails entirely.
	WriteFailRate float64

	// PartialWriteRate controls how often a write succeeds for only the
	// first sector of a multi-sector batch, simulating a torn write.
	PartialWriteRate float64
}

// Chaos wraps a [logstor.Device] and injects faults according to its
// config, for exercising the core's IOError handling and crash-recovery
// properties.
type Chaos struct {
	underlying logstor.Device
	cfg        ChaosConfig

	readFailures  atomic.Uint64
	writeFailures atomic.Uint64
}

// NewChaos wraps underlying with fault injection per cfg.
func NewChaos(underlying logstor.Device, cfg ChaosConfig) *Chaos {
	return &Chaos{underlying: underlying, cfg: cfg}
}

// ReadSectors implements [logstor.Device].
func (c *Chaos) ReadSectors(sa logstor.SectorAddr, buf []byte, n int) error {
	if c.cfg.ReadFailRate > 0 && rand.Float64() < c.cfg.ReadFailRate {
		c.readFailures.Add(1)

		return fmt.Errorf("device: injected read failure at sector %d", sa)
	}

	return c.underlying.ReadSectors(sa, buf, n)
}

// WriteSectors implements [logstor.Device].
func (c *Chaos) WriteSectors(sa logstor.SectorAddr, buf []byte, n int) error {
	if c.cfg.WriteFailRate > 0 && rand.Float64() < c.cfg.WriteFailRate {
		c.writeFailures.Add(1)

		return fmt.Errorf("device: injected write failure at sector %d", sa)
	}

	if n > 1 && c.cfg.PartialWriteRate > 0 && rand.Float64() < c.cfg.PartialWriteRate {
		c.writeFailures.Add(1)

		sectorSize := len(buf) / n
		if err := c.underlying.WriteSectors(sa, buf[:sectorSize], 1); err != nil {
			return err
		}

		return fmt.Errorf("device: injected torn write at sector %d: wrote 1 of %d sectors", sa, n)
	}

	return c.underlying.WriteSectors(sa, buf, n)
}

// SectorCount implements [logstor.Device].
func (c *Chaos) SectorCount() uint64 {
	return c.underlying.SectorCount()
}

// ReadFailures returns the number of injected read failures so far.
func (c *Chaos) ReadFailures() uint64 {
	return c.readFailures.Load()
}

// WriteFailures returns the number of injected write failures (including
// torn writes) so far.
func (c *Chaos) WriteFailures() uint64 {
	return c.writeFailures.Load()
}

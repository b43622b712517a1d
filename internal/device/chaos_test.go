package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Chaos_NoFaultConfig_PassesThroughUnchanged(t *testing.T) {
	underlying := NewMemory(512, 4)
	c := NewChaos(underlying, ChaosConfig{})

	want := []byte{1, 2, 3, 4}
	padded := make([]byte, 512)
	copy(padded, want)

	require.NoError(t, c.WriteSectors(0, padded, 1))

	got := make([]byte, 512)
	require.NoError(t, c.ReadSectors(0, got, 1))

	assert.Equal(t, padded, got)
	assert.Equal(t, uint64(0), c.ReadFailures())
	assert.Equal(t, uint64(0), c.WriteFailures())
}

func Test_Chaos_ReadFailRateOne_AlwaysFails(t *testing.T) {
	underlying := NewMemory(512, 4)
	c := NewChaos(underlying, ChaosConfig{ReadFailRate: 1})

	buf := make([]byte, 512)
	err := c.ReadSectors(0, buf, 1)

	assert.Error(t, err)
	assert.Equal(t, uint64(1), c.ReadFailures())
}

func Test_Chaos_WriteFailRateOne_AlwaysFails(t *testing.T) {
	underlying := NewMemory(512, 4)
	c := NewChaos(underlying, ChaosConfig{WriteFailRate: 1})

	buf := make([]byte, 512)
	err := c.WriteSectors(0, buf, 1)

	assert.Error(t, err)
	assert.Equal(t, uint64(1), c.WriteFailures())
}

func Test_Chaos_PartialWriteRateOne_WritesOnlyFirstSector(t *testing.T) {
	underlying := NewMemory(512, 4)
	c := NewChaos(underlying, ChaosConfig{PartialWriteRate: 1})

	first := make([]byte, 512)
	for i := range first {
		first[i] = 0xAB
	}

	second := make([]byte, 512)
	for i := range second {
		second[i] = 0xCD
	}

	buf := append(append([]byte{}, first...), second...)

	err := c.WriteSectors(0, buf, 2)
	assert.Error(t, err, "a torn write must still surface as an error")

	got := make([]byte, 512*2)
	require.NoError(t, underlying.ReadSectors(0, got, 2))

	assert.Equal(t, first, got[:512], "the first sector of a torn write must have landed")
	assert.Equal(t, make([]byte, 512), got[512:], "the second sector of a torn write must never have landed")
}

func Test_Chaos_SectorCount_DelegatesToUnderlying(t *testing.T) {
	underlying := NewMemory(512, 9)
	c := NewChaos(underlying, ChaosConfig{})

	assert.Equal(t, uint64(9), c.SectorCount())
}

package logstor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadConfigFile_MissingFile_ReturnsBaseUnchanged(t *testing.T) {
	base := DefaultConfig()

	got, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.logstor.jsonc"), base)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func Test_SaveConfigFile_LoadConfigFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.img.logstor.jsonc")

	want := Config{
		CleanWindow:    9,
		CleanLowWater:  3,
		CleanHighWater: 20,
		CleanAgeLimit:  7,
		FBufRatio:      2.5,
	}

	require.NoError(t, SaveConfigFile(path, want))

	got, err := LoadConfigFile(path, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, want.CleanWindow, got.CleanWindow)
	assert.Equal(t, want.CleanLowWater, got.CleanLowWater)
	assert.Equal(t, want.CleanHighWater, got.CleanHighWater)
	assert.Equal(t, want.CleanAgeLimit, got.CleanAgeLimit)
	assert.Equal(t, want.FBufRatio, got.FBufRatio)

	// Layout fields are never sourced from the sidecar, even though base
	// carried real values.
	assert.Equal(t, DefaultConfig().SectorSize, got.SectorSize)
	assert.Equal(t, DefaultConfig().SegmentSectors, got.SegmentSectors)
}

func Test_LoadConfigFile_TolerantOfCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.img.logstor.jsonc")

	jsonc := `{
		// tighten the window for a small test device
		"clean_window": 4,
		"clean_age_limit": 2,
	}`

	require.NoError(t, os.WriteFile(path, []byte(jsonc), 0o644))

	got, err := LoadConfigFile(path, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 4, got.CleanWindow)
	assert.Equal(t, uint8(2), got.CleanAgeLimit)
	assert.Equal(t, DefaultConfig().FBufRatio, got.FBufRatio, "fields absent from the sidecar must keep the base value")
}

func Test_LoadConfigFile_RejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.img.logstor.jsonc")

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadConfigFile(path, DefaultConfig())
	assert.Error(t, err)
}

func Test_SidecarPath_AppendsConventionalSuffix(t *testing.T) {
	assert.Equal(t, "/tmp/device.img.logstor.jsonc", SidecarPath("/tmp/device.img"))
}

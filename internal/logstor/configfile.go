package logstor

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// configFile mirrors the exported, JSON-tagged subset of [Config] that is
// safe to persist; SectorSize and SegmentSectors are fixed by the device's
// on-disk layout and are never read from a sidecar file.
type configFile struct {
	CleanWindow    int     `json:"clean_window,omitempty"`
	CleanLowWater  int     `json:"clean_low_water,omitempty"`
	CleanHighWater int     `json:"clean_high_water,omitempty"`
	CleanAgeLimit  int     `json:"clean_age_limit,omitempty"`
	FBufRatio      float64 `json:"fbuf_ratio,omitempty"`
}

// SidecarPath returns the conventional tunables-sidecar path for a device
// at devicePath.
func SidecarPath(devicePath string) string {
	return devicePath + ".logstor.jsonc"
}

// LoadConfigFile reads tunables from a JSONC sidecar (comments and trailing
// commas allowed, via [hujson.Standardize]) and overlays them onto base. A
// missing file is not an error: base is returned unchanged.
func LoadConfigFile(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}

		return base, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return base, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var cf configFile
	if err := json.Unmarshal(standardized, &cf); err != nil {
		return base, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg := base

	if cf.CleanWindow != 0 {
		cfg.CleanWindow = cf.CleanWindow
	}

	if cf.CleanLowWater != 0 {
		cfg.CleanLowWater = cf.CleanLowWater
	}

	if cf.CleanHighWater != 0 {
		cfg.CleanHighWater = cf.CleanHighWater
	}

	if cf.CleanAgeLimit != 0 {
		cfg.CleanAgeLimit = uint8(cf.CleanAgeLimit)
	}

	if cf.FBufRatio != 0 {
		cfg.FBufRatio = cf.FBufRatio
	}

	return cfg, nil
}

// SaveConfigFile writes cfg's tunables to path as JSON, replacing the file
// atomically (rename over a temp file) so a crash mid-write never leaves a
// torn sidecar.
func SaveConfigFile(path string, cfg Config) error {
	cf := configFile{
		CleanWindow:    cfg.CleanWindow,
		CleanLowWater:  cfg.CleanLowWater,
		CleanHighWater: cfg.CleanHighWater,
		CleanAgeLimit:  int(cfg.CleanAgeLimit),
		FBufRatio:      cfg.FBufRatio,
	}

	buf, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}

	if err := atomic.WriteFile(path, strings.NewReader(string(buf))); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}

	return nil
}

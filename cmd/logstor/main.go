// Command logstor creates and inspects log-structured block store devices,
// and provides an interactive shell for exercising one directly.
//
// Usage:
//
//	logstor create [opts] <path>   Format a new backing file
//	logstor stats <path>           Print superblock/segment state
//	logstor shell <path>           Open a device and accept read/write/delete commands
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/Wuyang-Chung/logstor/internal/device"
	"github.com/Wuyang-Chung/logstor/internal/logstor"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	if len(args) < 2 {
		printUsage(errOut)

		return 1
	}

	var err error

	switch args[1] {
	case "create":
		err = runCreate(args[2:], out)
	case "stats":
		err = runStats(args[2:], out)
	case "shell":
		err = runShell(args[2:], out, errOut)
	default:
		printUsage(errOut)

		return 1
	}

	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)

		return 1
	}

	return 0
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  logstor create [opts] <path>   Format a new backing file")
	fmt.Fprintln(w, "  logstor stats <path>           Print superblock/segment state")
	fmt.Fprintln(w, "  logstor shell <path>           Open a device and accept read/write/delete commands")
}

func runCreate(args []string, out *os.File) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	segments := fs.Uint64P("segments", "n", 16, "total number of segments (including the superblock segment)")
	sectorSize := fs.Uint32P("sector-size", "s", 4096, "sector size in bytes")
	segmentSectors := fs.Uint32P("segment-sectors", "p", 1024, "sectors per segment, including the summary sector")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("create: expected exactly one path argument")
	}

	path := fs.Arg(0)
	totalSectors := *segments * uint64(*segmentSectors)

	dev, err := device.Create(path, *sectorSize, totalSectors)
	if err != nil {
		return err
	}

	cfg := logstor.Config{SectorSize: *sectorSize, SegmentSectors: *segmentSectors}

	cfg, err = logstor.LoadConfigFile(logstor.SidecarPath(path), cfg)
	if err != nil {
		_ = dev.Close()

		return err
	}

	core, err := logstor.Open(dev, cfg)
	if err != nil {
		_ = dev.Close()

		return err
	}

	if err := core.Close(); err != nil {
		return err
	}

	if err := dev.Close(); err != nil {
		return err
	}

	fmt.Fprintf(out, "created %s: %d segments, %d sectors/segment, %d bytes/sector\n", path, *segments, *segmentSectors, *sectorSize)

	return nil
}

func runStats(args []string, out *os.File) error {
	if len(args) != 1 {
		return fmt.Errorf("stats: expected exactly one path argument")
	}

	dev, err := device.Open(args[0], 4096)
	if err != nil {
		return err
	}
	defer dev.Close()

	cfg, err := logstor.LoadConfigFile(logstor.SidecarPath(args[0]), logstor.DefaultConfig())
	if err != nil {
		return err
	}

	core, err := logstor.Open(dev, cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	info := core.Info()
	fmt.Fprintf(out, "segments:     %d (free %d)\n", info.SegCnt, info.SegFreeCnt)
	fmt.Fprintf(out, "generation:   %d\n", info.Generation)
	fmt.Fprintf(out, "max_block_cnt: %d\n", info.MaxBlockCnt)
	fmt.Fprintf(out, "hot segment:  %d\n", info.HotSegment)
	fmt.Fprintf(out, "cold segment: %d\n", info.ColdSegment)
	fmt.Fprintf(out, "watermarks:   low=%d high=%d\n", info.CleanLowWater, info.CleanHighWater)

	return nil
}

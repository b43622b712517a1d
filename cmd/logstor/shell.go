package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/Wuyang-Chung/logstor/internal/device"
	"github.com/Wuyang-Chung/logstor/internal/logstor"
)

// shell is the interactive read/write/delete/stats command loop over one
// open device.
type shell struct {
	core *logstor.Core
	cfg  logstor.Config
	out  *os.File
	ln   *liner.State
}

func runShell(args []string, out, errOut *os.File) error {
	if len(args) != 1 {
		return fmt.Errorf("shell: expected exactly one path argument")
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

	s := &shell{core: core, cfg: cfg, out: out}

	return s.run(errOut)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".logstor_history")
}

func (s *shell) run(errOut *os.File) error {
	s.ln = liner.NewLiner()
	defer s.ln.Close()

	s.ln.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		s.ln.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintln(s.out, "logstor shell. Type 'help' for available commands.")

	for {
		line, err := s.ln.Prompt("logstor> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(s.out, "\nbye")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.ln.AppendHistory(line)

		if s.dispatch(line, errOut) {
			break
		}
	}

	if f, err := os.Create(historyFile()); err == nil {
		s.ln.WriteHistory(f)
		f.Close()
	}

	return nil
}

// dispatch runs one command line and reports whether the shell should
// exit.
func (s *shell) dispatch(line string, errOut *os.File) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		s.printHelp()
	case "read":
		err = s.cmdRead(args)
	case "write":
		err = s.cmdWrite(args)
	case "delete":
		err = s.cmdDelete(args)
	case "stats":
		s.cmdStats()
	case "info":
		s.cmdInfo()
	default:
		err = fmt.Errorf("unknown command %q (try 'help')", cmd)
	}

	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
	}

	return false
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, "commands:")
	fmt.Fprintln(s.out, "  read <ba> [n]            read n sectors starting at ba, print as text")
	fmt.Fprintln(s.out, "  write <ba> <text>        write one sector at ba, padded/truncated to sector size")
	fmt.Fprintln(s.out, "  delete <ba> [n]          delete n sectors starting at ba")
	fmt.Fprintln(s.out, "  stats                    print cache/cleaner counters")
	fmt.Fprintln(s.out, "  info                     print superblock/segment state")
	fmt.Fprintln(s.out, "  help                     show this help")
	fmt.Fprintln(s.out, "  exit / quit / q          leave the shell")
}

func (s *shell) cmdRead(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: read <ba> [n]")
	}

	ba, err := parseBA(args[0])
	if err != nil {
		return err
	}

	n := 1
	if len(args) >= 2 {
		n, err = strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid n: %w", err)
		}
	}

	buf := make([]byte, n*int(s.cfg.SectorSize))
	if err := s.core.Read(ba, n, buf); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "%q\n", bytes.TrimRight(buf, "\x00"))

	return nil
}

func (s *shell) cmdWrite(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: write <ba> <text>")
	}

	ba, err := parseBA(args[0])
	if err != nil {
		return err
	}

	text := strings.Join(args[1:], " ")

	buf := make([]byte, s.cfg.SectorSize)
	copy(buf, text)

	if err := s.core.Write(ba, 1, buf); err != nil {
		return err
	}

	fmt.Fprintln(s.out, "ok")

	return nil
}

func (s *shell) cmdDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: delete <ba> [n]")
	}

	ba, err := parseBA(args[0])
	if err != nil {
		return err
	}

	n := 1
	if len(args) >= 2 {
		n, err = strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid n: %w", err)
		}
	}

	if err := s.core.Delete(ba, n); err != nil {
		return err
	}

	fmt.Fprintln(s.out, "ok")

	return nil
}

func (s *shell) cmdStats() {
	st := s.core.Stats()
	fmt.Fprintf(s.out, "fbuf:    hits=%d misses=%d evicts=%d flushes=%d\n", st.FBufHits, st.FBufMisses, st.FBufEvicts, st.FBufFlushes)
	fmt.Fprintf(s.out, "cleaner: runs=%d segments_won=%d forced=%d\n", st.CleanerRuns, st.SegmentsWon, st.CleanerForce)
}

func (s *shell) cmdInfo() {
	info := s.core.Info()
	fmt.Fprintf(s.out, "segments: %d (free %d), gen=%d, hot=%d cold=%d\n", info.SegCnt, info.SegFreeCnt, info.Generation, info.HotSegment, info.ColdSegment)
}

func parseBA(s string) (logstor.BlockAddr, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid block address: %w", err)
	}

	return logstor.BlockAddr(v), nil
}

// Package procscan is a polling capture backend. It diffs the process table
// on every tick and reports new processes as exec events and vanished ones as
// exit events through the dispatcher, for hosts where the kernel object
// cannot be loaded.
package procscan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gotoolkits/lightrace/dispatch"
	log "github.com/sirupsen/logrus"
)

const DefaultInterval = time.Second

// Handler is implemented by *dispatch.Dispatcher.
type Handler interface {
	HandleExecve(*dispatch.SyscallContext) dispatch.Outcome
	HandleExit(*dispatch.SyscallContext) dispatch.Outcome
}

type Scanner struct {
	procRoot string
	interval time.Duration
	h        Handler

	known  map[uint32]dispatch.Task
	seeded bool
}

func New(procRoot string, interval time.Duration, h Handler) *Scanner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scanner{procRoot: procRoot, interval: interval, h: h}
}

// Run scans until ctx is done. The first scan only records the running
// processes.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.Scan(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Scan(); err != nil {
				log.WithError(err).Warn("process scan failed")
			}
		}
	}
}

// Scan performs a single pass over the process table.
func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.procRoot)
	if err != nil {
		return err
	}

	current := make(map[uint32]dispatch.Task, len(s.known))
	for _, d := range entries {
		if !d.IsDir() {
			continue
		}
		pid64, err := strconv.ParseUint(d.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)

		if task, ok := s.known[pid]; ok {
			current[pid] = task
			continue
		}

		dir := filepath.Join(s.procRoot, d.Name())
		comm, err := os.ReadFile(filepath.Join(dir, "comm"))
		if err != nil {
			// exited between ReadDir and here
			continue
		}
		task := dispatch.NewTask(pid, strings.TrimSpace(string(comm)))
		current[pid] = task

		if s.seeded {
			s.h.HandleExecve(&dispatch.SyscallContext{
				Task: task,
				Args: [6]uint64{filenameAddr},
				User: stringMemory(executable(dir)),
			})
		}
	}

	for pid, task := range s.known {
		if _, ok := current[pid]; ok {
			continue
		}
		s.h.HandleExit(&dispatch.SyscallContext{Task: task})
	}

	s.known = current
	s.seeded = true
	return nil
}

// Len is the number of processes seen by the last scan.
func (s *Scanner) Len() int {
	return len(s.known)
}

func executable(dir string) string {
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		return exe
	}
	cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return ""
	}
	arg0, _, _ := strings.Cut(string(cmdline), "\x00")
	return arg0
}

// filenameAddr is the pseudo address the exec filename is read from.
const filenameAddr = 1

var errBadAddress = errors.New("bad address")

// stringMemory exposes a single string at filenameAddr.
type stringMemory string

func (m stringMemory) ReadString(dst []byte, addr uint64) (int, error) {
	if addr != filenameAddr || len(dst) == 0 {
		return 0, errBadAddress
	}
	return copy(dst[:len(dst)-1], m), nil
}

func (m stringMemory) Read(dst []byte, addr uint64) error {
	return errBadAddress
}

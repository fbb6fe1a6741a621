// Package procutil provides process-control helpers
package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile tracks the file created at process start and removed on clean shutdown
type PIDFile struct {
	path string
}

// WritePIDFile creates a PID file at path holding the current process id.
// It fails if another live process already holds the file.
func WritePIDFile(path string) (*PIDFile, error) {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pidAlive(pid) {
			return nil, fmt.Errorf("pid file %s held by running process %d", path, pid)
		}
		// Stale file from an unclean shutdown
		os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return &PIDFile{path: path}, nil
}

// Remove deletes the PID file
func (p *PIDFile) Remove() error {
	return os.Remove(p.path)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering a signal
	return proc.Signal(syscall.Signal(0)) == nil
}

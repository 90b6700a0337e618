// Package daemon tracks the background server process through a pid file.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile records which process owns the running server.
type PIDFile struct {
	Path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire claims the pid file for the current process. It fails when the
// file already points at a live process; a stale file left behind by a
// crash is replaced silently.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}
	return p.WritePID(os.Getpid())
}

// WritePID records an arbitrary pid. The parent of a detached server uses
// this to record the child's pid before the child finishes starting up.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", p.Path, err)
	}
	return pid, nil
}

// Release removes the pid file.
func (p *PIDFile) Release() error {
	return os.Remove(p.Path)
}

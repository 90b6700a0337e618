//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reports whether the recorded pid belongs to a live process.
// Signal 0 probes for existence without delivering anything.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, syscall.Kill(pid, 0) == nil
}

// Signal delivers sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	return syscall.Kill(pid, sig)
}

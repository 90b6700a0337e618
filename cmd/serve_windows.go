//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op: Windows has no session detach equivalent.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals lists the signals that trigger a graceful shutdown.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM is the signal serve stop sends; delivery on Windows is
// best-effort.
func sigTERM() syscall.Signal { return syscall.SIGTERM }


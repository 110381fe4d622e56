//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// GracefulTerminate asks the process to shut down politely (SIGTERM).
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// ForceKill terminates the process immediately (SIGKILL).
func ForceKill(p *os.Process) error {
	return p.Kill()
}

// IsAlive reports whether a process with the given pid is still running.
func IsAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

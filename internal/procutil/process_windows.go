//go:build windows

package procutil

import (
	"os"
	"syscall"
)

const processQueryLimitedInformation = 0x1000

// GracefulTerminate terminates the process. On Windows, Process.Signal only
// supports os.Kill, so the polite and forceful paths are the same
// TerminateProcess call.
func GracefulTerminate(p *os.Process) error {
	return p.Kill()
}

// ForceKill terminates the process immediately.
func ForceKill(p *os.Process) error {
	return p.Kill()
}

// IsAlive reports whether a process with the given pid is still running by
// attempting to open a handle with PROCESS_QUERY_LIMITED_INFORMATION.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(h)
	return true
}

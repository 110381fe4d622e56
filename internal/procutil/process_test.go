package procutil

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func TestIsAliveSelf(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Fatal("IsAlive should return true for own process")
	}
}

func TestIsAliveInvalidPID(t *testing.T) {
	// A pid well beyond any realistic pid_max on any OS.
	if IsAlive(1<<30 - 1) {
		t.Fatal("IsAlive should return false for non-existent PID")
	}
}

// longRunningCmd returns a cross-platform exec.Cmd that blocks until killed.
func longRunningCmd() *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("waitfor", "BerthTestSignalNeverSent", "/T", "300")
	}
	return exec.Command("sleep", "300")
}

func TestGracefulTerminate(t *testing.T) {
	cmd := longRunningCmd()
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start subprocess: %v", err)
	}

	if err := GracefulTerminate(cmd.Process); err != nil {
		t.Fatalf("GracefulTerminate returned error: %v", err)
	}

	_ = cmd.Wait()
	time.Sleep(50 * time.Millisecond)

	if IsAlive(cmd.Process.Pid) {
		t.Fatal("process should not be alive after GracefulTerminate")
	}
}

func TestForceKill(t *testing.T) {
	cmd := longRunningCmd()
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start subprocess: %v", err)
	}

	if err := ForceKill(cmd.Process); err != nil {
		t.Fatalf("ForceKill returned error: %v", err)
	}

	_ = cmd.Wait()
	time.Sleep(50 * time.Millisecond)

	if IsAlive(cmd.Process.Pid) {
		t.Fatal("process should not be alive after ForceKill")
	}
}

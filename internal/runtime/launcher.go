package runtime

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/berth-ai/berth/internal/procutil"
)

var (
	// ErrBinaryUnset indicates the runtime binary path was not configured.
	ErrBinaryUnset = errors.New("runtime: binary path is empty")
	// ErrNotInstalled indicates the runtime binary does not exist on disk.
	ErrNotInstalled = errors.New("runtime: binary not installed")
)

// LaunchSpec describes a child process to spawn.
type LaunchSpec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string // appended to the inherited environment
}

// ProcessHandle is the manager's view of a spawned child process.
type ProcessHandle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Done yields the child's exit code exactly once, after Wait returns.
	Done() <-chan ExitResult
	// Terminate asks the child to exit gracefully (SIGTERM on unix).
	Terminate() error
	// Kill forcibly ends the child.
	Kill() error
	Alive() bool
}

// ExitResult carries the outcome of a child process exit.
type ExitResult struct {
	Code int
	Err  error // non-exit errors only (wait failures); exit codes are not errors
}

// ProcessLauncher spawns child processes. The exec implementation is the
// production path; tests substitute fakes.
type ProcessLauncher interface {
	Launch(spec LaunchSpec) (ProcessHandle, error)
}

type execLauncher struct{}

// NewExecLauncher returns the production launcher backed by os/exec.
func NewExecLauncher() ProcessLauncher { return execLauncher{} }

func (execLauncher) Launch(spec LaunchSpec) (ProcessHandle, error) {
	if strings.TrimSpace(spec.Binary) == "" {
		return nil, ErrBinaryUnset
	}
	if _, err := os.Stat(spec.Binary); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotInstalled, spec.Binary)
		}
		return nil, fmt.Errorf("runtime: stat binary: %w", err)
	}

	// exec.Command rather than CommandContext: stop escalation is driven
	// explicitly through signals so the child gets a graceful window.
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runtime: start %s: %w", spec.Binary, err)
	}

	h := &execHandle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan ExitResult, 1),
	}
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	done   chan ExitResult
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.done <- normalizeExit(err)
	close(h.done)
}

func normalizeExit(err error) ExitResult {
	if err == nil {
		return ExitResult{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitResult{Code: exitErr.ExitCode()}
	}
	return ExitResult{Code: -1, Err: err}
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdout() io.Reader       { return h.stdout }
func (h *execHandle) Stderr() io.Reader       { return h.stderr }
func (h *execHandle) Done() <-chan ExitResult { return h.done }

func (h *execHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return procutil.GracefulTerminate(h.cmd.Process)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return procutil.ForceKill(h.cmd.Process)
}

func (h *execHandle) Alive() bool {
	if h.cmd.Process == nil {
		return false
	}
	return procutil.IsAlive(h.cmd.Process.Pid)
}

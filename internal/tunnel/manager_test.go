package tunnel

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berth-ai/berth/internal/config"
	"github.com/berth-ai/berth/internal/eventbus"
	"github.com/berth-ai/berth/internal/runtime"
	"github.com/berth-ai/berth/internal/store"
)

type fakeHandle struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	done    chan runtime.ExitResult

	alive      atomic.Bool
	terminated atomic.Bool
	killed     atomic.Bool
	exitOnTerm bool
	exitOnKill bool
	exitOnce   sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	h := &fakeHandle{
		pid:        pid,
		done:       make(chan runtime.ExitResult, 1),
		exitOnTerm: true,
		exitOnKill: true,
	}
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	h.alive.Store(true)
	return h
}

func (h *fakeHandle) PID() int                        { return h.pid }
func (h *fakeHandle) Stdout() io.Reader               { return h.stdoutR }
func (h *fakeHandle) Stderr() io.Reader               { return h.stderrR }
func (h *fakeHandle) Done() <-chan runtime.ExitResult { return h.done }
func (h *fakeHandle) Alive() bool                     { return h.alive.Load() }

func (h *fakeHandle) exit(res runtime.ExitResult) {
	h.exitOnce.Do(func() {
		h.alive.Store(false)
		h.stdoutW.Close()
		h.stderrW.Close()
		h.done <- res
		close(h.done)
	})
}

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	if h.exitOnTerm {
		h.exit(runtime.ExitResult{Code: 0})
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	if h.exitOnKill {
		h.exit(runtime.ExitResult{Code: -1})
	}
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	specs   []runtime.LaunchSpec
	handles []*fakeHandle
	next    []*fakeHandle
	err     error
}

func (f *fakeLauncher) Launch(spec runtime.LaunchSpec) (runtime.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	var h *fakeHandle
	if len(f.next) > 0 {
		h = f.next[0]
		f.next = f.next[1:]
	} else {
		h = newFakeHandle(2000 + len(f.handles))
	}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeLauncher) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func newTestManager(t *testing.T, fl runtime.ProcessLauncher, bus *eventbus.Bus) *Manager {
	t.Helper()
	binDir := t.TempDir()
	paths := config.Paths{BinDir: binDir}
	// Pre-seed the cloudflared binary so Start never hits the network.
	if err := os.WriteFile(paths.TunnelBinaryPath(), []byte("stub"), 0o755); err != nil {
		t.Fatalf("seed tunnel binary: %v", err)
	}
	m := NewManager(fl, paths, bus)
	m.urlTimeout = 2 * time.Second
	m.stopTimeout = 200 * time.Millisecond
	return m
}

func ephemeralWorkspace() store.Workspace {
	return store.Workspace{ID: "ws-1", Name: "demo", Port: 4100, IsLocal: true}
}

func namedWorkspace() store.Workspace {
	return store.Workspace{
		ID:          "ws-2",
		Name:        "remote",
		Port:        4200,
		TunnelToken: "tok-123",
		TunnelURL:   "https://demo.example.com",
	}
}

func TestEphemeralStartExtractsURL(t *testing.T) {
	fl := &fakeLauncher{}
	bus := eventbus.New()
	defer bus.Shutdown()
	sub := eventbus.SubscribeTo(bus, eventbus.Tunnel.Status)
	defer sub.Close()

	m := newTestManager(t, fl, bus)

	h := newFakeHandle(10)
	fl.next = []*fakeHandle{h}
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.stderrW.Write([]byte("INF |  https://brave-fox-runs.trycloudflare.com  |\n"))
	}()

	url, err := m.Start(context.Background(), ephemeralWorkspace())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if url != "https://brave-fox-runs.trycloudflare.com" {
		t.Fatalf("Start() url = %q", url)
	}

	got, ok := m.PublicURL("ws-1")
	if !ok || got != url {
		t.Fatalf("PublicURL() = %q, %v; want running tunnel", got, ok)
	}

	spec := fl.specs[0]
	wantArgs := []string{"tunnel", "--url", "http://localhost:4100"}
	for i, a := range wantArgs {
		if spec.Args[i] != a {
			t.Fatalf("Args = %v, want %v", spec.Args, wantArgs)
		}
	}

	// starting then running on the bus.
	var statuses []eventbus.TunnelHealth
	deadline := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case env := <-sub.C():
			statuses = append(statuses, env.Payload.Status)
		case <-deadline:
			t.Fatalf("timed out waiting for events, saw %v", statuses)
		}
	}
	if statuses[0] != eventbus.TunnelStarting || statuses[1] != eventbus.TunnelRunning {
		t.Fatalf("event order = %v, want starting, running", statuses)
	}
}

func TestNamedModeReportsConfiguredURL(t *testing.T) {
	fl := &fakeLauncher{}
	m := newTestManager(t, fl, nil)

	h := newFakeHandle(11)
	fl.next = []*fakeHandle{h}
	go func() {
		time.Sleep(20 * time.Millisecond)
		// A stray trycloudflare URL must not override the configured one.
		h.stdoutW.Write([]byte("INF edge at https://stray.trycloudflare.com\n"))
		h.stdoutW.Write([]byte("INF Registered tunnel connection connIndex=0\n"))
	}()

	url, err := m.Start(context.Background(), namedWorkspace())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if url != "https://demo.example.com" {
		t.Fatalf("Start() url = %q, want configured URL", url)
	}

	spec := fl.specs[0]
	wantArgs := []string{"tunnel", "run", "--token", "tok-123"}
	for i, a := range wantArgs {
		if spec.Args[i] != a {
			t.Fatalf("Args = %v, want %v", spec.Args, wantArgs)
		}
	}
}

func TestStartNoOpWhenRunning(t *testing.T) {
	fl := &fakeLauncher{}
	m := newTestManager(t, fl, nil)

	h := newFakeHandle(12)
	fl.next = []*fakeHandle{h}
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.stdoutW.Write([]byte("https://first.trycloudflare.com\n"))
	}()

	url, err := m.Start(context.Background(), ephemeralWorkspace())
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	again, err := m.Start(context.Background(), ephemeralWorkspace())
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if again != url {
		t.Fatalf("second Start() url = %q, want existing %q", again, url)
	}
	if len(fl.specs) != 1 {
		t.Fatalf("launch count = %d, want 1", len(fl.specs))
	}
}

func TestStartTimeoutKillsProcess(t *testing.T) {
	fl := &fakeLauncher{}
	m := newTestManager(t, fl, nil)
	m.urlTimeout = 50 * time.Millisecond

	h := newFakeHandle(13)
	fl.next = []*fakeHandle{h} // never prints a URL

	_, err := m.Start(context.Background(), ephemeralWorkspace())
	var se *StartError
	if !errors.As(err, &se) {
		t.Fatalf("Start() error = %v, want StartError", err)
	}
	if !h.killed.Load() {
		t.Fatal("subprocess not killed after URL timeout")
	}
	if m.Running("ws-1") {
		t.Fatal("tunnel still tracked after failed startup")
	}
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	fl := &fakeLauncher{}
	m := newTestManager(t, fl, nil)

	h := newFakeHandle(14)
	fl.next = []*fakeHandle{h}
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.exit(runtime.ExitResult{Code: 1})
	}()

	_, err := m.Start(context.Background(), ephemeralWorkspace())
	var se *StartError
	if !errors.As(err, &se) {
		t.Fatalf("Start() error = %v, want StartError", err)
	}
	if m.Running("ws-1") {
		t.Fatal("tunnel tracked after early exit")
	}
}

func TestStopGraceful(t *testing.T) {
	fl := &fakeLauncher{}
	bus := eventbus.New()
	defer bus.Shutdown()
	sub := eventbus.SubscribeTo(bus, eventbus.Tunnel.Status)
	defer sub.Close()

	m := newTestManager(t, fl, bus)

	h := newFakeHandle(15)
	fl.next = []*fakeHandle{h}
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.stdoutW.Write([]byte("https://a.trycloudflare.com\n"))
	}()
	if _, err := m.Start(context.Background(), ephemeralWorkspace()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.Stop(context.Background(), "ws-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.terminated.Load() {
		t.Fatal("graceful terminate never attempted")
	}
	if h.killed.Load() {
		t.Fatal("kill used although terminate sufficed")
	}
	if m.Running("ws-1") {
		t.Fatal("tunnel still tracked after stop")
	}

	// The requested stop lands in Stopped with no exit code.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-sub.C():
			if env.Payload.Status != eventbus.TunnelStopped {
				continue
			}
			if env.Payload.ExitCode != nil {
				t.Fatalf("stopped event carries exit code %d, want none", *env.Payload.ExitCode)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for stopped event")
		}
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	fl := &fakeLauncher{}
	m := newTestManager(t, fl, nil)
	m.stopTimeout = 30 * time.Millisecond

	h := newFakeHandle(16)
	h.exitOnTerm = false
	fl.next = []*fakeHandle{h}
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.stdoutW.Write([]byte("https://b.trycloudflare.com\n"))
	}()
	if _, err := m.Start(context.Background(), ephemeralWorkspace()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.Stop(context.Background(), "ws-1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.killed.Load() {
		t.Fatal("kill not escalated after stop timeout")
	}
}

func TestStopAbsentTunnelIsNoOp(t *testing.T) {
	m := newTestManager(t, &fakeLauncher{}, nil)
	if err := m.Stop(context.Background(), "nothing"); err != nil {
		t.Fatalf("Stop() error = %v, want nil for absent tunnel", err)
	}
}

func TestStopAllStopsEveryTunnel(t *testing.T) {
	fl := &fakeLauncher{}
	m := newTestManager(t, fl, nil)

	h1 := newFakeHandle(17)
	h2 := newFakeHandle(18)
	fl.next = []*fakeHandle{h1, h2}

	go func() {
		time.Sleep(10 * time.Millisecond)
		h1.stdoutW.Write([]byte("https://one.trycloudflare.com\n"))
	}()
	if _, err := m.Start(context.Background(), ephemeralWorkspace()); err != nil {
		t.Fatalf("Start(ws-1) error = %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		h2.stdoutW.Write([]byte("INF Registered tunnel connection connIndex=0\n"))
	}()
	if _, err := m.Start(context.Background(), namedWorkspace()); err != nil {
		t.Fatalf("Start(ws-2) error = %v", err)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	if m.Running("ws-1") || m.Running("ws-2") {
		t.Fatal("tunnels still tracked after StopAll")
	}
	if !h1.terminated.Load() || !h2.terminated.Load() {
		t.Fatal("not every tunnel was signalled")
	}
}

package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/berth-ai/berth/internal/config"
	"github.com/berth-ai/berth/internal/eventbus"
	"github.com/berth-ai/berth/internal/runtime"
	"github.com/berth-ai/berth/internal/store"
)

// ErrBusy indicates another tunnel operation is in flight.
var ErrBusy = errors.New("tunnel: operation already in progress")

const (
	// defaultURLTimeout bounds how long an ephemeral tunnel may take to
	// print its assigned hostname before the subprocess is killed.
	defaultURLTimeout = 30 * time.Second

	// defaultStopTimeout is the graceful-to-forceful escalation window.
	// Shorter than the runtime's: cloudflared holds no local state worth
	// a long goodbye.
	defaultStopTimeout = 5 * time.Second
)

// StartError is a typed failure from tunnel startup.
type StartError struct {
	WorkspaceID string
	Message     string
	Err         error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tunnel: workspace %s: %s: %v", e.WorkspaceID, e.Message, e.Err)
	}
	return fmt.Sprintf("tunnel: workspace %s: %s", e.WorkspaceID, e.Message)
}

func (e *StartError) Unwrap() error { return e.Err }

// State is a snapshot of one tunnel's observable state.
type State struct {
	WorkspaceID string
	Status      eventbus.TunnelHealth
	PublicURL   string
	Message     string
}

// Manager supervises cloudflared subprocesses, one per workspace.
// Ephemeral tunnels get a random trycloudflare.com hostname scraped from
// the process output; named tunnels run with a pre-registered token and
// the workspace's configured URL.
type Manager struct {
	launcher  runtime.ProcessLauncher
	installer *installer
	bus       *eventbus.Bus

	urlTimeout  time.Duration
	stopTimeout time.Duration

	opMu sync.Mutex // serializes start/stop/stop-all

	mu      sync.Mutex
	tunnels map[string]*tunnelProc
}

type tunnelProc struct {
	workspaceID   string
	named         bool
	configuredURL string
	handle        runtime.ProcessHandle
	stopRequested atomic.Bool
	failMsg       string // set (under Manager.mu) before a startup-failure kill
	ready         chan string
	readyOnce     sync.Once
	exited        chan struct{}
	publicURL     string // set under Manager.mu once running
}

// NewManager wires a tunnel Manager. A nil bus disables event publication.
func NewManager(launcher runtime.ProcessLauncher, paths config.Paths, bus *eventbus.Bus) *Manager {
	return &Manager{
		launcher:    launcher,
		installer:   newInstaller(paths),
		bus:         bus,
		urlTimeout:  defaultURLTimeout,
		stopTimeout: defaultStopTimeout,
		tunnels:     make(map[string]*tunnelProc),
	}
}

// PublicURL returns the live tunnel URL for a workspace, if one is running.
func (m *Manager) PublicURL(workspaceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.tunnels[workspaceID]
	if !ok || tp.publicURL == "" {
		return "", false
	}
	return tp.publicURL, true
}

// Running reports whether a tunnel for the workspace is alive.
func (m *Manager) Running(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tunnels[workspaceID]
	return ok
}

// Start launches a tunnel for the workspace and blocks until the public
// URL is known or startup has failed. Starting a workspace whose tunnel is
// already running returns the existing URL.
func (m *Manager) Start(ctx context.Context, ws store.Workspace) (string, error) {
	if !m.opMu.TryLock() {
		return "", ErrBusy
	}
	defer m.opMu.Unlock()

	m.mu.Lock()
	if tp, ok := m.tunnels[ws.ID]; ok {
		url := tp.publicURL
		m.mu.Unlock()
		log.Printf("[Tunnel] Tunnel for workspace %s already running", ws.ID)
		return url, nil
	}
	m.mu.Unlock()

	bin, err := m.installer.ensureInstalled(ctx)
	if err != nil {
		return "", &StartError{WorkspaceID: ws.ID, Message: "cloudflared unavailable", Err: err}
	}

	named := ws.TunnelToken != ""
	var args []string
	if named {
		args = []string{"tunnel", "run", "--token", ws.TunnelToken}
	} else {
		args = []string{"tunnel", "--url", fmt.Sprintf("http://localhost:%d", ws.Port)}
	}

	handle, err := m.launcher.Launch(runtime.LaunchSpec{Binary: bin, Args: args})
	if err != nil {
		m.publish(State{WorkspaceID: ws.ID, Status: eventbus.TunnelError, Message: err.Error()}, nil)
		return "", &StartError{WorkspaceID: ws.ID, Message: "failed to start cloudflared", Err: err}
	}

	tp := &tunnelProc{
		workspaceID:   ws.ID,
		named:         named,
		configuredURL: ws.TunnelURL,
		handle:        handle,
		ready:         make(chan string, 1),
		exited:        make(chan struct{}),
	}

	m.mu.Lock()
	m.tunnels[ws.ID] = tp
	m.mu.Unlock()

	mode := "ephemeral"
	if named {
		mode = "named"
	}
	log.Printf("[Tunnel] cloudflared starting for workspace %s (%s mode, pid %d)", ws.ID, mode, handle.PID())
	m.publish(State{WorkspaceID: ws.ID, Status: eventbus.TunnelStarting}, nil)

	go m.scanStream(tp, handle.Stdout())
	go m.scanStream(tp, handle.Stderr())
	go m.monitor(tp)

	timeout := time.NewTimer(m.urlTimeout)
	defer timeout.Stop()

	select {
	case url := <-tp.ready:
		m.mu.Lock()
		tp.publicURL = url
		m.mu.Unlock()
		m.publish(State{WorkspaceID: ws.ID, Status: eventbus.TunnelRunning, PublicURL: url}, nil)
		log.Printf("[Tunnel] Workspace %s exposed at %s", ws.ID, url)
		return url, nil

	case <-tp.exited:
		return "", &StartError{WorkspaceID: ws.ID, Message: "cloudflared exited before the tunnel came up"}

	case <-timeout.C:
		m.mu.Lock()
		tp.failMsg = fmt.Sprintf("no public URL within %v", m.urlTimeout)
		m.mu.Unlock()
		tp.handle.Kill()
		<-tp.exited
		return "", &StartError{WorkspaceID: ws.ID, Message: fmt.Sprintf("tunnel did not come up within %v", m.urlTimeout)}

	case <-ctx.Done():
		m.mu.Lock()
		tp.failMsg = "startup cancelled"
		m.mu.Unlock()
		tp.handle.Kill()
		<-tp.exited
		return "", ctx.Err()
	}
}

// Stop terminates the tunnel for a workspace, escalating to a kill after
// the stop timeout. Stopping an absent tunnel is a no-op.
func (m *Manager) Stop(ctx context.Context, workspaceID string) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()
	return m.stopOne(ctx, workspaceID)
}

// StopAll terminates every live tunnel concurrently. Used on workspace
// switch and daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()

	m.mu.Lock()
	ids := make([]string, 0, len(m.tunnels))
	for id := range m.tunnels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error { return m.stopOne(ctx, id) })
	}
	return g.Wait()
}

func (m *Manager) stopOne(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	tp, ok := m.tunnels[workspaceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	tp.stopRequested.Store(true)
	log.Printf("[Tunnel] Stopping tunnel for workspace %s (pid %d)", workspaceID, tp.handle.PID())

	if err := tp.handle.Terminate(); err != nil {
		log.Printf("[Tunnel] Graceful terminate failed, killing: %v", err)
		tp.handle.Kill()
	}

	escalate := time.NewTimer(m.stopTimeout)
	defer escalate.Stop()

	select {
	case <-tp.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-escalate.C:
		log.Printf("[Tunnel] cloudflared did not exit within %v, killing pid %d", m.stopTimeout, tp.handle.PID())
		tp.handle.Kill()
	}

	select {
	case <-tp.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) scanStream(tp *tunnelProc, r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if tp.named {
			if isRegistrationSuccess(line) {
				tp.signalReady(tp.configuredURL)
			}
			continue
		}
		if url, ok := extractPublicURL(line); ok {
			tp.signalReady(url)
		}
	}
}

func (tp *tunnelProc) signalReady(url string) {
	tp.readyOnce.Do(func() { tp.ready <- url })
}

// monitor settles the tunnel's terminal state once the subprocess exits.
func (m *Manager) monitor(tp *tunnelProc) {
	res := <-tp.handle.Done()

	m.mu.Lock()
	if m.tunnels[tp.workspaceID] == tp {
		delete(m.tunnels, tp.workspaceID)
	}
	failMsg := tp.failMsg
	m.mu.Unlock()

	var final State
	code := res.Code
	exitCode := &code
	switch {
	case tp.stopRequested.Load():
		// Requested stops land in Stopped with no exit code attached.
		final = State{WorkspaceID: tp.workspaceID, Status: eventbus.TunnelStopped}
		exitCode = nil
		log.Printf("[Tunnel] Tunnel stopped for workspace %s", tp.workspaceID)
	case failMsg != "":
		final = State{WorkspaceID: tp.workspaceID, Status: eventbus.TunnelError, Message: failMsg}
		log.Printf("[Tunnel] Tunnel failed for workspace %s: %s", tp.workspaceID, failMsg)
	default:
		msg := fmt.Sprintf("cloudflared exited unexpectedly with code %d", code)
		final = State{WorkspaceID: tp.workspaceID, Status: eventbus.TunnelError, Message: msg}
		log.Printf("[Tunnel] %s (workspace %s)", msg, tp.workspaceID)
	}

	close(tp.exited)
	m.publish(final, exitCode)
}

func (m *Manager) publish(s State, exitCode *int) {
	eventbus.Publish(context.Background(), m.bus, eventbus.Tunnel.Status, eventbus.SourceTunnelManager, eventbus.TunnelStatusEvent{
		WorkspaceID: s.WorkspaceID,
		Status:      s.Status,
		PublicURL:   s.PublicURL,
		Message:     s.Message,
		ExitCode:    exitCode,
	})
}

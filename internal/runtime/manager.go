package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berth-ai/berth/internal/config"
	"github.com/berth-ai/berth/internal/eventbus"
	"github.com/berth-ai/berth/internal/store"
)

// ErrBusy indicates another start/stop/switch operation is in flight.
// Callers retry after the current operation settles rather than queueing.
var ErrBusy = errors.New("runtime: operation already in progress")

const (
	// readyMarker is scanned from agentd output to promote Starting to
	// Running. The grace period covers runtimes whose log format drifted.
	readyMarker = "listening on"

	defaultGracePeriod = 1 * time.Second
	defaultStopTimeout = 10 * time.Second
)

// Manager owns the single supervised agentd instance. At most one instance
// is alive at a time; start, stop, and switch are serialized and reject
// concurrent calls with ErrBusy.
type Manager struct {
	launcher  ProcessLauncher
	installer *Installer
	paths     config.Paths
	bus       *eventbus.Bus

	gracePeriod time.Duration
	stopTimeout time.Duration

	opMu sync.Mutex // serializes start/stop/switch

	mu    sync.Mutex // guards state and inst
	state State
	inst  *instance
}

// instance is the owned value for one spawned agentd process. It is
// created on start and dropped once the monitor confirms the exit.
type instance struct {
	workspaceID   string
	port          int
	handle        ProcessHandle
	stopRequested atomic.Bool
	readyOnce     sync.Once
	exited        chan struct{} // closed after the monitor records the exit
}

// NewManager wires a Manager. A nil bus disables event publication.
func NewManager(launcher ProcessLauncher, installer *Installer, paths config.Paths, bus *eventbus.Bus) *Manager {
	m := &Manager{
		launcher:    launcher,
		installer:   installer,
		paths:       paths,
		bus:         bus,
		gracePeriod: defaultGracePeriod,
		stopTimeout: defaultStopTimeout,
	}
	if installer != nil && installer.Installed() {
		m.state = State{Status: StatusStopped}
	} else {
		m.state = State{Status: StatusNotInstalled}
	}
	return m
}

// State returns a snapshot of the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running reports whether an instance is alive in Starting or Running.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst != nil
}

// Start spawns agentd for the given workspace. Starting while an instance
// is already alive is a no-op; starting without an installed binary is an
// error. A concurrent start/stop/switch yields ErrBusy.
func (m *Manager) Start(ctx context.Context, ws store.Workspace) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()
	return m.startLocked(ctx, ws)
}

// Stop terminates the current instance, escalating from a graceful signal
// to a forced kill after the stop timeout. Stopping with nothing running
// is a no-op. Stop resolves only once the process is confirmed dead.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()
	return m.stopLocked(ctx)
}

// SwitchWorkspace stops any current instance, then starts the requested
// workspace. The previous process is confirmed dead before the new one
// binds its port.
func (m *Manager) SwitchWorkspace(ctx context.Context, ws store.Workspace) error {
	if !m.opMu.TryLock() {
		return ErrBusy
	}
	defer m.opMu.Unlock()

	if err := m.stopLocked(ctx); err != nil {
		return fmt.Errorf("runtime: stop before switch: %w", err)
	}
	return m.startLocked(ctx, ws)
}

func (m *Manager) startLocked(ctx context.Context, ws store.Workspace) error {
	m.mu.Lock()
	if m.inst != nil {
		m.mu.Unlock()
		log.Printf("[Runtime] Start requested for %s but an instance is already running", ws.ID)
		return nil
	}
	m.mu.Unlock()

	if m.installer != nil && !m.installer.Installed() {
		m.setState(State{Status: StatusNotInstalled, WorkspaceID: ws.ID})
		return fmt.Errorf("runtime: start workspace %s: %w", ws.ID, ErrNotInstalled)
	}

	spec := LaunchSpec{
		Binary: m.paths.RuntimeBinaryPath(),
		Args: []string{
			"--port", strconv.Itoa(ws.Port),
			"--studio",
			"--cwd", ws.Path,
		},
		Dir: ws.Path,
	}

	handle, err := m.launcher.Launch(spec)
	if err != nil {
		m.setState(State{
			Status:      StatusError,
			WorkspaceID: ws.ID,
			Message:     fmt.Sprintf("failed to start agentd: %v", err),
		})
		return fmt.Errorf("runtime: start workspace %s: %w", ws.ID, err)
	}

	inst := &instance{
		workspaceID: ws.ID,
		port:        ws.Port,
		handle:      handle,
		exited:      make(chan struct{}),
	}

	m.mu.Lock()
	m.inst = inst
	m.state = State{Status: StatusStarting, WorkspaceID: ws.ID, Port: ws.Port}
	m.mu.Unlock()
	m.publishStatus(State{Status: StatusStarting, WorkspaceID: ws.ID, Port: ws.Port})
	log.Printf("[Runtime] agentd starting for workspace %s (pid %d, port %d)", ws.ID, handle.PID(), ws.Port)

	go m.scanStream(inst, eventbus.LogStreamStdout, handle.Stdout())
	go m.scanStream(inst, eventbus.LogStreamStderr, handle.Stderr())
	go m.monitor(inst)

	// Force-promote after the grace period if the process is still alive,
	// tolerating runtimes whose ready line drifted from the marker.
	grace := time.AfterFunc(m.gracePeriod, func() {
		if inst.handle.Alive() {
			m.promote(inst)
		}
	})
	go func() {
		<-inst.exited
		grace.Stop()
	}()

	return nil
}

func (m *Manager) stopLocked(ctx context.Context) error {
	m.mu.Lock()
	inst := m.inst
	m.mu.Unlock()
	if inst == nil {
		return nil
	}

	inst.stopRequested.Store(true)
	log.Printf("[Runtime] Stopping agentd for workspace %s (pid %d)", inst.workspaceID, inst.handle.PID())

	if err := inst.handle.Terminate(); err != nil {
		log.Printf("[Runtime] Graceful terminate failed, killing: %v", err)
		if killErr := inst.handle.Kill(); killErr != nil {
			return errors.Join(
				fmt.Errorf("runtime: terminate: %w", err),
				fmt.Errorf("runtime: kill: %w", killErr),
			)
		}
	}

	escalate := time.NewTimer(m.stopTimeout)
	defer escalate.Stop()

	select {
	case <-inst.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-escalate.C:
		log.Printf("[Runtime] agentd did not exit within %v, killing pid %d", m.stopTimeout, inst.handle.PID())
		if err := inst.handle.Kill(); err != nil {
			log.Printf("[Runtime] Kill failed: %v", err)
		}
	}

	select {
	case <-inst.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// promote moves the instance from Starting to Running exactly once.
func (m *Manager) promote(inst *instance) {
	inst.readyOnce.Do(func() {
		m.mu.Lock()
		if m.inst != inst || m.state.Status != StatusStarting {
			m.mu.Unlock()
			return
		}
		next := State{Status: StatusRunning, WorkspaceID: inst.workspaceID, Port: inst.port}
		m.state = next
		m.mu.Unlock()
		m.publishStatus(next)
		log.Printf("[Runtime] agentd running for workspace %s on port %d", inst.workspaceID, inst.port)
	})
}

func (m *Manager) scanStream(inst *instance, stream eventbus.LogStream, r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		eventbus.Publish(context.Background(), m.bus, eventbus.Runtime.Log, eventbus.SourceRuntimeProcess, eventbus.RuntimeLogEvent{
			WorkspaceID: inst.workspaceID,
			Stream:      stream,
			Line:        line,
			Timestamp:   time.Now().UTC(),
		})
		if strings.Contains(line, readyMarker) {
			m.promote(inst)
		}
	}
}

// monitor waits for the child to exit and settles the final state: a
// requested stop lands in Stopped, anything else in Error with the exit
// code. The instance is dropped before the state is published so observers
// never see a live handle behind a terminal status.
func (m *Manager) monitor(inst *instance) {
	res := <-inst.handle.Done()

	var next State
	if inst.stopRequested.Load() {
		next = State{Status: StatusStopped, WorkspaceID: inst.workspaceID}
		log.Printf("[Runtime] agentd stopped for workspace %s", inst.workspaceID)
	} else {
		code := res.Code
		msg := fmt.Sprintf("agentd exited unexpectedly with code %d", code)
		if res.Err != nil {
			msg = fmt.Sprintf("agentd wait failed: %v", res.Err)
		}
		next = State{Status: StatusError, WorkspaceID: inst.workspaceID, Message: msg, ExitCode: &code}
		log.Printf("[Runtime] %s (workspace %s)", msg, inst.workspaceID)
	}

	m.mu.Lock()
	if m.inst == inst {
		m.inst = nil
		m.state = next
	}
	m.mu.Unlock()
	close(inst.exited)
	m.publishStatus(next)
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
	m.publishStatus(next)
}

func (m *Manager) publishStatus(s State) {
	eventbus.Publish(context.Background(), m.bus, eventbus.Runtime.Status, eventbus.SourceRuntimeManager, eventbus.RuntimeStatusEvent{
		WorkspaceID: s.WorkspaceID,
		Status:      eventbus.RuntimeHealth(s.Status),
		Message:     s.Message,
		ExitCode:    s.ExitCode,
		Port:        s.Port,
	})
}

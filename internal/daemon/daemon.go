// Package daemon assembles the Berth control plane: store, event bus,
// secrets, runtime and tunnel supervision, authentication, coordinator,
// and the loopback HTTP surface the desktop shell talks to.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/berth-ai/berth/internal/auth"
	"github.com/berth-ai/berth/internal/bridge"
	"github.com/berth-ai/berth/internal/config"
	"github.com/berth-ai/berth/internal/coordinator"
	"github.com/berth-ai/berth/internal/eventbus"
	"github.com/berth-ai/berth/internal/license"
	"github.com/berth-ai/berth/internal/runtime"
	"github.com/berth-ai/berth/internal/secrets"
	"github.com/berth-ai/berth/internal/store"
	"github.com/berth-ai/berth/internal/tunnel"
)

// DefaultListenAddr is the loopback address the control surface binds to.
// The auth callback listener uses the adjacent port 8976.
const DefaultListenAddr = "127.0.0.1:8977"

const shutdownTimeout = 10 * time.Second

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Store *store.Store
	Paths config.Paths

	// ListenAddr overrides DefaultListenAddr; used by tests to bind port 0.
	ListenAddr string

	// Validator overrides the production licensing client; used by tests.
	Validator coordinator.LicenseValidator

	// Launcher overrides the exec-backed process launcher; used by tests.
	Launcher runtime.ProcessLauncher
}

// Daemon is the long-running control-plane process.
type Daemon struct {
	st    *store.Store
	paths config.Paths
	bus   *eventbus.Bus

	runtimeMgr *runtime.Manager
	installer  *runtime.Installer
	tunnelMgr  *tunnel.Manager
	authMgr    *auth.Manager
	coord      *coordinator.Coordinator
	events     *bridge.Server

	httpServer *http.Server
	listenAddr string

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
}

// installerAdapter bridges the installer's named Progress type to the
// coordinator's plain function signature.
type installerAdapter struct {
	in *runtime.Installer
}

func (a installerAdapter) Installed() bool { return a.in.Installed() }

func (a installerAdapter) Install(ctx context.Context, version string, progress func(written, total int64)) error {
	return a.in.Install(ctx, version, runtime.Progress(progress))
}

// New wires the daemon. The store must already be open; the daemon takes
// ownership and closes it on shutdown.
func New(opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: store is required")
	}

	paths := opts.Paths
	if paths.Home == "" {
		paths = config.GetPaths()
	}

	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}

	validator := opts.Validator
	if validator == nil {
		validator = license.NewClient()
	}

	bus := eventbus.New()
	tokens := secrets.NewTokenStore(opts.Store)
	launcher := opts.Launcher
	if launcher == nil {
		launcher = runtime.NewExecLauncher()
	}
	installer := runtime.NewInstaller(paths, opts.Store)
	runtimeMgr := runtime.NewManager(launcher, installer, paths, bus)
	tunnelMgr := tunnel.NewManager(launcher, paths, bus)
	authMgr := auth.NewManager(tokens, bus)
	coord := coordinator.New(opts.Store, runtimeMgr, installerAdapter{installer}, validator, paths, bus)

	d := &Daemon{
		st:         opts.Store,
		paths:      paths,
		bus:        bus,
		runtimeMgr: runtimeMgr,
		installer:  installer,
		tunnelMgr:  tunnelMgr,
		authMgr:    authMgr,
		coord:      coord,
		listenAddr: listenAddr,
		done:       make(chan struct{}),
	}
	d.events = bridge.NewServer(bus, func(ctx context.Context) (eventbus.AppStateEvent, error) {
		state, err := coord.State(ctx)
		if err != nil {
			return eventbus.AppStateEvent{}, err
		}
		return eventbus.AppStateEvent{
			Licensed:          state.Licensed,
			LicenseEmail:      state.LicenseEmail,
			WorkspacesEnabled: state.WorkspacesEnabled,
			RuntimeInstalled:  state.RuntimeInstalled,
		}, nil
	})
	d.httpServer = &http.Server{Handler: d.routes()}

	return d, nil
}

// Addr returns the bound control-surface address. Valid after Start.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Start binds the control surface and blocks until Shutdown is called or
// the HTTP server fails. Persisted state is validated before the listener
// accepts connections, so no client observes a pre-repair snapshot.
func (d *Daemon) Start() error {
	ctx := context.Background()

	if err := d.coord.ValidateAndSync(ctx); err != nil {
		return fmt.Errorf("daemon: validate persisted state: %w", err)
	}

	ln, err := net.Listen("tcp", d.listenAddr)
	if err != nil {
		return fmt.Errorf("daemon: bind %s: %w", d.listenAddr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	go d.events.Run()

	log.Printf("[Daemon] Control surface listening on %s", ln.Addr())
	if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("daemon: serve: %w", err)
	}
	return nil
}

// Shutdown tears the daemon down in dependency order: tunnels first, then
// the runtime child, then the event surfaces, finally the store.
func (d *Daemon) Shutdown() error {
	select {
	case <-d.done:
		return nil
	default:
		close(d.done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if err := d.tunnelMgr.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop tunnels: %w", err))
	}
	if err := d.runtimeMgr.Stop(ctx); err != nil && !errors.Is(err, runtime.ErrBusy) {
		errs = append(errs, fmt.Errorf("stop runtime: %w", err))
	}

	if err := d.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop control surface: %w", err))
	}
	d.events.Close()
	d.bus.Shutdown()

	if err := d.st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("daemon: shutdown: %w", errors.Join(errs...))
	}
	log.Printf("[Daemon] Shutdown complete")
	return nil
}

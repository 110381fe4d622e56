package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berth-ai/berth/internal/config"
	"github.com/berth-ai/berth/internal/eventbus"
	"github.com/berth-ai/berth/internal/store"
)

var (
	// ErrNotLicensed rejects workspace enablement without an active
	// license. Returned synchronously, before any side effect.
	ErrNotLicensed = errors.New("coordinator: workspaces require an active license")

	// ErrBusy indicates another coordinator operation is in flight.
	ErrBusy = errors.New("coordinator: operation already in progress")
)

const defaultWorkspacePort = 4100

// AppState is the unified snapshot observers receive. It never shows
// WorkspacesEnabled without Licensed.
type AppState struct {
	Licensed          bool
	LicenseEmail      string
	WorkspacesEnabled bool
	RuntimeInstalled  bool
}

// Identity is what license validation yields on success.
type Identity struct {
	Email string
}

// LicenseValidator is the external collaborator that checks a license key
// remotely. The coordinator never implements validation itself.
type LicenseValidator interface {
	Validate(ctx context.Context, key string) (Identity, error)
}

// RuntimeController is the coordinator's view of the runtime manager.
type RuntimeController interface {
	Start(ctx context.Context, ws store.Workspace) error
	Stop(ctx context.Context) error
	Running() bool
}

// RuntimeInstaller is the coordinator's view of the installer.
type RuntimeInstaller interface {
	Installed() bool
	Install(ctx context.Context, version string, progress func(written, total int64)) error
}

// Coordinator is the only writer of the workspaces-enabled flag. All its
// operations settle state fully before broadcasting, so no observer ever
// sees workspaces enabled without a license.
type Coordinator struct {
	store     *store.Store
	runtime   RuntimeController
	installer RuntimeInstaller
	validator LicenseValidator
	paths     config.Paths
	bus       *eventbus.Bus

	opMu sync.Mutex
}

// New wires a Coordinator. A nil bus disables broadcasts.
func New(st *store.Store, rt RuntimeController, in RuntimeInstaller, v LicenseValidator, paths config.Paths, bus *eventbus.Bus) *Coordinator {
	return &Coordinator{
		store:     st,
		runtime:   rt,
		installer: in,
		validator: v,
		paths:     paths,
		bus:       bus,
	}
}

// State returns the current application-state snapshot.
func (c *Coordinator) State(ctx context.Context) (AppState, error) {
	lic, err := c.store.License(ctx)
	if err != nil {
		return AppState{}, err
	}
	return AppState{
		Licensed:          lic.Licensed,
		LicenseEmail:      lic.Email,
		WorkspacesEnabled: lic.WorkspacesEnabled,
		RuntimeInstalled:  c.installer.Installed(),
	}, nil
}

// ValidateAndSync runs once at startup. Persisted state claiming enabled
// workspaces without a valid license is repaired — runtime stopped, flag
// flipped — before the first snapshot is broadcast, so the stale state is
// never observable.
func (c *Coordinator) ValidateAndSync(ctx context.Context) error {
	if !c.opMu.TryLock() {
		return ErrBusy
	}
	defer c.opMu.Unlock()

	lic, err := c.store.License(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: load license during sync: %w", err)
	}

	if lic.WorkspacesEnabled && !lic.Licensed {
		log.Printf("[Coordinator] Repairing stale state: workspaces enabled without a license")
		if err := c.stopRuntime(ctx); err != nil {
			return fmt.Errorf("coordinator: stop runtime during sync: %w", err)
		}
		if err := c.store.SetWorkspacesEnabled(ctx, false); err != nil {
			return fmt.Errorf("coordinator: disable workspaces during sync: %w", err)
		}
	}

	return c.broadcast(ctx)
}

// ActivateLicense validates the key with the external collaborator and
// persists the license identity. It never enables workspaces; that stays
// a separate user action.
func (c *Coordinator) ActivateLicense(ctx context.Context, key string) (AppState, error) {
	if !c.opMu.TryLock() {
		return AppState{}, ErrBusy
	}
	defer c.opMu.Unlock()

	ident, err := c.validator.Validate(ctx, key)
	if err != nil {
		return AppState{}, fmt.Errorf("coordinator: license validation failed: %w", err)
	}

	lic, err := c.store.License(ctx)
	if err != nil {
		return AppState{}, fmt.Errorf("coordinator: load license: %w", err)
	}
	lic.Licensed = true
	lic.Email = ident.Email
	lic.Key = key
	lic.LastValidatedAt = time.Now().UTC()
	if err := c.store.SaveLicense(ctx, lic); err != nil {
		return AppState{}, fmt.Errorf("coordinator: persist license: %w", err)
	}

	log.Printf("[Coordinator] License activated for %s", ident.Email)
	if err := c.broadcast(ctx); err != nil {
		return AppState{}, err
	}
	return c.State(ctx)
}

// DeactivateLicense clears the license. When workspaces are enabled they
// are disabled first — runtime stopped, flag off — and only then is the
// license cleared, so no observer ever sees unlicensed-but-enabled.
func (c *Coordinator) DeactivateLicense(ctx context.Context) error {
	if !c.opMu.TryLock() {
		return ErrBusy
	}
	defer c.opMu.Unlock()

	lic, err := c.store.License(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: load license: %w", err)
	}

	if lic.WorkspacesEnabled {
		if err := c.stopRuntime(ctx); err != nil {
			return fmt.Errorf("coordinator: stop runtime before deactivation: %w", err)
		}
		if err := c.store.SetWorkspacesEnabled(ctx, false); err != nil {
			return fmt.Errorf("coordinator: disable workspaces before deactivation: %w", err)
		}
		if err := c.broadcast(ctx); err != nil {
			return err
		}
	}

	if err := c.store.ClearLicense(ctx); err != nil {
		return fmt.Errorf("coordinator: clear license: %w", err)
	}
	log.Printf("[Coordinator] License deactivated")
	return c.broadcast(ctx)
}

// EnableWorkspaces turns the feature on: ensures the runtime binary is
// installed, locates or creates the default workspace, starts it, and only
// then flips the flag. A failed start leaves the flag off. Returns the id
// of the workspace that was started.
func (c *Coordinator) EnableWorkspaces(ctx context.Context) (string, error) {
	if !c.opMu.TryLock() {
		return "", ErrBusy
	}
	defer c.opMu.Unlock()

	lic, err := c.store.License(ctx)
	if err != nil {
		return "", fmt.Errorf("coordinator: load license: %w", err)
	}
	if !lic.Licensed {
		return "", ErrNotLicensed
	}

	if !c.installer.Installed() {
		log.Printf("[Coordinator] Runtime not installed, installing before enabling workspaces")
		if err := c.installer.Install(ctx, "", nil); err != nil {
			return "", fmt.Errorf("coordinator: install runtime: %w", err)
		}
	}

	ws, err := c.defaultWorkspace(ctx)
	if err != nil {
		return "", err
	}

	if err := c.runtime.Start(ctx, ws); err != nil {
		// Flag stays off: observers never see enabled-but-dead.
		return "", fmt.Errorf("coordinator: start workspace %s: %w", ws.ID, err)
	}

	if err := c.store.SetWorkspacesEnabled(ctx, true); err != nil {
		return "", fmt.Errorf("coordinator: enable workspaces: %w", err)
	}
	if err := c.store.TouchWorkspace(ctx, ws.ID, time.Now().UTC()); err != nil {
		log.Printf("[Coordinator] Failed to update workspace last-used time: %v", err)
	}

	log.Printf("[Coordinator] Workspaces enabled (workspace %s)", ws.ID)
	if err := c.broadcast(ctx); err != nil {
		return "", err
	}
	return ws.ID, nil
}

// DisableWorkspaces stops the runtime and turns the feature off.
func (c *Coordinator) DisableWorkspaces(ctx context.Context) error {
	if !c.opMu.TryLock() {
		return ErrBusy
	}
	defer c.opMu.Unlock()

	if err := c.stopRuntime(ctx); err != nil {
		return fmt.Errorf("coordinator: stop runtime: %w", err)
	}
	if err := c.store.SetWorkspacesEnabled(ctx, false); err != nil {
		return fmt.Errorf("coordinator: disable workspaces: %w", err)
	}
	log.Printf("[Coordinator] Workspaces disabled")
	return c.broadcast(ctx)
}

// stopRuntime stops the runtime only when something is actually running.
func (c *Coordinator) stopRuntime(ctx context.Context) error {
	if !c.runtime.Running() {
		return nil
	}
	return c.runtime.Stop(ctx)
}

// defaultWorkspace returns the active workspace, or the most recently used
// one, or creates a fresh default record.
func (c *Coordinator) defaultWorkspace(ctx context.Context) (store.Workspace, error) {
	if id, err := c.store.ActiveWorkspaceID(ctx); err == nil && id != "" {
		ws, err := c.store.Workspace(ctx, id)
		if err == nil {
			return ws, nil
		}
		if !store.IsNotFound(err) {
			return store.Workspace{}, fmt.Errorf("coordinator: load active workspace: %w", err)
		}
	}

	list, err := c.store.ListWorkspaces(ctx)
	if err != nil {
		return store.Workspace{}, fmt.Errorf("coordinator: list workspaces: %w", err)
	}
	if len(list) > 0 {
		return list[0], nil
	}

	ws := store.Workspace{
		ID:         uuid.NewString(),
		Name:       "Default",
		Path:       c.paths.Workspace,
		Port:       defaultWorkspacePort,
		IsLocal:    true,
		LastUsedAt: time.Now().UTC(),
	}
	if err := c.store.SaveWorkspace(ctx, ws); err != nil {
		return store.Workspace{}, fmt.Errorf("coordinator: create default workspace: %w", err)
	}
	if err := c.store.SetActiveWorkspace(ctx, ws.ID); err != nil {
		return store.Workspace{}, fmt.Errorf("coordinator: mark default workspace active: %w", err)
	}
	log.Printf("[Coordinator] Created default workspace %s at %s", ws.ID, ws.Path)
	return ws, nil
}

// broadcast publishes the current settled snapshot.
func (c *Coordinator) broadcast(ctx context.Context) error {
	state, err := c.State(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: snapshot for broadcast: %w", err)
	}
	eventbus.Publish(ctx, c.bus, eventbus.App.State, eventbus.SourceCoordinator, eventbus.AppStateEvent{
		Licensed:          state.Licensed,
		LicenseEmail:      state.LicenseEmail,
		WorkspacesEnabled: state.WorkspacesEnabled,
		RuntimeInstalled:  state.RuntimeInstalled,
	})
	return nil
}

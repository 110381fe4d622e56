package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/berth-ai/berth/internal/auth"
	"github.com/berth-ai/berth/internal/coordinator"
	"github.com/berth-ai/berth/internal/runtime"
	"github.com/berth-ai/berth/internal/store"
	"github.com/berth-ai/berth/internal/tunnel"
	"github.com/berth-ai/berth/internal/version"
)

// errorResponse is the standard JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[Daemon] failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeOpError maps domain errors onto HTTP statuses: busy operations are
// 409, missing license 403, missing records 404, command failures 502.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrBusy), errors.Is(err, runtime.ErrBusy), errors.Is(err, tunnel.ErrBusy):
		writeError(w, http.StatusConflict, "another operation is in progress")
	case errors.Is(err, coordinator.ErrNotLicensed):
		writeError(w, http.StatusForbidden, err.Error())
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", d.events.HandleWebSocket)
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/state", d.handleState)
	mux.HandleFunc("/license/activate", d.handleLicenseActivate)
	mux.HandleFunc("/license/deactivate", d.handleLicenseDeactivate)
	mux.HandleFunc("/workspaces", d.handleWorkspaces)
	mux.HandleFunc("/workspaces/enable", d.handleWorkspacesEnable)
	mux.HandleFunc("/workspaces/disable", d.handleWorkspacesDisable)
	mux.HandleFunc("/workspaces/switch", d.handleWorkspaceSwitch)
	mux.HandleFunc("/tunnels/start", d.handleTunnelStart)
	mux.HandleFunc("/tunnels/stop", d.handleTunnelStop)
	mux.HandleFunc("/auth/login", d.handleAuthLogin)
	mux.HandleFunc("/auth/logout", d.handleAuthLogout)
	mux.HandleFunc("/auth/status", d.handleAuthStatus)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

type stateResponse struct {
	Licensed          bool   `json:"licensed"`
	LicenseEmail      string `json:"licenseEmail,omitempty"`
	WorkspacesEnabled bool   `json:"workspacesEnabled"`
	RuntimeInstalled  bool   `json:"runtimeInstalled"`
	RuntimeStatus     string `json:"runtimeStatus"`
	RuntimeVersion    string `json:"runtimeVersion,omitempty"`
}

func (d *Daemon) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	state, err := d.coord.State(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Licensed:          state.Licensed,
		LicenseEmail:      state.LicenseEmail,
		WorkspacesEnabled: state.WorkspacesEnabled,
		RuntimeInstalled:  state.RuntimeInstalled,
		RuntimeStatus:     string(d.runtimeMgr.State().Status),
		RuntimeVersion:    d.installer.InstalledVersion(r.Context()),
	})
}

type activateRequest struct {
	Key string `json:"key"`
}

func (d *Daemon) handleLicenseActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	state, err := d.coord.ActivateLicense(r.Context(), req.Key)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		Licensed:          state.Licensed,
		LicenseEmail:      state.LicenseEmail,
		WorkspacesEnabled: state.WorkspacesEnabled,
		RuntimeInstalled:  state.RuntimeInstalled,
		RuntimeStatus:     string(d.runtimeMgr.State().Status),
	})
}

func (d *Daemon) handleLicenseDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := d.coord.DeactivateLicense(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type workspaceDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Port       int       `json:"port"`
	IsLocal    bool      `json:"isLocal"`
	TunnelURL  string    `json:"tunnelUrl,omitempty"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	Active     bool      `json:"active"`
}

func (d *Daemon) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list, err := d.st.ListWorkspaces(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	activeID, err := d.st.ActiveWorkspaceID(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	dtos := make([]workspaceDTO, len(list))
	for i, ws := range list {
		dtos[i] = workspaceDTO{
			ID:         ws.ID,
			Name:       ws.Name,
			Path:       ws.Path,
			Port:       ws.Port,
			IsLocal:    ws.IsLocal,
			TunnelURL:  ws.TunnelURL,
			LastUsedAt: ws.LastUsedAt,
			Active:     ws.ID == activeID,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (d *Daemon) handleWorkspacesEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := d.coord.EnableWorkspaces(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workspaceId": id})
}

func (d *Daemon) handleWorkspacesDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := d.coord.DisableWorkspaces(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type switchRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

func (d *Daemon) handleWorkspaceSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	ws, err := d.st.Workspace(r.Context(), req.WorkspaceID)
	if err != nil {
		writeOpError(w, err)
		return
	}
	// Tunnels forward to the outgoing workspace's port; stop them before
	// that port goes away.
	if err := d.tunnelMgr.StopAll(r.Context()); err != nil {
		writeOpError(w, err)
		return
	}
	if err := d.runtimeMgr.SwitchWorkspace(r.Context(), ws); err != nil {
		writeOpError(w, err)
		return
	}
	if err := d.st.SetActiveWorkspace(r.Context(), ws.ID); err != nil {
		writeOpError(w, err)
		return
	}
	if err := d.st.TouchWorkspace(r.Context(), ws.ID, time.Now().UTC()); err != nil {
		log.Printf("[Daemon] Failed to update workspace last-used time: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type tunnelRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

func (d *Daemon) handleTunnelStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req tunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	ws, err := d.st.Workspace(r.Context(), req.WorkspaceID)
	if err != nil {
		writeOpError(w, err)
		return
	}
	url, err := d.tunnelMgr.Start(r.Context(), ws)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicUrl": url})
}

func (d *Daemon) handleTunnelStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req tunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if err := d.tunnelMgr.Stop(r.Context(), req.WorkspaceID); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Endpoint string `json:"endpoint"`
	ClientID string `json:"clientId,omitempty"`
}

func (d *Daemon) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	// The browser round-trip can take minutes; decouple it from the HTTP
	// request context so closing the request does not abort the flow.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.authMgr.Login(ctx, req.Endpoint, req.ClientID); err != nil {
		var flowErr *auth.FlowError
		if errors.As(err, &flowErr) {
			writeError(w, http.StatusBadGateway, flowErr.Error())
			return
		}
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if err := d.authMgr.Logout(r.Context(), req.Endpoint); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"authenticated": d.authMgr.Authenticated(r.Context(), endpoint),
	})
}

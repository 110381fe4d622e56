package runtime

// Status describes the lifecycle state of the supervised agentd process.
type Status string

const (
	StatusNotInstalled Status = "not_installed"
	StatusStopped      Status = "stopped"
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusError        Status = "error"
)

// State is a snapshot of the manager's observable state.
type State struct {
	Status      Status
	WorkspaceID string
	Port        int
	Message     string
	ExitCode    *int
}

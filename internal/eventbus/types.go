package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicRuntimeStatus Topic = "runtime.status"
	TopicRuntimeLog    Topic = "runtime.log"
	TopicTunnelStatus  Topic = "tunnel.status"
	TopicAuthStatus    Topic = "auth.status"
	TopicAppState      Topic = "app.state"
)

// Source describes which component produced an event.
type Source string

const (
	SourceRuntimeManager Source = "runtime_manager"
	SourceRuntimeProcess Source = "runtime_process"
	SourceTunnelManager  Source = "tunnel_manager"
	SourceAuthManager    Source = "auth_manager"
	SourceCoordinator    Source = "coordinator"
	SourceUnknown        Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// RuntimeHealth is the supervised runtime's lifecycle state.
type RuntimeHealth string

const (
	RuntimeNotInstalled RuntimeHealth = "not_installed"
	RuntimeStopped      RuntimeHealth = "stopped"
	RuntimeStarting     RuntimeHealth = "starting"
	RuntimeRunning      RuntimeHealth = "running"
	RuntimeError        RuntimeHealth = "error"
)

// RuntimeStatusEvent announces a runtime lifecycle transition.
type RuntimeStatusEvent struct {
	WorkspaceID string        `json:"workspaceId,omitempty"`
	Status      RuntimeHealth `json:"status"`
	Message     string        `json:"message,omitempty"`
	ExitCode    *int          `json:"exitCode,omitempty"`
	Port        int           `json:"port,omitempty"`
}

// LogStream identifies which child stream produced a log line.
type LogStream string

const (
	LogStreamStdout LogStream = "stdout"
	LogStreamStderr LogStream = "stderr"
)

// RuntimeLogEvent carries one line of child-process output.
type RuntimeLogEvent struct {
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Stream      LogStream `json:"stream"`
	Line        string    `json:"line"`
	Timestamp   time.Time `json:"timestamp"`
}

// TunnelHealth is a tunnel subprocess's lifecycle state.
type TunnelHealth string

const (
	TunnelStopped  TunnelHealth = "stopped"
	TunnelStarting TunnelHealth = "starting"
	TunnelRunning  TunnelHealth = "running"
	TunnelError    TunnelHealth = "error"
)

// TunnelStatusEvent announces a tunnel lifecycle transition.
type TunnelStatusEvent struct {
	WorkspaceID string       `json:"workspaceId"`
	Status      TunnelHealth `json:"status"`
	PublicURL   string       `json:"publicUrl,omitempty"`
	Message     string       `json:"message,omitempty"`
	ExitCode    *int         `json:"exitCode,omitempty"`
}

// AuthStatusEvent announces a per-endpoint authentication change.
type AuthStatusEvent struct {
	Endpoint      string `json:"endpoint,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// AppStateEvent is the unified application-state snapshot broadcast by the
// coordinator. Observers never receive a snapshot where WorkspacesEnabled
// is true while Licensed is false.
type AppStateEvent struct {
	Licensed          bool   `json:"licensed"`
	LicenseEmail      string `json:"licenseEmail,omitempty"`
	WorkspacesEnabled bool   `json:"workspacesEnabled"`
	RuntimeInstalled  bool   `json:"runtimeInstalled"`
}

// Typed topic descriptors. Each TopicDef binds a Topic constant to its
// payload type so Publish and SubscribeTo are enforced at compile time.

// Runtime groups runtime topic descriptors.
var Runtime = struct {
	Status TopicDef[RuntimeStatusEvent]
	Log    TopicDef[RuntimeLogEvent]
}{
	Status: NewTopicDef[RuntimeStatusEvent](TopicRuntimeStatus),
	Log:    NewTopicDef[RuntimeLogEvent](TopicRuntimeLog),
}

// Tunnel groups tunnel topic descriptors.
var Tunnel = struct {
	Status TopicDef[TunnelStatusEvent]
}{
	Status: NewTopicDef[TunnelStatusEvent](TopicTunnelStatus),
}

// Auth groups authentication topic descriptors.
var Auth = struct {
	Status TopicDef[AuthStatusEvent]
}{
	Status: NewTopicDef[AuthStatusEvent](TopicAuthStatus),
}

// App groups application-state topic descriptors.
var App = struct {
	State TopicDef[AppStateEvent]
}{
	State: NewTopicDef[AppStateEvent](TopicAppState),
}

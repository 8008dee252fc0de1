// Package wire defines the runtime control channel protocol: the typed
// JSON messages a runtime and the hub exchange over their persistent
// link, distinct from the streaming frame protocol in pkg/frame.
//
// Every message is a single JSON object with a "type" discriminator.
// The first message from a runtime must be RuntimeReady; the hub
// responds with RuntimeConnected before accepting any other message.
package wire

import "github.com/tymbal-dev/tymbal/pkg/frame"

// ProtocolVersion is the control-channel protocol version advertised on
// the first server→runtime response.
const ProtocolVersion = "1.0"

// Message type discriminators.
const (
	// Runtime → Server
	TypeRuntimeReady    = "runtime_ready"
	TypeAgentCheckin    = "agent_checkin"
	TypeAgentHeartbeat  = "agent_heartbeat"
	TypeFrame           = "frame"
	TypePong            = "pong"

	// Server → Runtime
	TypeRuntimeConnected = "runtime_connected"
	TypeActivate         = "activate"
	TypeMessage          = "message"
	TypeSuspend          = "suspend"
	TypePing             = "ping"
)

// Error codes for the control-channel error envelope (spec.md §6).
const (
	ErrNotRegistered      = "NOT_REGISTERED"
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrRegistrationFailed = "REGISTRATION_FAILED"
	ErrInvalidFrame       = "invalid_frame"
	ErrProcessingError    = "processing_error"
	ErrEmptyBody          = "empty_body"
	ErrAuthFailed         = "auth_failed"
	ErrRateLimited        = "rate_limited"
)

// Envelope is the outer shape of every control-channel line: a type
// discriminator plus an opaque payload the caller unmarshals according
// to Type.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ErrorEnvelope is the shape of a control-channel error response.
type ErrorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// --- Runtime → Server payloads ---

// MachineInfo is free-form metadata a runtime reports about its host.
type MachineInfo struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
}

// RuntimeReady is the first message a runtime sends on connect. The hub
// looks the runtime up by RuntimeID; if absent, by (SpaceID, Name) to
// reclaim a prior record; otherwise it creates a new one.
type RuntimeReady struct {
	RuntimeID   string       `json:"runtimeId"`
	SpaceID     string       `json:"spaceId"`
	Name        string       `json:"name"`
	MachineInfo *MachineInfo `json:"machineInfo,omitempty"`
}

// AgentCheckin reports that an agent has finished activating.
type AgentCheckin struct {
	AgentID string `json:"agentId"`
}

// AgentHeartbeat refreshes liveness for an already-online agent.
type AgentHeartbeat struct {
	AgentID string `json:"agentId"`
}

// FrameMessage carries one streaming frame up from a runtime's engine.
type FrameMessage struct {
	AgentID string      `json:"agentId"`
	Frame   frame.Frame `json:"-"`
	Raw     []byte      `json:"-"`
}

// Pong answers a server Ping.
type Pong struct {
	Timestamp string `json:"timestamp"`
}

// --- Server → Runtime payloads ---

// RuntimeConnected acknowledges RuntimeReady, carrying whichever
// runtime id was effective (a new id, or a reclaimed prior one).
type RuntimeConnected struct {
	RuntimeID       string `json:"runtimeId"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Activate instructs a runtime to bring an agent online.
type Activate struct {
	AgentID       string            `json:"agentId"`
	SystemPrompt  string            `json:"systemPrompt,omitempty"`
	MCPServers    map[string]any    `json:"mcpServers,omitempty"`
	WorkspacePath string            `json:"workspacePath"`
}

// Message delivers a user (or agent) message to an already-active agent.
type Message struct {
	AgentID      string            `json:"agentId"`
	MessageID    string            `json:"messageId"`
	Content      string            `json:"content"`
	Sender       string            `json:"sender"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MCPServers   map[string]any    `json:"mcpServers,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Props        map[string]any    `json:"props,omitempty"`
}

// Suspend instructs a runtime to stop an agent.
type Suspend struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason,omitempty"`
}

// Ping is a liveness probe the server sends to a runtime.
type Ping struct {
	Timestamp string `json:"timestamp"`
}

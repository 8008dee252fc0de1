// Package store defines the Storage capability the core treats as an
// external collaborator (spec.md §6): message/channel/roster/runtime
// persistence, plus the bootstrap-token and audit tables the hub needs
// to run standalone. Two concrete backends are provided: SQLite
// (single-process default) and PostgreSQL (multi-process deployment).
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface consumed by the hub's core
// components.
type Store interface {
	// Spaces
	CreateSpace(ctx context.Context, sp *Space) error
	GetSpace(ctx context.Context, id string) (*Space, error)

	// Channels
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListChannels(ctx context.Context, spaceID string) ([]Channel, error)
	SetChannelLeader(ctx context.Context, channelID, leader string) error

	// Roster
	UpsertRosterEntry(ctx context.Context, r *RosterEntry) error
	GetRosterEntry(ctx context.Context, channelID, callsign string) (*RosterEntry, error)
	ListRoster(ctx context.Context, channelID string) ([]RosterEntry, error)
	TouchRosterHeartbeat(ctx context.Context, channelID, callsign string, at time.Time) error
	SetRosterStatus(ctx context.Context, channelID, callsign, status string) error

	// Runtimes
	UpsertRuntime(ctx context.Context, rt *Runtime) error
	GetRuntime(ctx context.Context, id string) (*Runtime, error)
	GetRuntimeByName(ctx context.Context, spaceID, name string) (*Runtime, error)
	ListRuntimes(ctx context.Context, spaceID string) ([]Runtime, error)
	SetRuntimeStatus(ctx context.Context, id, status string, lastSeenAt time.Time) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, channelID string, since, before *time.Time, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error

	// Costs
	RecordCost(ctx context.Context, c *CostRecord) error

	// Connections (durable record of a subscriber or runtime; the
	// authoritative set in a multi-process deployment — spec.md §9)
	UpsertConnection(ctx context.Context, c *ConnectionRecord) error
	SwitchConnectionChannel(ctx context.Context, connectionID, channelID string) error
	DeleteConnection(ctx context.Context, connectionID string) error
	ListConnectionsByChannel(ctx context.Context, channelID string) ([]ConnectionRecord, error)

	// Bootstrap tokens
	CreateBootstrapToken(ctx context.Context, t *BootstrapToken) error
	ConsumeBootstrapToken(ctx context.Context, token string) (*BootstrapToken, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, spaceID string, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error
	Close() error
}

// Space is a tenant: owns channels, runtimes, and secrets.
type Space struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a named chat surface in a space.
type Channel struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"space_id"`
	Name      string    `json:"name"`
	Leader    string    `json:"leader,omitempty"`
	Status    string    `json:"status"` // "active" (and legacy "published", see IsActiveStatus)
	CreatedAt time.Time `json:"created_at"`
}

// RosterEntry is an (agent callsign, channel) tuple.
type RosterEntry struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	Callsign      string    `json:"callsign"`
	AgentType     string    `json:"agent_type"`
	Status        string    `json:"status"` // lifecycle state, see internal/lifecycle
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RuntimeID     string    `json:"runtime_id,omitempty"`
}

// Runtime is a registered worker process under a space.
type Runtime struct {
	ID           string          `json:"id"`
	SpaceID      string          `json:"space_id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Status       string          `json:"status"` // "online" or "offline"
	Config       json.RawMessage `json:"config,omitempty"`
	LastSeenAt   time.Time       `json:"last_seen_at"`
	CreatedAt    time.Time       `json:"created_at"`
	ConnectionID string          `json:"connection_id,omitempty"`
}

// Message is a single logical utterance.
type Message struct {
	ID          string          `json:"id"`
	SpaceID     string          `json:"space_id"`
	ChannelID   string          `json:"channel_id"`
	Sender      string          `json:"sender"`
	SenderType  string          `json:"sender_type"` // "user" or "agent"
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	IsComplete  bool            `json:"is_complete"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CostRecord is written instead of a message for v.type=="cost" frames.
type CostRecord struct {
	SpaceID    string          `json:"space_id"`
	ChannelID  string          `json:"channel_id"`
	Callsign   string          `json:"callsign"`
	CostUSD    float64         `json:"cost_usd"`
	DurationMS int64           `json:"duration_ms"`
	NumTurns   int             `json:"num_turns"`
	Usage      json.RawMessage `json:"usage,omitempty"`
	ModelUsage json.RawMessage `json:"model_usage,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ConnectionRecord is a durable record of a subscriber or runtime.
type ConnectionRecord struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"` // "__pending__" means authenticated, not yet subscribed
	Role          string    `json:"role"`        // "client" or "runtime"
	AgentCallsign string    `json:"agent_callsign,omitempty"`
	ContainerID   string    `json:"container_id,omitempty"`
	RuntimeID     string    `json:"runtime_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// BootstrapToken is a short-lived opaque string exchanged once for a
// long-lived runtime credential.
type BootstrapToken struct {
	Token     string    `json:"token"`
	SpaceID   string    `json:"space_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	SpaceID   string          `json:"space_id"`
	Action    string          `json:"action"`
	RuntimeID string          `json:"runtime_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PendingChannelID is the pseudo-channel id for a connection that is
// authenticated but not yet subscribed to any real channel.
const PendingChannelID = "__pending__"

// legacyActiveStatuses are statuses treated as equivalent to "active"
// wherever a filter checks status=="active". The source system retains
// the legacy status "published" in several filters; per design, the two
// are treated as equivalent at read time and never normalized at write
// time (spec.md §9 Open Question).
var legacyActiveStatuses = map[string]bool{
	"active":    true,
	"published": true,
}

// IsActiveStatus reports whether status should be treated as "active",
// honoring the legacy "published" alias.
func IsActiveStatus(status string) bool {
	return legacyActiveStatuses[status]
}

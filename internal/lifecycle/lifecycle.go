// Package lifecycle implements the agent lifecycle manager (component E):
// the per-agent state machine and the activate/sendMessage/suspend
// contracts that drive it, grounded on the runtime's own session manager
// idiom (per-entity map guarded by a lock, idempotent operations).
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tymbal-dev/tymbal/pkg/agentid"
	"github.com/tymbal-dev/tymbal/pkg/frame"
	"github.com/tymbal-dev/tymbal/pkg/sortid"
)

// State is one of the six agent lifecycle states.
type State string

const (
	Offline    State = "offline"
	Activating State = "activating"
	Online     State = "online"
	Busy       State = "busy"
	Suspending State = "suspending"
	Error      State = "error"
)

var (
	ErrRuntimeNotConnected = errors.New("lifecycle: runtime not connected")
	ErrNotOnline           = errors.New("lifecycle: agent not online")
)

// ActivateOptions carries the payload for an activate command.
type ActivateOptions struct {
	SystemPrompt  string
	MCPServers    map[string]any
	WorkspacePath string
}

// MessageOptions carries the payload for a message command.
type MessageOptions struct {
	MessageID    string
	Content      string
	Sender       string
	SystemPrompt string
	MCPServers   map[string]any
	Environment  map[string]string
	Props        map[string]any
}

// RuntimeSender delivers control-channel commands to a connected runtime.
// The lifecycle manager never holds a websocket itself; this is its only
// side channel out to the connection hub.
type RuntimeSender interface {
	IsRuntimeConnected(runtimeID string) bool
	SendActivate(ctx context.Context, runtimeID, agentID string, opts ActivateOptions) error
	SendMessage(ctx context.Context, runtimeID, agentID string, opts MessageOptions) error
	SendSuspend(ctx context.Context, runtimeID, agentID, reason string) error
}

// FrameEmitter broadcasts a frame to a channel's subscribers. Lifecycle
// state transitions that the spec requires to surface as agent_state or
// status frames call through this, never touching the hub directly.
type FrameEmitter interface {
	EmitFrame(ctx context.Context, channelID string, f frame.Frame)
}

type entry struct {
	mu        sync.Mutex
	id        agentid.ID
	state     State
	runtimeID string
	updatedAt time.Time
	timer     *time.Timer
}

// Manager owns the canonical agent state map. All mutation goes through
// its transition methods; no other component is allowed to write state
// directly (spec.md §4.5's "shared-state discipline").
type Manager struct {
	sender  RuntimeSender
	emitter FrameEmitter
	logger  *slog.Logger

	checkinTimeout time.Duration

	mu     sync.RWMutex
	agents map[string]*entry
}

// New builds a Manager. checkinTimeout bounds how long an activating
// agent may go without an agent_checkin before moving to error.
func New(sender RuntimeSender, emitter FrameEmitter, checkinTimeout time.Duration, logger *slog.Logger) *Manager {
	if checkinTimeout == 0 {
		checkinTimeout = 30 * time.Second
	}
	return &Manager{
		sender:         sender,
		emitter:        emitter,
		logger:         logger.With("component", "lifecycle"),
		checkinTimeout: checkinTimeout,
		agents:         make(map[string]*entry),
	}
}

func (m *Manager) getOrCreate(id agentid.ID) *entry {
	key := id.Format()
	m.mu.RLock()
	e, ok := m.agents[key]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.agents[key]; ok {
		return e
	}
	e = &entry{id: id, state: Offline}
	m.agents[key] = e
	return e
}

// AgentsOnRuntime returns every agent currently bound to runtimeID,
// for the disconnect fan-out spec.md §4.4 requires ("for every agent
// currently bound to that runtime emit a status set-frame").
func (m *Manager) AgentsOnRuntime(runtimeID string) []agentid.ID {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []agentid.ID
	for _, e := range entries {
		e.mu.Lock()
		if e.runtimeID == runtimeID {
			out = append(out, e.id)
		}
		e.mu.Unlock()
	}
	return out
}

// AgentSnapshot is a point-in-time view of one tracked agent, used by
// the runtime's status dashboard.
type AgentSnapshot struct {
	ID        agentid.ID
	State     State
	RuntimeID string
	UpdatedAt time.Time
}

// Snapshot returns every agent the manager has ever seen, regardless of
// runtime binding. The dashboard uses this instead of a config-driven
// enumeration since an agent's full identity (space, channel, callsign)
// is only known once a frame has addressed it, not from static config.
func (m *Manager) Snapshot() []AgentSnapshot {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.agents))
	for _, e := range m.agents {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]AgentSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, AgentSnapshot{ID: e.id, State: e.state, RuntimeID: e.runtimeID, UpdatedAt: e.updatedAt})
		e.mu.Unlock()
	}
	return out
}

// State returns an agent's current lifecycle state, Offline if never seen.
func (m *Manager) State(id agentid.ID) State {
	m.mu.RLock()
	e, ok := m.agents[id.Format()]
	m.mu.RUnlock()
	if !ok {
		return Offline
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Activate brings an agent online on runtimeID. No-op (returns the
// current state, sends nothing) if the agent is already activating,
// online, or busy — per spec.md §4.5's idempotence requirement.
func (m *Manager) Activate(ctx context.Context, id agentid.ID, runtimeID string, opts ActivateOptions) (State, error) {
	e := m.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Offline && e.state != Error {
		return e.state, nil
	}
	if !m.sender.IsRuntimeConnected(runtimeID) {
		return e.state, ErrRuntimeNotConnected
	}
	if err := m.sender.SendActivate(ctx, runtimeID, id.Format(), opts); err != nil {
		return e.state, err
	}

	e.state = Activating
	e.runtimeID = runtimeID
	e.updatedAt = time.Now()
	m.armCheckinTimer(e)
	return Activating, nil
}

func (m *Manager) armCheckinTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	id := e.id
	e.timer = time.AfterFunc(m.checkinTimeout, func() { m.checkinTimedOut(id) })
}

func (m *Manager) checkinTimedOut(id agentid.ID) {
	e := m.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Activating {
		return
	}
	e.state = Error
	e.updatedAt = time.Now()
	m.logger.Warn("agent checkin timed out", "agent_id", id.Format())
}

// Checkin completes the activation handshake. Unexpected checkins in
// online/busy are tolerated and leave state unchanged.
func (m *Manager) Checkin(id agentid.ID) State {
	e := m.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Activating {
		return e.state
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.state = Online
	e.updatedAt = time.Now()
	m.emitAgentState(id, "online")
	return Online
}

// Heartbeat refreshes an online/busy agent's last-seen timestamp and
// rebroadcasts its current agent_state. No-op for any other state.
func (m *Manager) Heartbeat(id agentid.ID) {
	e := m.getOrCreate(id)
	e.mu.Lock()
	state := e.state
	if state == Online || state == Busy {
		e.updatedAt = time.Now()
	}
	e.mu.Unlock()

	if state == Online || state == Busy {
		m.emitAgentState(id, string(state))
	}
}

// Frame applies a non-agent_state set frame's idle flag to the busy/online
// toggle. Only effective from online or busy; any other state is
// unchanged (spec.md §4.5).
func (m *Manager) Frame(id agentid.ID, isIdle bool) State {
	e := m.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Online && e.state != Busy {
		return e.state
	}
	if isIdle {
		e.state = Online
	} else {
		e.state = Busy
	}
	e.updatedAt = time.Now()
	return e.state
}

// SendMessage delivers a user or agent message to an online/busy agent.
// Does not change agent state; the runtime protocol handler emits the
// authoritative transition if the connection drops.
func (m *Manager) SendMessage(ctx context.Context, id agentid.ID, opts MessageOptions) error {
	e := m.getOrCreate(id)
	e.mu.Lock()
	state := e.state
	runtimeID := e.runtimeID
	e.mu.Unlock()

	if state != Online && state != Busy {
		return ErrNotOnline
	}
	if !m.sender.IsRuntimeConnected(runtimeID) {
		return ErrRuntimeNotConnected
	}
	return m.sender.SendMessage(ctx, runtimeID, id.Format(), opts)
}

// Suspend idempotently stops an agent: best-effort suspend command to a
// still-connected runtime, unconditional transition to offline, bindings
// cleared.
func (m *Manager) Suspend(ctx context.Context, id agentid.ID, reason string) {
	e := m.getOrCreate(id)
	e.mu.Lock()
	runtimeID := e.runtimeID
	alreadyOffline := e.state == Offline
	if e.timer != nil {
		e.timer.Stop()
	}
	e.state = Offline
	e.runtimeID = ""
	e.updatedAt = time.Now()
	e.mu.Unlock()

	if alreadyOffline {
		return
	}
	if runtimeID != "" && m.sender.IsRuntimeConnected(runtimeID) {
		if err := m.sender.SendSuspend(ctx, runtimeID, id.Format(), reason); err != nil {
			m.logger.Warn("suspend command failed", "agent_id", id.Format(), "error", err)
		}
	}
	m.logger.Info("agent suspended", "agent_id", id.Format(), "reason", reason)
}

// Fail moves an agent to the error state, e.g. on engine error. Clears
// the runtime binding since the agent must be reactivated.
func (m *Manager) Fail(id agentid.ID, reason string) {
	e := m.getOrCreate(id)
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.state = Error
	e.runtimeID = ""
	e.updatedAt = time.Now()
	e.mu.Unlock()
	m.logger.Warn("agent moved to error", "agent_id", id.Format(), "reason", reason)
}

// Disconnect transitions an agent to offline because its runtime went
// away, and broadcasts the status set-frame spec.md §4.4 requires
// ("offline (runtime disconnected)") to the agent's channel.
func (m *Manager) Disconnect(id agentid.ID) {
	e := m.getOrCreate(id)
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.state = Offline
	e.runtimeID = ""
	e.updatedAt = time.Now()
	e.mu.Unlock()

	value, _ := json.Marshal(map[string]any{
		"type":    "status",
		"content": "offline (runtime disconnected)",
	})
	m.emitter.EmitFrame(context.Background(), id.ChannelID, frame.Frame{
		Kind:      frame.KindSet,
		ID:        sortid.New(),
		Timestamp: nowISO(),
		Value:     value,
	})
}

func (m *Manager) emitAgentState(id agentid.ID, state string) {
	value, _ := json.Marshal(map[string]any{
		"type":     "agent_state",
		"state":    state,
		"callsign": id.Callsign,
	})
	m.emitter.EmitFrame(context.Background(), id.ChannelID, frame.Frame{
		Kind:      frame.KindSet,
		ID:        sortid.New(),
		Timestamp: nowISO(),
		Value:     value,
	})
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

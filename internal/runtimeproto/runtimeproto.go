// Package runtimeproto implements the runtime protocol handler
// (component D): it interprets the typed control-channel messages a
// runtime's connection carries and the frame-shaped lines a client's
// connection carries, and is the only piece of the system that touches
// both the agent lifecycle manager and the persistence layer at once.
package runtimeproto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tymbal-dev/tymbal/internal/hub"
	"github.com/tymbal-dev/tymbal/internal/lifecycle"
	"github.com/tymbal-dev/tymbal/internal/mcpconfig"
	"github.com/tymbal-dev/tymbal/internal/store"
	"github.com/tymbal-dev/tymbal/pkg/agentid"
	"github.com/tymbal-dev/tymbal/pkg/frame"
	"github.com/tymbal-dev/tymbal/pkg/mention"
	"github.com/tymbal-dev/tymbal/pkg/sortid"
	"github.com/tymbal-dev/tymbal/pkg/wire"
)

var tracer = otel.Tracer("github.com/tymbal-dev/tymbal/internal/runtimeproto")

// RuntimeLink is the subset of *hub.Hub the handler needs to talk back
// to a runtime's control channel.
type RuntimeLink interface {
	SendToRuntime(runtimeID string, data []byte) error
	IsRuntimeConnected(runtimeID string) bool
}

// ClientLink is the subset of *hub.Hub the handler needs for
// channel broadcast and direct client delivery.
type ClientLink interface {
	Broadcast(ctx context.Context, channelID string, data []byte)
	SwitchChannel(connID, channelID string)
	SendToClient(connID string, data []byte) error
	ChannelUsernames(channelID string) []string
}

// Handler implements hub.RuntimeMessageHandler, hub.ClientMessageHandler,
// lifecycle.RuntimeSender, and lifecycle.FrameEmitter — it is the single
// adapter wiring the connection hub and the lifecycle manager to Storage.
type Handler struct {
	store     store.Store
	runtimes  RuntimeLink
	clients   ClientLink
	lifecycle *lifecycle.Manager
	logger    *slog.Logger

	mu         sync.Mutex
	registered map[string]bool // runtime ids that completed runtime_ready
}

// New builds a Handler without its lifecycle manager wired yet: since
// the manager's RuntimeSender and FrameEmitter are the Handler itself,
// construction is two steps — build the Handler, build the manager
// around it, then call SetLifecycle.
func New(st store.Store, runtimes RuntimeLink, clients ClientLink, logger *slog.Logger) *Handler {
	return &Handler{
		store:      st,
		runtimes:   runtimes,
		clients:    clients,
		logger:     logger.With("component", "runtimeproto"),
		registered: make(map[string]bool),
	}
}

// SetLifecycle completes construction by attaching the agent lifecycle
// manager this handler drives. Must be called before serving traffic.
func (h *Handler) SetLifecycle(lc *lifecycle.Manager) {
	h.lifecycle = lc
}

// --- lifecycle.RuntimeSender ---

func (h *Handler) IsRuntimeConnected(runtimeID string) bool {
	return h.runtimes.IsRuntimeConnected(runtimeID)
}

func (h *Handler) SendActivate(ctx context.Context, runtimeID, agentID string, opts lifecycle.ActivateOptions) error {
	if _, err := mcpconfig.ParseAndValidate(opts.MCPServers); err != nil {
		return fmt.Errorf("activate %s: %w", agentID, err)
	}
	return h.sendToRuntime(runtimeID, wire.TypeActivate, wire.Activate{
		AgentID:       agentID,
		SystemPrompt:  opts.SystemPrompt,
		MCPServers:    opts.MCPServers,
		WorkspacePath: opts.WorkspacePath,
	})
}

func (h *Handler) SendMessage(ctx context.Context, runtimeID, agentID string, opts lifecycle.MessageOptions) error {
	if _, err := mcpconfig.ParseAndValidate(opts.MCPServers); err != nil {
		return fmt.Errorf("message %s: %w", agentID, err)
	}
	return h.sendToRuntime(runtimeID, wire.TypeMessage, wire.Message{
		AgentID:      agentID,
		MessageID:    opts.MessageID,
		Content:      opts.Content,
		Sender:       opts.Sender,
		SystemPrompt: opts.SystemPrompt,
		MCPServers:   opts.MCPServers,
		Environment:  opts.Environment,
		Props:        opts.Props,
	})
}

func (h *Handler) SendSuspend(ctx context.Context, runtimeID, agentID, reason string) error {
	return h.sendToRuntime(runtimeID, wire.TypeSuspend, wire.Suspend{AgentID: agentID, Reason: reason})
}

func (h *Handler) sendToRuntime(runtimeID, msgType string, payload any) error {
	data, err := json.Marshal(wire.Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return h.runtimes.SendToRuntime(runtimeID, data)
}

// --- lifecycle.FrameEmitter ---

func (h *Handler) EmitFrame(ctx context.Context, channelID string, f frame.Frame) {
	data, err := frame.Serialize(f)
	if err != nil {
		h.logger.Error("serialize emitted frame failed", "error", err)
		return
	}
	h.clients.Broadcast(ctx, channelID, data)
}

// --- hub.RuntimeMessageHandler ---

// ResolveRuntime implements spec.md §4.4's runtime_ready handling: look
// up by id, else reclaim by (spaceId, name), else create.
func (h *Handler) ResolveRuntime(ctx context.Context, runtimeID, spaceID, name string, machineInfo json.RawMessage) (string, error) {
	now := time.Now()

	if runtimeID != "" {
		if rt, err := h.store.GetRuntime(ctx, runtimeID); err == nil && rt != nil {
			return h.bindRuntime(ctx, rt.ID, spaceID, name, machineInfo, now)
		}
	}
	if spaceID != "" && name != "" {
		if rt, err := h.store.GetRuntimeByName(ctx, spaceID, name); err == nil && rt != nil {
			return h.bindRuntime(ctx, rt.ID, spaceID, name, machineInfo, now)
		}
	}

	id := runtimeID
	if id == "" {
		id = sortid.New()
	}
	rt := &store.Runtime{
		ID:         id,
		SpaceID:    spaceID,
		Name:       name,
		Type:       "runtime",
		Status:     "online",
		Config:     machineInfo,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := h.store.UpsertRuntime(ctx, rt); err != nil {
		return "", fmt.Errorf("create runtime: %w", err)
	}
	h.markRegistered(id)
	h.logger.Info("runtime created", "runtime_id", id, "space_id", spaceID, "name", name)
	return id, nil
}

func (h *Handler) bindRuntime(ctx context.Context, id, spaceID, name string, machineInfo json.RawMessage, now time.Time) (string, error) {
	if err := h.store.SetRuntimeStatus(ctx, id, "online", now); err != nil {
		return "", fmt.Errorf("set runtime status: %w", err)
	}
	h.markRegistered(id)
	h.logger.Info("runtime reconnected", "runtime_id", id, "space_id", spaceID, "name", name)
	return id, nil
}

func (h *Handler) markRegistered(id string) {
	h.mu.Lock()
	h.registered[id] = true
	h.mu.Unlock()
}

func (h *Handler) isRegistered(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered[id]
}

// HandleRuntimeMessage dispatches one control-channel line from a
// runtime per spec.md §4.4's message table.
func (h *Handler) HandleRuntimeMessage(ctx context.Context, runtimeID string, raw []byte) {
	ctx, span := tracer.Start(ctx, "runtimeproto.HandleRuntimeMessage", trace.WithAttributes(
		attribute.String("runtime_id", runtimeID),
	))
	defer span.End()

	if !h.isRegistered(runtimeID) {
		h.sendRuntimeError(runtimeID, wire.ErrNotRegistered, "runtime has not completed registration")
		return
	}

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidMessage, "malformed control-channel line")
		return
	}

	switch env.Type {
	case wire.TypeAgentCheckin:
		h.handleAgentCheckin(ctx, runtimeID, env.Payload)
	case wire.TypeAgentHeartbeat:
		h.handleAgentHeartbeat(ctx, runtimeID, env.Payload)
	case wire.TypeFrame:
		h.handleRuntimeFrame(ctx, runtimeID, raw)
	case wire.TypePong:
		// liveness only; TouchRuntime already ran before dispatch.
	default:
		h.sendRuntimeError(runtimeID, wire.ErrInvalidMessage, "unknown message type: "+env.Type)
	}
}

func (h *Handler) decodePayload(payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (h *Handler) handleAgentCheckin(ctx context.Context, runtimeID string, payload any) {
	var checkin wire.AgentCheckin
	if err := h.decodePayload(payload, &checkin); err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidMessage, "invalid agent_checkin payload")
		return
	}
	id, err := agentid.Parse(checkin.AgentID)
	if err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidMessage, "invalid_agent_id")
		return
	}
	if err := h.store.TouchRosterHeartbeat(ctx, id.ChannelID, id.Callsign, time.Now()); err != nil {
		h.logger.Warn("roster heartbeat update failed", "agent_id", id.Format(), "error", err)
	}
	h.lifecycle.Checkin(id)
}

func (h *Handler) handleAgentHeartbeat(ctx context.Context, runtimeID string, payload any) {
	var hb wire.AgentHeartbeat
	if err := h.decodePayload(payload, &hb); err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidMessage, "invalid agent_heartbeat payload")
		return
	}
	id, err := agentid.Parse(hb.AgentID)
	if err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidMessage, "invalid_agent_id")
		return
	}
	now := time.Now()
	if err := h.store.SetRuntimeStatus(ctx, runtimeID, "online", now); err != nil {
		h.logger.Warn("runtime lastSeenAt update failed", "runtime_id", runtimeID, "error", err)
	}
	if err := h.store.TouchRosterHeartbeat(ctx, id.ChannelID, id.Callsign, now); err != nil {
		h.logger.Warn("roster heartbeat update failed", "agent_id", id.Format(), "error", err)
	}
	h.lifecycle.Heartbeat(id)
}

// frameEnvelope mirrors wire.FrameMessage, but with the nested frame
// line left as raw JSON since pkg/frame decodes its own grammar rather
// than the generic Go JSON tags wire.FrameMessage deliberately omits.
type frameEnvelope struct {
	AgentID string          `json:"agentId"`
	Frame   json.RawMessage `json:"frame"`
}

func (h *Handler) handleRuntimeFrame(ctx context.Context, runtimeID string, raw []byte) {
	var env struct {
		Payload frameEnvelope `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidFrame, "malformed frame envelope")
		return
	}
	id, err := agentid.Parse(env.Payload.AgentID)
	if err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidMessage, "invalid_agent_id")
		return
	}
	f, err := frame.Parse(env.Payload.Frame)
	if err != nil {
		h.sendRuntimeError(runtimeID, wire.ErrInvalidFrame, "malformed frame")
		return
	}

	if f.Kind == frame.KindSet {
		h.lifecycle.Frame(id, isIdleFrame(f))
		h.persistSetFrame(ctx, id, f)
	}

	data, err := frame.Serialize(f)
	if err != nil {
		h.logger.Error("serialize runtime frame failed", "error", err)
		return
	}
	h.clients.Broadcast(ctx, id.ChannelID, data)

	if err := h.store.TouchRosterHeartbeat(ctx, id.ChannelID, id.Callsign, time.Now()); err != nil {
		h.logger.Warn("roster heartbeat update failed", "agent_id", id.Format(), "error", err)
	}
}

func isIdleFrame(f frame.Frame) bool {
	var v struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(f.Value, &v)
	return v.Type == "idle"
}

// persistSetFrame applies spec.md §4.4's frame persistence policy. A
// storage failure is logged, not surfaced: broadcast must still proceed
// (spec.md §7's Integrity error kind favors availability over
// write-through durability).
func (h *Handler) persistSetFrame(ctx context.Context, id agentid.ID, f frame.Frame) {
	var v struct {
		Type       string          `json:"type"`
		CostUSD    float64         `json:"costUsd"`
		DurationMS int64           `json:"durationMs"`
		NumTurns   int             `json:"numTurns"`
		Usage      json.RawMessage `json:"usage"`
		ModelUsage json.RawMessage `json:"modelUsage"`
		Content    json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(f.Value, &v); err != nil {
		h.logger.Warn("unparseable set frame value, skipping persistence", "id", f.ID, "error", err)
		return
	}

	if v.Type == "cost" {
		rec := &store.CostRecord{
			SpaceID:    id.SpaceID,
			ChannelID:  id.ChannelID,
			Callsign:   id.Callsign,
			CostUSD:    v.CostUSD,
			DurationMS: v.DurationMS,
			NumTurns:   v.NumTurns,
			Usage:      v.Usage,
			ModelUsage: v.ModelUsage,
			CreatedAt:  time.Now(),
		}
		if err := h.store.RecordCost(ctx, rec); err != nil {
			h.logger.Warn("record cost failed", "agent_id", id.Format(), "error", err)
		}
		return
	}

	var content json.RawMessage
	switch v.Type {
	case "tool_call", "tool_result":
		content = f.Value
	default:
		if v.Content != nil {
			content = v.Content
		} else {
			content = f.Value
		}
	}

	msg := &store.Message{
		ID:         f.ID,
		SpaceID:    id.SpaceID,
		ChannelID:  id.ChannelID,
		Sender:     id.Callsign,
		SenderType: "agent",
		Type:       v.Type,
		Content:    content,
		IsComplete: true,
		CreatedAt:  time.Now(),
	}
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		h.logger.Warn("persist agent message failed", "agent_id", id.Format(), "error", err)
	}
}

// HandleRuntimeDisconnect implements spec.md §4.4's disconnect handling:
// mark the runtime offline and move every bound agent to offline.
func (h *Handler) HandleRuntimeDisconnect(ctx context.Context, runtimeID string) {
	h.mu.Lock()
	delete(h.registered, runtimeID)
	h.mu.Unlock()

	if err := h.store.SetRuntimeStatus(ctx, runtimeID, "offline", time.Now()); err != nil {
		h.logger.Warn("mark runtime offline failed", "runtime_id", runtimeID, "error", err)
	}

	for _, id := range h.lifecycle.AgentsOnRuntime(runtimeID) {
		h.lifecycle.Disconnect(id)
		if err := h.store.SetRosterStatus(ctx, id.ChannelID, id.Callsign, "offline"); err != nil {
			h.logger.Warn("mark roster offline failed", "agent_id", id.Format(), "error", err)
		}
	}
}

func (h *Handler) sendRuntimeError(runtimeID, code, message string) {
	data, err := json.Marshal(wire.ErrorEnvelope{Error: code, Message: message})
	if err != nil {
		return
	}
	if err := h.runtimes.SendToRuntime(runtimeID, data); err != nil {
		h.logger.Debug("send runtime error failed", "runtime_id", runtimeID, "code", code, "error", err)
	}
}

// --- hub.ClientMessageHandler ---

func (h *Handler) HandleClientConnect(ctx context.Context, c *hub.ClientConn) {
	rec := &store.ConnectionRecord{
		ID:          c.ID,
		ChannelID:   store.PendingChannelID,
		Role:        "client",
		ConnectedAt: time.Now(),
	}
	if err := h.store.UpsertConnection(ctx, rec); err != nil {
		h.logger.Warn("persist client connection failed", "conn_id", c.ID, "error", err)
	}
}

func (h *Handler) HandleClientDisconnect(ctx context.Context, c *hub.ClientConn) {
	if err := h.store.DeleteConnection(ctx, c.ID); err != nil {
		h.logger.Warn("delete client connection failed", "conn_id", c.ID, "error", err)
	}
}

// HandleClientMessage implements spec.md §4.3's client inbound handling:
// a sync-request goes to the sync path; any other frame is broadcast,
// and a set frame is also persisted and (for a user message)
// mention-routed to its targets.
func (h *Handler) HandleClientMessage(ctx context.Context, c *hub.ClientConn, raw []byte) {
	f, err := frame.Parse(raw)
	if err != nil {
		h.sendClientError(c.ID, wire.ErrInvalidFrame, "malformed line")
		return
	}

	if f.Kind == frame.KindSyncRequest {
		h.handleSync(ctx, c, f)
		return
	}

	h.handleClientFrame(ctx, c, f, raw)
}

func (h *Handler) handleSync(ctx context.Context, c *hub.ClientConn, f frame.Frame) {
	channelID := c.ChannelID
	if f.HasChannelID() {
		channelID = f.ChannelID
	}

	ch, err := h.store.GetChannel(ctx, channelID)
	if err != nil || ch == nil || ch.SpaceID != c.SpaceID {
		h.sendClientError(c.ID, wire.ErrInvalidMessage, "unknown or inaccessible channel")
		return
	}

	if err := h.store.SwitchConnectionChannel(ctx, c.ID, channelID); err != nil {
		h.logger.Warn("persist channel switch failed", "conn_id", c.ID, "error", err)
	}
	h.clients.SwitchChannel(c.ID, channelID)

	var since, before *time.Time
	if f.Since != nil {
		if t, err := time.Parse(time.RFC3339, *f.Since); err == nil {
			since = &t
		}
	}
	if f.Before != nil {
		if t, err := time.Parse(time.RFC3339, *f.Before); err == nil {
			before = &t
		}
	}
	limit := 100
	if f.Limit != nil {
		limit = *f.Limit
	}

	messages, err := h.store.GetMessages(ctx, channelID, since, before, limit)
	if err != nil {
		h.logger.Warn("sync replay fetch failed", "channel_id", channelID, "error", err)
		messages = nil
	}
	for _, m := range messages {
		replay := frame.Frame{
			Kind:      frame.KindSet,
			ID:        m.ID,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339Nano),
			Value:     m.Content,
		}
		data, err := frame.Serialize(replay)
		if err != nil {
			continue
		}
		if err := h.clients.SendToClient(c.ID, data); err != nil {
			return // peer gone; hub's read loop will reap it
		}
	}

	sync := frame.Frame{Kind: frame.KindSyncResponse, Sync: time.Now().UTC().Format(time.RFC3339Nano)}
	if data, err := frame.Serialize(sync); err == nil {
		_ = h.clients.SendToClient(c.ID, data)
	}
}

func (h *Handler) handleClientFrame(ctx context.Context, c *hub.ClientConn, f frame.Frame, raw []byte) {
	channelID := c.ChannelID
	if channelID == "" || channelID == store.PendingChannelID {
		h.sendClientError(c.ID, wire.ErrInvalidMessage, "not subscribed to a channel")
		return
	}

	h.clients.Broadcast(ctx, channelID, raw)

	if f.Kind != frame.KindSet {
		return
	}

	var v struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	_ = json.Unmarshal(f.Value, &v)

	content := v.Content
	if content == nil {
		content = f.Value
	}
	msg := &store.Message{
		ID:         f.ID,
		SpaceID:    c.SpaceID,
		ChannelID:  channelID,
		Sender:     c.Username,
		SenderType: "user",
		Type:       v.Type,
		Content:    content,
		IsComplete: true,
		CreatedAt:  time.Now(),
	}
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		h.logger.Warn("persist client message failed", "conn_id", c.ID, "error", err)
	}

	h.routeToAgents(ctx, c, channelID, v.Type, textOf(content))
}

func textOf(content json.RawMessage) string {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(content, &obj)
	return obj.Text
}

func (h *Handler) routeToAgents(ctx context.Context, c *hub.ClientConn, channelID, msgType, text string) {
	if msgType != "" && msgType != "user" {
		return
	}
	roster, err := h.store.ListRoster(ctx, channelID)
	if err != nil {
		h.logger.Warn("load roster for mention routing failed", "channel_id", channelID, "error", err)
		return
	}
	ch, err := h.store.GetChannel(ctx, channelID)
	if err != nil {
		h.logger.Warn("load channel for mention routing failed", "channel_id", channelID, "error", err)
		return
	}

	agents := make([]string, 0, len(roster))
	for _, r := range roster {
		agents = append(agents, r.Callsign)
	}
	result := mention.Route(text, c.Username, mention.SenderUser, mention.Roster{
		Agents: agents,
		Users:  h.clients.ChannelUsernames(channelID),
		Leader: ch.Leader,
	})

	for _, target := range result.Targets {
		id := agentid.ID{SpaceID: c.SpaceID, ChannelID: channelID, Callsign: target}
		err := h.lifecycle.SendMessage(ctx, id, lifecycle.MessageOptions{
			MessageID: sortid.New(),
			Content:   text,
			Sender:    c.Username,
		})
		if err != nil {
			h.logger.Debug("deliver message to agent failed", "agent_id", id.Format(), "error", err)
		}
	}
}

func (h *Handler) sendClientError(connID, code, message string) {
	data, err := json.Marshal(wire.ErrorEnvelope{Error: code, Message: message})
	if err != nil {
		return
	}
	if err := h.clients.SendToClient(connID, data); err != nil {
		h.logger.Debug("send client error failed", "conn_id", connID, "code", code, "error", err)
	}
}

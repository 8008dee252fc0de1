package runtimeproto

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tymbal-dev/tymbal/internal/hub"
	"github.com/tymbal-dev/tymbal/internal/lifecycle"
	"github.com/tymbal-dev/tymbal/internal/store"
	"github.com/tymbal-dev/tymbal/pkg/agentid"
	"github.com/tymbal-dev/tymbal/pkg/wire"
)

type fakeLink struct {
	mu        sync.Mutex
	connected map[string]bool
	toRuntime map[string][][]byte
	toClient  map[string][][]byte
	broadcast map[string][][]byte
	switched  map[string]string
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		connected: map[string]bool{},
		toRuntime: map[string][][]byte{},
		toClient:  map[string][][]byte{},
		broadcast: map[string][][]byte{},
		switched:  map[string]string{},
	}
}

func (f *fakeLink) IsRuntimeConnected(runtimeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[runtimeID]
}

func (f *fakeLink) SendToRuntime(runtimeID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRuntime[runtimeID] = append(f.toRuntime[runtimeID], data)
	return nil
}

func (f *fakeLink) Broadcast(ctx context.Context, channelID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast[channelID] = append(f.broadcast[channelID], data)
}

func (f *fakeLink) SwitchChannel(connID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched[connID] = channelID
}

func (f *fakeLink) SendToClient(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toClient[connID] = append(f.toClient[connID], data)
	return nil
}

func (f *fakeLink) ChannelUsernames(channelID string) []string {
	return nil
}

func (f *fakeLink) lastBroadcast(channelID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.broadcast[channelID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (f *fakeLink) runtimeMessages(runtimeID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toRuntime[runtimeID]
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestHandler(t *testing.T) (*Handler, store.Store, *fakeLink) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	link := newFakeLink()
	link.connected["rt-1"] = true

	h := New(st, link, link, testLogger())
	lc := lifecycle.New(h, h, time.Second, testLogger())
	h.SetLifecycle(lc)
	return h, st, link
}

func seedChannel(t *testing.T, st store.Store, spaceID, channelID, leader string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateSpace(ctx, &store.Space{ID: spaceID, Name: spaceID, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create space: %v", err)
	}
	if err := st.CreateChannel(ctx, &store.Channel{ID: channelID, SpaceID: spaceID, Name: channelID, Status: "active", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if leader != "" {
		if err := st.SetChannelLeader(ctx, channelID, leader); err != nil {
			t.Fatalf("set leader: %v", err)
		}
	}
}

func seedRoster(t *testing.T, st store.Store, channelID, callsign string) {
	t.Helper()
	if err := st.UpsertRosterEntry(context.Background(), &store.RosterEntry{
		ID: channelID + ":" + callsign, ChannelID: channelID, Callsign: callsign, AgentType: "test", Status: "offline",
	}); err != nil {
		t.Fatalf("upsert roster: %v", err)
	}
}

func TestResolveRuntimeCreatesWhenAbsent(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()

	id, err := h.ResolveRuntime(ctx, "", "sp1", "box-a", nil)
	if err != nil {
		t.Fatalf("ResolveRuntime: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated runtime id")
	}
	rt, err := st.GetRuntime(ctx, id)
	if err != nil || rt == nil {
		t.Fatalf("expected runtime persisted, err=%v", err)
	}
	if rt.Status != "online" {
		t.Errorf("status = %s, want online", rt.Status)
	}
}

func TestResolveRuntimeReclaimsByName(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()

	_ = st.UpsertRuntime(ctx, &store.Runtime{ID: "rt-old", SpaceID: "sp1", Name: "box-a", Status: "offline", CreatedAt: time.Now()})

	id, err := h.ResolveRuntime(ctx, "", "sp1", "box-a", nil)
	if err != nil {
		t.Fatalf("ResolveRuntime: %v", err)
	}
	if id != "rt-old" {
		t.Fatalf("id = %s, want reclaimed rt-old", id)
	}
}

func TestHandleAgentCheckinUpdatesRosterAndState(t *testing.T) {
	h, st, link := newTestHandler(t)
	ctx := context.Background()
	seedChannel(t, st, "sp1", "ch1", "scout")
	seedRoster(t, st, "ch1", "scout")

	if _, err := h.ResolveRuntime(ctx, "rt-1", "sp1", "box-a", nil); err != nil {
		t.Fatalf("ResolveRuntime: %v", err)
	}

	if _, err := h.lifecycle.Activate(ctx, testAgentID(), "rt-1", lifecycle.ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	env := wire.Envelope{Type: wire.TypeAgentCheckin, Payload: wire.AgentCheckin{AgentID: "sp1:ch1:scout"}}
	raw, _ := json.Marshal(env)
	h.HandleRuntimeMessage(ctx, "rt-1", raw)

	if got := h.lifecycle.State(testAgentID()); got != lifecycle.Online {
		t.Fatalf("state = %v, want Online", got)
	}

	entry, err := st.GetRosterEntry(ctx, "ch1", "scout")
	if err != nil || entry == nil {
		t.Fatalf("roster entry missing: %v", err)
	}
	if entry.LastHeartbeat.IsZero() {
		t.Error("expected lastHeartbeat to be set")
	}

	frame := link.lastBroadcast("ch1")
	if frame == nil {
		t.Fatal("expected agent_state broadcast")
	}
}

func TestHandleRuntimeMessageRejectsUnregistered(t *testing.T) {
	h, _, link := newTestHandler(t)
	ctx := context.Background()

	env := wire.Envelope{Type: wire.TypeAgentCheckin, Payload: wire.AgentCheckin{AgentID: "sp1:ch1:scout"}}
	raw, _ := json.Marshal(env)
	h.HandleRuntimeMessage(ctx, "rt-unknown", raw)

	msgs := link.runtimeMessages("rt-unknown")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one rejection sent, got %d", len(msgs))
	}
	var errEnv wire.ErrorEnvelope
	if err := json.Unmarshal(msgs[0], &errEnv); err != nil || errEnv.Error != wire.ErrNotRegistered {
		t.Fatalf("expected NOT_REGISTERED, got %s", msgs[0])
	}
}

func TestHandleRuntimeFramePersistsAndBroadcasts(t *testing.T) {
	h, st, link := newTestHandler(t)
	ctx := context.Background()
	seedChannel(t, st, "sp1", "ch1", "scout")
	seedRoster(t, st, "ch1", "scout")
	if _, err := h.ResolveRuntime(ctx, "rt-1", "sp1", "box-a", nil); err != nil {
		t.Fatalf("ResolveRuntime: %v", err)
	}
	if _, err := h.lifecycle.Activate(ctx, testAgentID(), "rt-1", lifecycle.ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.lifecycle.Checkin(testAgentID())

	frameLine := `{"i":"msg-1","t":"2026-01-01T00:00:00Z","v":{"type":"assistant","content":"hi there"}}`
	env := map[string]any{
		"type": "frame",
		"payload": map[string]any{
			"agentId": "sp1:ch1:scout",
			"frame":   json.RawMessage(frameLine),
		},
	}
	raw, _ := json.Marshal(env)
	h.HandleRuntimeMessage(ctx, "rt-1", raw)

	msgs, err := st.GetMessages(ctx, "ch1", nil, nil, 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "msg-1" {
		t.Fatalf("expected one persisted message with id msg-1, got %+v", msgs)
	}

	if link.lastBroadcast("ch1") == nil {
		t.Fatal("expected frame broadcast to channel")
	}
}

func TestHandleRuntimeFrameCostRecord(t *testing.T) {
	h, st, _ := newTestHandler(t)
	ctx := context.Background()
	seedChannel(t, st, "sp1", "ch1", "scout")
	seedRoster(t, st, "ch1", "scout")
	if _, err := h.ResolveRuntime(ctx, "rt-1", "sp1", "box-a", nil); err != nil {
		t.Fatalf("ResolveRuntime: %v", err)
	}

	frameLine := `{"i":"msg-2","t":"2026-01-01T00:00:00Z","v":{"type":"cost","costUsd":0.02,"durationMs":500,"numTurns":1}}`
	env := map[string]any{
		"type": "frame",
		"payload": map[string]any{
			"agentId": "sp1:ch1:scout",
			"frame":   json.RawMessage(frameLine),
		},
	}
	raw, _ := json.Marshal(env)
	h.HandleRuntimeMessage(ctx, "rt-1", raw)

	msgs, _ := st.GetMessages(ctx, "ch1", nil, nil, 10)
	if len(msgs) != 0 {
		t.Fatalf("expected zero persisted messages for a cost frame, got %d", len(msgs))
	}
}

func TestHandleRuntimeDisconnectMovesBoundAgentsOffline(t *testing.T) {
	h, st, link := newTestHandler(t)
	ctx := context.Background()
	seedChannel(t, st, "sp1", "ch1", "scout")
	seedRoster(t, st, "ch1", "scout")
	if _, err := h.ResolveRuntime(ctx, "rt-1", "sp1", "box-a", nil); err != nil {
		t.Fatalf("ResolveRuntime: %v", err)
	}
	if _, err := h.lifecycle.Activate(ctx, testAgentID(), "rt-1", lifecycle.ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.lifecycle.Checkin(testAgentID())

	h.HandleRuntimeDisconnect(ctx, "rt-1")

	if got := h.lifecycle.State(testAgentID()); got != lifecycle.Offline {
		t.Fatalf("state = %v, want Offline", got)
	}
	rt, err := st.GetRuntime(ctx, "rt-1")
	if err != nil || rt.Status != "offline" {
		t.Fatalf("runtime status = %+v, want offline", rt)
	}

	frame := link.lastBroadcast("ch1")
	var decoded struct {
		V struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"v"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("decode disconnect frame: %v", err)
	}
	if decoded.V.Type != "status" || decoded.V.Content != "offline (runtime disconnected)" {
		t.Errorf("disconnect frame = %+v", decoded)
	}
}

func TestHandleClientMessageRoutesMentionAndPersists(t *testing.T) {
	h, st, link := newTestHandler(t)
	ctx := context.Background()
	seedChannel(t, st, "sp1", "ch1", "scout")
	seedRoster(t, st, "ch1", "scout")
	if _, err := h.ResolveRuntime(ctx, "rt-1", "sp1", "box-a", nil); err != nil {
		t.Fatalf("ResolveRuntime: %v", err)
	}
	if _, err := h.lifecycle.Activate(ctx, testAgentID(), "rt-1", lifecycle.ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	h.lifecycle.Checkin(testAgentID())

	c := &hub.ClientConn{ID: "conn-1", UserID: "u1", Username: "casey", SpaceID: "sp1", ChannelID: "ch1"}
	line := `{"i":"cm-1","t":"2026-01-01T00:00:00Z","v":{"type":"user","content":"@scout ship it"}}`
	h.HandleClientMessage(ctx, c, []byte(line))

	msgs, err := st.GetMessages(ctx, "ch1", nil, nil, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one persisted client message, got %+v err=%v", msgs, err)
	}

	if link.lastBroadcast("ch1") == nil {
		t.Fatal("expected client message broadcast")
	}

	runtimeMsgs := link.runtimeMessages("rt-1")
	found := false
	for _, m := range runtimeMsgs {
		var env wire.Envelope
		if json.Unmarshal(m, &env) == nil && env.Type == wire.TypeMessage {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a message{} command routed to the mentioned agent's runtime")
	}
}

func TestHandleSyncRequestReplaysAndSwitches(t *testing.T) {
	h, st, link := newTestHandler(t)
	ctx := context.Background()
	seedChannel(t, st, "sp1", "ch1", "scout")

	if err := st.AppendMessage(ctx, &store.Message{
		ID: "m1", SpaceID: "sp1", ChannelID: "ch1", Sender: "scout", SenderType: "agent",
		Type: "assistant", Content: json.RawMessage(`{"type":"assistant","content":"hello"}`), IsComplete: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	c := &hub.ClientConn{ID: "conn-1", UserID: "u1", Username: "casey", SpaceID: "sp1", ChannelID: store.PendingChannelID}
	line := `{"request":"sync","channelId":"ch1"}`
	h.HandleClientMessage(ctx, c, []byte(line))

	if link.switched["conn-1"] != "ch1" {
		t.Fatalf("switched = %q, want ch1", link.switched["conn-1"])
	}
	msgs := link.toClient["conn-1"]
	if len(msgs) < 2 {
		t.Fatalf("expected replay message(s) plus a sync-response, got %d", len(msgs))
	}
}

func testAgentID() agentid.ID {
	return agentid.ID{SpaceID: "sp1", ChannelID: "ch1", Callsign: "scout"}
}

package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tymbal-dev/tymbal/pkg/agentid"
	"github.com/tymbal-dev/tymbal/pkg/frame"
)

type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	activates int
	messages  int
	suspends  int
	failNext  error
}

func newFakeSender(runtimeID string) *fakeSender {
	return &fakeSender{connected: map[string]bool{runtimeID: true}}
}

func (f *fakeSender) IsRuntimeConnected(runtimeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[runtimeID]
}

func (f *fakeSender) SendActivate(ctx context.Context, runtimeID, agentID string, opts ActivateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.activates++
	return nil
}

func (f *fakeSender) SendMessage(ctx context.Context, runtimeID, agentID string, opts MessageOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages++
	return nil
}

func (f *fakeSender) SendSuspend(ctx context.Context, runtimeID, agentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspends++
	return nil
}

func (f *fakeSender) setConnected(runtimeID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[runtimeID] = v
}

type recordedFrame struct {
	channelID string
	kind      string
	value     map[string]any
}

type recordingEmitter struct {
	mu     sync.Mutex
	frames []recordedFrame
}

func (e *recordingEmitter) EmitFrame(ctx context.Context, channelID string, f frame.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var v map[string]any
	_ = json.Unmarshal(f.Value, &v)
	kind := "set"
	e.frames = append(e.frames, recordedFrame{channelID: channelID, kind: kind, value: v})
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

func (e *recordingEmitter) last() recordedFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames[len(e.frames)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAgent() agentid.ID {
	return agentid.ID{SpaceID: "sp1", ChannelID: "ch1", Callsign: "scout"}
}

// S5: activation handshake sends exactly one activate, and checkin moves
// the agent to online with a broadcast agent_state frame.
func TestActivationHandshake(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())
	id := testAgent()

	state, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{WorkspacePath: "/work"})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if state != Activating {
		t.Fatalf("state = %v, want Activating", state)
	}
	if sender.activates != 1 {
		t.Fatalf("activates = %d, want 1", sender.activates)
	}

	state = m.Checkin(id)
	if state != Online {
		t.Fatalf("state after checkin = %v, want Online", state)
	}
	if emitter.count() != 1 {
		t.Fatalf("emitted frames = %d, want 1", emitter.count())
	}
	last := emitter.last()
	if last.channelID != id.ChannelID {
		t.Errorf("emitted channel = %s, want %s", last.channelID, id.ChannelID)
	}
	if last.value["type"] != "agent_state" || last.value["state"] != "online" {
		t.Errorf("emitted value = %+v, want agent_state/online", last.value)
	}
}

// Property #5: activate on a non-offline agent is a no-op, sends nothing.
func TestActivateIdempotent(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())
	id := testAgent()

	if _, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	m.Checkin(id)

	state, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{})
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if state != Online {
		t.Fatalf("state = %v, want Online unchanged", state)
	}
	if sender.activates != 1 {
		t.Fatalf("activates = %d, want exactly 1 (no second send)", sender.activates)
	}
}

// Property #5: suspend on an already-offline agent is a no-op, sends
// nothing.
func TestSuspendIdempotent(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())
	id := testAgent()

	m.Suspend(context.Background(), id, "user requested")
	if sender.suspends != 0 {
		t.Fatalf("suspends = %d, want 0 for already-offline agent", sender.suspends)
	}

	if _, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	m.Checkin(id)

	m.Suspend(context.Background(), id, "user requested")
	if sender.suspends != 1 {
		t.Fatalf("suspends = %d, want 1", sender.suspends)
	}
	if m.State(id) != Offline {
		t.Fatalf("state after suspend = %v, want Offline", m.State(id))
	}

	m.Suspend(context.Background(), id, "again")
	if sender.suspends != 1 {
		t.Fatalf("suspends = %d, want still 1 after repeated suspend", sender.suspends)
	}
}

// Property #4: every reachable state can only be entered through a
// defined transition, and offline is always reachable again.
func TestStateMachineClosure(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())
	id := testAgent()

	if got := m.State(id); got != Offline {
		t.Fatalf("initial state = %v, want Offline", got)
	}

	if _, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := m.State(id); got != Activating {
		t.Fatalf("state = %v, want Activating", got)
	}

	m.Checkin(id)
	if got := m.State(id); got != Online {
		t.Fatalf("state = %v, want Online", got)
	}

	if got := m.Frame(id, false); got != Busy {
		t.Fatalf("Frame(busy) = %v, want Busy", got)
	}
	if got := m.Frame(id, true); got != Online {
		t.Fatalf("Frame(idle) = %v, want Online", got)
	}

	m.Fail(id, "engine crashed")
	if got := m.State(id); got != Error {
		t.Fatalf("state = %v, want Error", got)
	}

	// Error can be re-activated.
	if _, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("re-Activate from Error: %v", err)
	}
	if got := m.State(id); got != Activating {
		t.Fatalf("state after re-activate = %v, want Activating", got)
	}

	m.Disconnect(id)
	if got := m.State(id); got != Offline {
		t.Fatalf("state after disconnect = %v, want Offline", got)
	}
}

// S6 (partial, single agent): runtime disconnect emits a status frame to
// the agent's own channel with the expected content.
func TestDisconnectEmitsStatusFrame(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())
	id := testAgent()

	if _, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	m.Checkin(id)

	m.Disconnect(id)

	last := emitter.last()
	if last.channelID != id.ChannelID {
		t.Errorf("disconnect frame channel = %s, want %s", last.channelID, id.ChannelID)
	}
	if last.value["type"] != "status" || last.value["content"] != "offline (runtime disconnected)" {
		t.Errorf("disconnect frame value = %+v", last.value)
	}
	if m.State(id) != Offline {
		t.Errorf("state after disconnect = %v, want Offline", m.State(id))
	}
}

func TestActivateFailsWhenRuntimeDisconnected(t *testing.T) {
	sender := newFakeSender("rt-1")
	sender.setConnected("rt-1", false)
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())
	id := testAgent()

	_, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{})
	if err != ErrRuntimeNotConnected {
		t.Fatalf("err = %v, want ErrRuntimeNotConnected", err)
	}
	if m.State(id) != Offline {
		t.Fatalf("state = %v, want Offline unchanged", m.State(id))
	}
}

func TestSendMessageRequiresOnline(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())
	id := testAgent()

	err := m.SendMessage(context.Background(), id, MessageOptions{MessageID: "m1", Content: "hi"})
	if err != ErrNotOnline {
		t.Fatalf("err = %v, want ErrNotOnline", err)
	}

	if _, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	m.Checkin(id)

	if err := m.SendMessage(context.Background(), id, MessageOptions{MessageID: "m1", Content: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sender.messages != 1 {
		t.Fatalf("messages = %d, want 1", sender.messages)
	}
}

func TestCheckinTimeout(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, 30*time.Millisecond, testLogger())
	id := testAgent()

	if _, err := m.Activate(context.Background(), id, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if m.State(id) == Error {
			break
		}
		select {
		case <-deadline:
			t.Fatal("agent never timed out into Error")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSnapshotReturnsEveryTrackedAgent(t *testing.T) {
	sender := newFakeSender("rt-1")
	emitter := &recordingEmitter{}
	m := New(sender, emitter, time.Second, testLogger())

	fox := agentid.ID{SpaceID: "sp1", ChannelID: "ch1", Callsign: "fox"}
	wolf := agentid.ID{SpaceID: "sp1", ChannelID: "ch1", Callsign: "wolf"}

	if _, err := m.Activate(context.Background(), fox, "rt-1", ActivateOptions{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	m.Checkin(fox)
	m.Fail(wolf, "engine crashed")

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}

	byCallsign := make(map[string]AgentSnapshot, len(snap))
	for _, s := range snap {
		byCallsign[s.ID.Callsign] = s
	}
	if byCallsign["fox"].State != Online {
		t.Errorf("fox state = %v, want Online", byCallsign["fox"].State)
	}
	if byCallsign["wolf"].State != Error {
		t.Errorf("wolf state = %v, want Error", byCallsign["wolf"].State)
	}
}

package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tymbal-dev/tymbal/pkg/frame"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestStreamThenSetEmitsStartAppendSet(t *testing.T) {
	metadata := json.RawMessage(`{"type":"assistant","sender":"fox","senderType":"agent"}`)
	h := New("01J001", metadata)
	h.now = fixedClock(time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))

	var frames []frame.Frame
	f1, err := h.Stream("Hello ")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	frames = append(frames, f1...)

	f2, err := h.Stream("world!")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	frames = append(frames, f2...)

	setFrame, err := h.Set(map[string]any{"content": "Hello world!"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	frames = append(frames, setFrame)

	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4: %+v", len(frames), frames)
	}
	if frames[0].Kind != frame.KindStart {
		t.Errorf("frames[0].Kind = %v, want KindStart", frames[0].Kind)
	}
	if frames[1].Kind != frame.KindAppend || frames[1].Append != "Hello " {
		t.Errorf("frames[1] = %+v", frames[1])
	}
	if frames[2].Kind != frame.KindAppend || frames[2].Append != "world!" {
		t.Errorf("frames[2] = %+v", frames[2])
	}
	if frames[3].Kind != frame.KindSet {
		t.Errorf("frames[3].Kind = %v, want KindSet", frames[3].Kind)
	}

	var v map[string]any
	if err := json.Unmarshal(frames[3].Value, &v); err != nil {
		t.Fatalf("unmarshal set value: %v", err)
	}
	if v["content"] != "Hello world!" || v["sender"] != "fox" || v["senderType"] != "agent" || v["type"] != "assistant" {
		t.Errorf("merged value = %+v", v)
	}
	if frames[3].Timestamp != "2026-07-30T00:00:00.000Z" {
		t.Errorf("timestamp = %q", frames[3].Timestamp)
	}
}

func TestSetWithoutStreamEmitsExactlyOneSetFrame(t *testing.T) {
	h := New("01J002", nil)
	f, err := h.Set(map[string]any{"type": "status", "content": "done"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if f.Kind != frame.KindSet {
		t.Fatalf("Kind = %v, want KindSet", f.Kind)
	}
	var v map[string]any
	if err := json.Unmarshal(f.Value, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v["content"] != "done" {
		t.Errorf("value = %+v", v)
	}
}

func TestAfterSetFurtherCallsRaise(t *testing.T) {
	h := New("01J003", nil)
	if _, err := h.Set(map[string]any{"type": "status"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := h.Stream("more"); err != ErrFinalized {
		t.Errorf("Stream after Set error = %v, want ErrFinalized", err)
	}
	if _, err := h.Set(map[string]any{}); err != ErrFinalized {
		t.Errorf("Set after Set error = %v, want ErrFinalized", err)
	}
}

func TestDeleteFinalizes(t *testing.T) {
	h := New("01J004", nil)
	f, err := h.Delete()
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.Kind != frame.KindReset {
		t.Fatalf("Kind = %v, want KindReset", f.Kind)
	}
	if !h.Finalized() {
		t.Fatalf("expected handle to be finalized")
	}
	if _, err := h.Stream("x"); err != ErrFinalized {
		t.Errorf("Stream after Delete error = %v, want ErrFinalized", err)
	}
}

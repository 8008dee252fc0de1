package dashboard

import "testing"

func TestFormatEventLogEntry(t *testing.T) {
	data := []byte(`{"level":"WARN","msg":"checkin timed out","agent_id":"sp:ch:fox"}`)
	line := formatEvent("log.entry", data)
	if line == "" {
		t.Fatalf("expected non-empty formatted line")
	}
}

func TestFormatEventFallsBackForNonJSON(t *testing.T) {
	line := formatEvent("agent.output", []byte("not json"))
	if line == "" {
		t.Fatalf("expected non-empty formatted line")
	}
}

func TestLogsModelAddEventTrimsToMax(t *testing.T) {
	m := newLogsModel()
	for i := 0; i < maxLogLines+50; i++ {
		m.AddEvent("agent.output", []byte(`{}`))
	}
	if len(m.lines) != maxLogLines {
		t.Fatalf("len(lines) = %d, want %d", len(m.lines), maxLogLines)
	}
}

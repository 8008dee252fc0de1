package dashboard

import (
	"testing"
	"time"
)

func TestAgentsModelSetRowsClampsCursor(t *testing.T) {
	m := newAgentsModel([]AgentRow{{Callsign: "fox"}, {Callsign: "wolf"}, {Callsign: "owl"}})
	m.cursor = 2

	m.SetRows([]AgentRow{{Callsign: "fox"}})
	if m.cursor != 0 {
		t.Fatalf("cursor = %d, want 0 after shrinking rows", m.cursor)
	}
}

func TestAgentsModelUpdateRowMatchesCallsign(t *testing.T) {
	m := newAgentsModel([]AgentRow{{Callsign: "fox", State: "offline"}, {Callsign: "wolf", State: "offline"}})

	m.UpdateRow("wolf", "online")

	if m.rows[0].State != "offline" {
		t.Fatalf("fox state changed unexpectedly: %q", m.rows[0].State)
	}
	if m.rows[1].State != "online" {
		t.Fatalf("wolf state = %q, want online", m.rows[1].State)
	}
	if m.rows[1].UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be set")
	}
}

func TestAgentsModelUpdateRowUnknownCallsignIsNoop(t *testing.T) {
	m := newAgentsModel([]AgentRow{{Callsign: "fox", State: "offline"}})
	m.UpdateRow("ghost", "online")
	if m.rows[0].State != "offline" {
		t.Fatalf("unrelated row mutated: %q", m.rows[0].State)
	}
}

func TestFormatAgeZeroTime(t *testing.T) {
	if got := formatAge(time.Time{}); got != "-" {
		t.Fatalf("formatAge(zero) = %q, want -", got)
	}
}

func TestAgentsModelViewListsCallsigns(t *testing.T) {
	m := newAgentsModel([]AgentRow{{Callsign: "fox", EngineID: "claude-sdk", State: "online"}})
	view := m.View(true)
	if view == "" {
		t.Fatalf("expected non-empty view")
	}
}

func TestAgentsModelViewEmpty(t *testing.T) {
	m := newAgentsModel(nil)
	view := m.View(false)
	if view == "" {
		t.Fatalf("expected placeholder text for empty agent list")
	}
}

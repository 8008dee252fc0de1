package dashboard

import (
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tymbal-dev/tymbal/internal/eventbus"
	"github.com/tymbal-dev/tymbal/internal/lifecycle"
)

// BuildAgentRows converts a lifecycle snapshot into the dashboard's row
// shape. engineOf resolves a callsign to its configured engine id for
// display; callsigns it doesn't recognize show "-".
func BuildAgentRows(snapshots []lifecycle.AgentSnapshot, engineOf func(callsign string) string) []AgentRow {
	rows := make([]AgentRow, 0, len(snapshots))
	for _, s := range snapshots {
		engineID := "-"
		if engineOf != nil {
			if id := engineOf(s.ID.Callsign); id != "" {
				engineID = id
			}
		}
		rows = append(rows, AgentRow{
			Callsign:  s.ID.Callsign,
			EngineID:  engineID,
			State:     string(s.State),
			UpdatedAt: s.UpdatedAt,
		})
	}
	return rows
}

// NewInlineModel builds a dashboard model for same-process mode (the
// runtime's own `tymbal-runtime run` command) and returns a function
// that starts forwarding bus events into the running tea.Program.
func NewInlineModel(bus *eventbus.Bus, status HubStatus, rows []AgentRow) (Model, func(p *tea.Program)) {
	m := NewModel(status, rows)

	startForwarding := func(p *tea.Program) {
		ch := bus.Subscribe()
		go func() {
			for evt := range ch {
				switch evt.Type {
				case eventbus.HubConnected:
					status.Connected, status.Reconnecting = true, false
					p.Send(HubStatusMsg{Status: status})
				case eventbus.HubDisconnected:
					status.Connected, status.Reconnecting = false, false
					p.Send(HubStatusMsg{Status: status})
				case eventbus.HubReconnecting:
					status.Reconnecting = true
					p.Send(HubStatusMsg{Status: status})
				case eventbus.AgentState:
					var payload struct {
						Callsign string `json:"callsign"`
						State    string `json:"state"`
					}
					if json.Unmarshal(evt.Data, &payload) == nil && payload.Callsign != "" {
						p.Send(AgentRowUpdateMsg{Callsign: payload.Callsign, State: payload.State})
					}
				default:
					p.Send(EventMsg{Type: evt.Type, Data: evt.Data})
				}
			}
		}()
	}

	return m, startForwarding
}

// Run starts the dashboard program and blocks until the user quits.
func Run(m Model, start func(p *tea.Program)) error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	if start != nil {
		start(p)
	}
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

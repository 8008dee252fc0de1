// Package dashboard implements the runtime's inline status display: a
// bubbletea program subscribed to the runtime's own event bus, showing
// hub connectivity, per-agent lifecycle state, and a tailing log view.
package dashboard

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Panel identifies which pane has keyboard focus.
type Panel int

const (
	PanelAgents Panel = iota
	PanelLogs
)

// HubStatus is the hub connection state shown in the header.
type HubStatus struct {
	URL          string
	Connected    bool
	Reconnecting bool
	RuntimeID    string
	StartedAt    time.Time
}

// AgentRow is one row of the agents panel.
type AgentRow struct {
	Callsign  string
	EngineID  string
	State     string
	UpdatedAt time.Time
}

// Model is the top-level bubbletea model for the inline dashboard.
type Model struct {
	header Header
	agents agentsModel
	logs   logsModel
	help   helpModel

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// EventMsg carries a raw event-bus event into the bubbletea update loop.
type EventMsg struct {
	Type string
	Data []byte
}

// HubStatusMsg updates the header's hub connectivity display.
type HubStatusMsg struct {
	Status HubStatus
}

// AgentsMsg replaces the agents panel's rows wholesale.
type AgentsMsg struct {
	Rows []AgentRow
}

// AgentRowUpdateMsg updates a single agent's state in place, without a
// full rows refresh. Rows for callsigns not already present are ignored
// (the panel is only ever populated from an AgentsMsg snapshot).
type AgentRowUpdateMsg struct {
	Callsign string
	State    string
}

// NewModel builds the dashboard's initial state.
func NewModel(status HubStatus, rows []AgentRow) Model {
	return Model{
		header: NewHeader(status),
		agents: newAgentsModel(rows),
		logs:   newLogsModel(),
		help:   newHelpModel(),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.SetSize(msg.Width-4, msg.Height-10)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "tab":
			if m.activePanel == PanelAgents {
				m.activePanel = PanelLogs
			} else {
				m.activePanel = PanelAgents
			}
			return m, nil
		case "?":
			m.help.Toggle()
			return m, nil
		}

	case HubStatusMsg:
		m.header.SetStatus(msg.Status)
		return m, nil

	case AgentsMsg:
		m.agents.SetRows(msg.Rows)
		return m, nil

	case AgentRowUpdateMsg:
		m.agents.UpdateRow(msg.Callsign, msg.State)
		return m, nil

	case EventMsg:
		m.logs.AddEvent(msg.Type, msg.Data)
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelAgents:
		m.agents, cmd = m.agents.Update(msg)
	case PanelLogs:
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	body := m.agents.View(m.activePanel == PanelAgents)
	body += "\n" + m.logs.View(m.activePanel == PanelLogs)
	return m.header.View() + "\n" + body + "\n" + m.help.View()
}

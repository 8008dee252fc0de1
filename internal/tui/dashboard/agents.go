package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tymbal-dev/tymbal/internal/tui"
)

// agentsModel renders the table of agents bound to this runtime: one
// row per callsign, with engine, lifecycle state, and last-update age.
type agentsModel struct {
	rows   []AgentRow
	cursor int
}

func newAgentsModel(rows []AgentRow) agentsModel {
	return agentsModel{rows: rows}
}

// SetRows replaces the panel's rows, clamping the cursor if it shrank.
func (m *agentsModel) SetRows(rows []AgentRow) {
	m.rows = rows
	if m.cursor >= len(rows) {
		m.cursor = len(rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// UpdateRow sets the state and refreshes the timestamp of one row
// matching callsign, a no-op if that callsign isn't present.
func (m *agentsModel) UpdateRow(callsign, state string) {
	for i := range m.rows {
		if m.rows[i].Callsign == callsign {
			m.rows[i].State = state
			m.rows[i].UpdatedAt = time.Now()
			return
		}
	}
}

func (m agentsModel) Update(msg tea.Msg) (agentsModel, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch keyMsg.String() {
	case "j", "down":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "g":
		m.cursor = 0
	case "G":
		m.cursor = len(m.rows) - 1
	}
	return m, nil
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

func (m agentsModel) View(active bool) string {
	header := tui.Subtitle.Render("AGENTS")
	if active {
		header = tui.Selected.Render("▸ AGENTS")
	}

	if len(m.rows) == 0 {
		return header + "\n" + tui.Dimmed.Render("  no agents bound") + "\n"
	}

	var b strings.Builder
	b.WriteString(header + "\n")
	b.WriteString(tui.Dimmed.Render(fmt.Sprintf("  %-16s %-12s %-12s %s", "CALLSIGN", "ENGINE", "STATE", "AGE")) + "\n")
	for i, row := range m.rows {
		prefix := "  "
		if active && i == m.cursor {
			prefix = "▸ "
		}
		stateStr := tui.AgentStateStyle(row.State).Render(row.State)
		line := fmt.Sprintf("%s%-16s %-12s %-21s %s", prefix, row.Callsign, row.EngineID, stateStr, formatAge(row.UpdatedAt))
		if active && i == m.cursor {
			line = tui.Selected.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

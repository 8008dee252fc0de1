package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tymbal-dev/tymbal/internal/tui"
)

const maxLogLines = 1000

// logsModel tails the runtime's own log/event stream in a scrollable
// viewport.
type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
}

func newLogsModel() logsModel {
	return logsModel{
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

// SetSize resizes the underlying viewport.
func (l *logsModel) SetSize(width, height int) {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	l.viewport.Width = width
	l.viewport.Height = height
}

// AddEvent appends a formatted line for one event-bus event, trimming
// to maxLogLines.
func (l *logsModel) AddEvent(eventType string, data []byte) {
	line := formatEvent(eventType, data)
	l.lines = append(l.lines, line)
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func formatEvent(eventType string, data []byte) string {
	ts := time.Now().Format("15:04:05")

	if eventType == "log.entry" {
		var entry map[string]any
		if err := json.Unmarshal(data, &entry); err == nil {
			level, _ := entry["level"].(string)
			message, _ := entry["msg"].(string)

			var attrs []string
			for k, v := range entry {
				if k == "level" || k == "msg" || k == "time" {
					continue
				}
				attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
			}

			formatted := fmt.Sprintf("  %s %s  %s", ts, tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)), message)
			if len(attrs) > 0 {
				formatted += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
			}
			return formatted
		}
	}

	return fmt.Sprintf("  %s %s  %s", ts, tui.Dimmed.Render(eventType), string(data))
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down", "k", "up":
			l.autoScroll = false
		}
	}

	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View(active bool) string {
	header := tui.Subtitle.Render("LOGS")
	if active {
		header = tui.Selected.Render("▸ LOGS")
	}
	return header + "\n" + l.viewport.View()
}

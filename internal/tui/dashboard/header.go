package dashboard

import (
	"fmt"
	"time"

	"github.com/tymbal-dev/tymbal/internal/tui"
)

// Header renders the dashboard's title bar: hub URL, connection state,
// runtime id, and uptime.
type Header struct {
	status HubStatus
}

// NewHeader builds a Header from the initial hub status.
func NewHeader(status HubStatus) Header {
	return Header{status: status}
}

// SetStatus replaces the header's hub status.
func (h *Header) SetStatus(status HubStatus) {
	h.status = status
}

func (h Header) View() string {
	title := tui.Title.Render("tymbal runtime")
	dot := tui.StatusDot(h.status.Connected, h.status.Reconnecting)
	text := tui.StatusText(h.status.Connected, h.status.Reconnecting)

	line1 := fmt.Sprintf("%s  %s %s  %s", title, dot, text, tui.Dimmed.Render(h.status.URL))

	uptime := "-"
	if !h.status.StartedAt.IsZero() {
		uptime = time.Since(h.status.StartedAt).Round(time.Second).String()
	}
	line2 := tui.Description.Render(fmt.Sprintf("runtime %s  uptime %s", h.status.RuntimeID, uptime))

	return line1 + "\n" + line2
}

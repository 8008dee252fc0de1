package dashboard

import "github.com/tymbal-dev/tymbal/internal/tui"

// helpModel renders the dashboard's keybinding hint bar, expandable to
// a full list with '?'.
type helpModel struct {
	visible bool
}

func newHelpModel() helpModel {
	return helpModel{}
}

// Toggle flips between the one-line hint and the full keybind list.
func (h *helpModel) Toggle() {
	h.visible = !h.visible
}

func (h helpModel) bar() string {
	return tui.Help.Render("tab switch panel · j/k move · g/G top/bottom · ? help · q quit")
}

func (h helpModel) View() string {
	if !h.visible {
		return h.bar()
	}
	return tui.Help.Render(
		"tab     switch panel (agents/logs)\n" +
			"j/k     move selection / scroll\n" +
			"g/G     jump to top/bottom\n" +
			"?       toggle this help\n" +
			"q       quit",
	)
}

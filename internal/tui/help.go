package tui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
)

type keyMap struct {
	NextGroup key.Binding
	PrevGroup key.Binding
	Group     key.Binding
	Down      key.Binding
	Up        key.Binding
	Logs      key.Binding
	Errors    key.Binding
	Camera    key.Binding
	Zoom      key.Binding
	Back      key.Binding
	Help      key.Binding
	Quit      key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		NextGroup: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next group")),
		PrevGroup: key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "prev group")),
		Group: key.NewBinding(
			key.WithKeys("1", "2", "3", "4", "5", "6", "7", "8", "9"),
			key.WithHelp("1-9", "jump to group"),
		),
		Down:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next entity")),
		Up:     key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "prev entity")),
		Logs:   key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "logs")),
		Errors: key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "errors")),
		Camera: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "camera")),
		Zoom:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "zoom")),
		Back:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextGroup, k.Down, k.Logs, k.Errors, k.Camera, k.Zoom, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.NextGroup, k.PrevGroup, k.Group, k.Down, k.Up},
		{k.Logs, k.Errors, k.Camera, k.Zoom, k.Back, k.Help, k.Quit},
	}
}

// helpOverlay replaces the view with a centered help box.
func (a App) helpOverlay() string {
	h := a.help
	h.ShowAll = true
	content := h.View(a.keys)
	boxW := min(lipgloss.Width(content)+4, a.width-4)
	boxH := min(lipgloss.Height(content)+2, a.height-2)
	return lipgloss.Place(a.width, a.height, lipgloss.Center, lipgloss.Center,
		Box("Help", content, boxW, boxH, &a.theme))
}

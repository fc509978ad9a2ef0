package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/thobiasn/beacon/internal/board"
)

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Global quit.
	if key.Matches(msg, a.keys.Quit) {
		if a.showHelp && msg.String() == "q" {
			a.showHelp = false
			return a, nil
		}
		return a, a.quit()
	}

	// Help blocks all input.
	if a.showHelp {
		if key.Matches(msg, a.keys.Help, a.keys.Back) {
			a.showHelp = false
		}
		return a, nil
	}
	if key.Matches(msg, a.keys.Help) {
		a.showHelp = true
		return a, nil
	}

	// Inner tabs work in both views.
	switch {
	case key.Matches(msg, a.keys.Logs):
		return a.selectTab(board.TabLogs), nil
	case key.Matches(msg, a.keys.Errors):
		return a.selectTab(board.TabErrors), nil
	case key.Matches(msg, a.keys.Camera):
		return a.selectTab(board.TabStream), nil
	}

	if a.zoomed {
		if key.Matches(msg, a.keys.Back) {
			a.zoomed = false
			return a, nil
		}
		var cmd tea.Cmd
		a.zoom, cmd = a.zoom.Update(msg)
		return a, cmd
	}

	group := a.selectedGroup()
	switch {
	case key.Matches(msg, a.keys.NextGroup):
		a.cycleGroup(1)
	case key.Matches(msg, a.keys.PrevGroup):
		a.cycleGroup(-1)
	case key.Matches(msg, a.keys.Group):
		idx := int(msg.Runes[0] - '1')
		if keys := a.dash.Groups(); idx < len(keys) {
			a.dash.Handle(board.GroupSelected{Group: keys[idx]})
		}
	case key.Matches(msg, a.keys.Down):
		if c := a.cursor(group); c < len(a.dash.Members(group))-1 {
			a.cursors[group] = c + 1
		}
	case key.Matches(msg, a.keys.Up):
		if c := a.cursor(group); c > 0 {
			a.cursors[group] = c - 1
		}
	case key.Matches(msg, a.keys.Zoom):
		if a.selectedEntity() != nil {
			a.zoomed = true
			a.resizeZoom()
			a.zoom.SetContent("")
			a.refreshZoom()
			a.zoom.GotoBottom()
		}
	}
	return a, nil
}

func (a App) selectTab(t board.Tab) App {
	e := a.selectedEntity()
	if e == nil {
		return a
	}
	a.dash.Handle(board.TabSelected{Entity: e.Name(), Tab: t})
	if a.zoomed {
		a.zoom.SetContent(a.zoomContent(e))
		a.zoom.GotoBottom()
	}
	return a
}

func (a *App) cycleGroup(step int) {
	keys := a.dash.Groups()
	if len(keys) < 2 {
		return
	}
	cur := 0
	for i, k := range keys {
		if a.dash.Registry().IsSelected(k) {
			cur = i
			break
		}
	}
	next := (cur + step + len(keys)) % len(keys)
	a.dash.Handle(board.GroupSelected{Group: keys[next]})
}

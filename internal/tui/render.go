package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/thobiasn/beacon/internal/board"
)

// Box renders a bordered panel with a title using rounded Unicode corners.
// Content is padded to fill width×height (including borders).
func Box(title, content string, width, height int, theme *Theme) string {
	return box(title, content, width, height, theme, theme.Border)
}

func box(title, content string, width, height int, theme *Theme, border lipgloss.Color) string {
	if width < 4 {
		width = 4
	}
	if height < 3 {
		height = 3
	}

	innerW := width - 2
	bs := lipgloss.NewStyle().Foreground(border)

	// Top border with embedded title.
	var top string
	if title != "" {
		titleStr := " " + title + " "
		if lipgloss.Width(titleStr) > innerW-2 {
			titleStr = Truncate(titleStr, innerW-2)
		}
		titleLen := lipgloss.Width(titleStr)
		trailing := max(innerW-1-titleLen, 0)
		top = bs.Render("╭─") + titleStr + bs.Render(strings.Repeat("─", trailing)+"╮")
	} else {
		top = bs.Render("╭" + strings.Repeat("─", innerW) + "╮")
	}

	lines := strings.Split(content, "\n")
	innerH := height - 2
	for len(lines) < innerH {
		lines = append(lines, "")
	}
	if len(lines) > innerH {
		lines = lines[:innerH]
	}

	side := bs.Render("│")
	var b strings.Builder
	b.WriteString(top)
	b.WriteByte('\n')
	for _, line := range lines {
		if lipgloss.Width(line) > innerW {
			line = Truncate(line, innerW)
		}
		pad := innerW - lipgloss.Width(line)
		b.WriteString(side)
		b.WriteString(line)
		b.WriteString(strings.Repeat(" ", pad))
		b.WriteString(side)
		b.WriteByte('\n')
	}
	b.WriteString(bs.Render("╰" + strings.Repeat("─", innerW) + "╯"))
	return b.String()
}

// renderGroupBar renders the group tabs with the selected one highlighted.
func renderGroupBar(d *board.Dashboard, width int, theme *Theme) string {
	keys := d.Groups()
	if len(keys) == 0 {
		return theme.muted().Render(" waiting for status…")
	}
	var parts []string
	for i, k := range keys {
		label := fmt.Sprintf(" %d %s ", i+1, k)
		if i >= 9 {
			label = " " + k + " "
		}
		style := lipgloss.NewStyle().Foreground(theme.GroupColor(k))
		if d.Registry().IsSelected(k) {
			style = style.Reverse(true).Bold(true)
		}
		parts = append(parts, style.Render(label))
	}
	return Truncate(strings.Join(parts, " "), width)
}

// renderTabBar renders an entity's inner tabs.
func renderTabBar(e *board.Entity, theme *Theme) string {
	var parts []string
	for _, t := range e.Tabs() {
		label := t.Label()
		if t == e.ActiveTab() {
			parts = append(parts, theme.accent().Bold(true).Underline(true).Render(label))
		} else {
			parts = append(parts, theme.muted().Render(label))
		}
	}
	return strings.Join(parts, "  ")
}

// panelHeight is the total height of one entity panel for n content lines.
func panelHeight(n int) int {
	// header, description, tab bar, content, timers, borders
	return 3 + n + 1 + 2
}

// renderPanel renders one entity panel.
func (a App) renderPanel(e *board.Entity, width int, selected bool) string {
	theme := &a.theme
	n := a.cfg.Display.LogLines
	innerW := width - 2

	title := a.theme.Indicator(e.Indicator()) + " " + theme.bright().Render(e.Name())
	if e.Status() != "" {
		title += theme.sep() + theme.text().Render(e.Status())
	}

	var lines []string
	lines = append(lines, theme.muted().Render(Truncate(sanitize(e.Description()), innerW)))
	if caps := e.Capabilities(); len(caps) > 0 {
		lines[0] = Truncate(lines[0]+theme.sep()+theme.accent().Render(strings.Join(caps, ",")), innerW)
	}
	lines = append(lines, renderTabBar(e, theme))
	lines = append(lines, a.tabContent(e, innerW, n)...)

	timers := e.Timers()
	lines = append(lines, theme.muted().Render(Truncate(strings.Join(timers[:], "  "), innerW)))

	border := theme.Border
	if selected {
		border = theme.Accent
	}
	return box(title, strings.Join(lines, "\n"), width, panelHeight(n), theme, border)
}

// tabContent renders exactly n lines for the entity's active tab.
func (a App) tabContent(e *board.Entity, width, n int) []string {
	var out []string
	switch e.ActiveTab() {
	case board.TabLogs:
		for _, l := range e.Tail(n) {
			if l != board.LogErrorLine {
				out = append(out, Truncate(sanitize(l), width))
				continue
			}
			if err := e.LogErr(); err != nil {
				l += " " + err.Error()
			}
			out = append(out, lipgloss.NewStyle().Foreground(a.theme.Critical).Render(Truncate(sanitize(l), width)))
		}
		if len(out) == 0 {
			out = append(out, a.theme.muted().Render("no log lines ("+e.LogState().String()+")"))
		}
	case board.TabErrors:
		style := a.theme.text()
		if e.Errors() != board.NoErrors {
			style = lipgloss.NewStyle().Foreground(a.theme.Critical)
		}
		for _, l := range tail(wrapText(sanitize(e.Errors()), width), n) {
			out = append(out, style.Render(l))
		}
	case board.TabStream:
		out = a.cameraLines(e, width)
	}
	if len(out) > n {
		out = out[:n]
	}
	for len(out) < n {
		out = append(out, "")
	}
	return out
}

// cameraLines describes the image feed. Pixels are not drawn.
func (a App) cameraLines(e *board.Entity, width int) []string {
	theme := &a.theme
	dim := theme.muted()
	out := []string{dim.Render("source ") + theme.text().Render(Truncate(e.StreamEndpoint(), width-7))}

	if e.StreamState() != board.StreamOpen {
		return append(out, dim.Render("paused"))
	}
	if err, ok := a.streamErrs[e.Name()]; ok && err.opens == e.StreamOpens() {
		return append(out, lipgloss.NewStyle().Foreground(theme.Critical).Render(Truncate("stream error: "+err.msg.Err.Error(), width)))
	}
	f, ok := a.frames[e.Name()]
	if !ok || f.opens != e.StreamOpens() {
		line := "waiting for frames…"
		if shape := e.StreamShape(); len(shape) >= 2 {
			line += fmt.Sprintf(" (expect %d×%d)", shape[1], shape[0])
		}
		return append(out, dim.Render(line))
	}
	return append(out,
		theme.text().Render(fmt.Sprintf("%d×%d", f.msg.Width, f.msg.Height))+
			theme.sep()+theme.text().Render(fmt.Sprintf("%.1f fps", f.msg.FPS))+
			theme.sep()+dim.Render(fmt.Sprintf("%d frames", f.msg.Frames)),
	)
}

// renderGrid lays out the members of the selected group in columns,
// scrolled so the cursor row is visible within height.
func (a App) renderGrid(height int) string {
	group, ok := a.dash.Selected()
	if !ok {
		return ""
	}
	members := a.dash.Members(group)
	if len(members) == 0 {
		return ""
	}
	cols := max(a.width/a.cfg.Display.PanelWidth, 1)
	panelW := a.width / cols
	ph := panelHeight(a.cfg.Display.LogLines)
	visibleRows := max(height/ph, 1)

	cursor := a.cursor(group)
	rowOf := cursor / cols
	firstRow := 0
	if rowOf >= visibleRows {
		firstRow = rowOf - visibleRows + 1
	}

	var rows []string
	for r := firstRow; r < firstRow+visibleRows; r++ {
		start := r * cols
		if start >= len(members) {
			break
		}
		end := min(start+cols, len(members))
		var cells []string
		for i := start; i < end; i++ {
			cells = append(cells, a.renderPanel(members[i], panelW, i == cursor))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return strings.Join(rows, "\n")
}

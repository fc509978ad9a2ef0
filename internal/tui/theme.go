package tui

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"

	"github.com/thobiasn/beacon/internal/board"
)

// Theme holds all colors used by the TUI. Views reference theme fields,
// never raw color values.
type Theme struct {
	Fg       lipgloss.Color
	FgDim    lipgloss.Color
	FgBright lipgloss.Color
	Border   lipgloss.Color
	Accent   lipgloss.Color
	Healthy  lipgloss.Color
	Warning  lipgloss.Color
	Critical lipgloss.Color

	// GroupPalette colors group tabs, picked by name hash.
	GroupPalette []lipgloss.Color
}

// TerminalTheme returns the default theme built from ANSI colors 0-15, so the
// TUI inherits the terminal's palette.
func TerminalTheme() Theme {
	return Theme{
		Fg:       lipgloss.Color("7"),
		FgDim:    lipgloss.Color("8"),
		FgBright: lipgloss.Color("15"),
		Border:   lipgloss.Color("8"),
		Accent:   lipgloss.Color("4"),
		Healthy:  lipgloss.Color("2"),
		Warning:  lipgloss.Color("3"),
		Critical: lipgloss.Color("1"),
		GroupPalette: []lipgloss.Color{
			lipgloss.Color("6"),
			lipgloss.Color("5"),
			lipgloss.Color("4"),
			lipgloss.Color("3"),
			lipgloss.Color("2"),
			lipgloss.Color("14"),
			lipgloss.Color("13"),
			lipgloss.Color("12"),
		},
	}
}

// IndicatorColor maps a status dot class to a color.
func (t Theme) IndicatorColor(ind board.Indicator) lipgloss.Color {
	if ind == board.IndicatorActive {
		return t.Healthy
	}
	return t.Critical
}

// Indicator renders the status dot: ● when active, ○ otherwise.
func (t Theme) Indicator(ind board.Indicator) string {
	style := lipgloss.NewStyle().Foreground(t.IndicatorColor(ind))
	if ind == board.IndicatorActive {
		return style.Render("●")
	}
	return style.Render("○")
}

// GroupColor returns a deterministic color for a group key using an FNV-32a
// hash into the group palette.
func (t Theme) GroupColor(key string) lipgloss.Color {
	if len(t.GroupPalette) == 0 {
		return t.Accent
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return t.GroupPalette[h.Sum32()%uint32(len(t.GroupPalette))]
}

func (t Theme) muted() lipgloss.Style  { return lipgloss.NewStyle().Foreground(t.FgDim) }
func (t Theme) accent() lipgloss.Style { return lipgloss.NewStyle().Foreground(t.Accent) }
func (t Theme) text() lipgloss.Style   { return lipgloss.NewStyle().Foreground(t.Fg) }
func (t Theme) bright() lipgloss.Style { return lipgloss.NewStyle().Foreground(t.FgBright).Bold(true) }

// sep is the " · " separator between header fields.
func (t Theme) sep() string { return " " + t.muted().Render("·") + " " }

// Package watch implements the `polyhost watch` terminal monitor: pool
// health from /workers and a live tail of /events.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour the monitor uses in one place.
type Theme struct {
	StateReady    lipgloss.Style
	StateStarting lipgloss.Style
	StateFaulted  lipgloss.Style
	StateStopped  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateReady:    lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StateFaulted:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StateStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// stateStyle colours a channel state name.
func (t Theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "initialized":
		return t.StateReady
	case "starting", "initializing":
		return t.StateStarting
	case "faulted":
		return t.StateFaulted
	default:
		return t.StateStopped
	}
}

package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks host health from /healthz polling.
type HealthState struct {
	Status             string
	Version            string
	UptimeSeconds      int64
	FunctionsLoaded    int
	WorkersInitialized int
	PoolsEscalated     int
	Connected          bool
	LastCheck          time.Time
}

// Pulse lights up on each notification and fades over ten seconds.
type Pulse struct {
	last time.Time
}

func (p *Pulse) Hit(at time.Time) { p.last = at }

// Level is 0..5, 5 meaning a notification in the last two seconds.
func (p Pulse) Level(now time.Time) int {
	if p.last.IsZero() {
		return 0
	}
	return max(0, 5-int(now.Sub(p.last)/(2*time.Second)))
}

func (p Pulse) Render(theme Theme, now time.Time) string {
	level := p.Level(now)
	var b strings.Builder
	for i := range 5 {
		if i < level {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(h HealthState, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	status := theme.StateReady.Render("HEALTHY")
	switch {
	case !h.Connected:
		status = theme.StateFaulted.Render("CONNECTING")
	case h.Status != "ok" && h.Status != "":
		status = theme.StateFaulted.Render(strings.ToUpper(h.Status))
	}

	title := " POLYHOST WATCH"
	if h.Version != "" {
		title += " " + theme.Dim.Render(h.Version)
	}
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	stats := fmt.Sprintf(" %s  up %s  functions: %d  workers ready: %d",
		status,
		formatDuration(time.Duration(h.UptimeSeconds)*time.Second),
		h.FunctionsLoaded,
		h.WorkersInitialized,
	)
	if h.PoolsEscalated > 0 {
		stats += "  " + theme.StateFaulted.Render(fmt.Sprintf("escalated: %d", h.PoolsEscalated))
	}

	activity := fmt.Sprintf(" activity %s", pulse.Render(theme, now))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, stats, activity)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

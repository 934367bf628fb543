package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/polyhost/internal/events"
)

const maxLogLines = 200

func formatNotification(n events.Notification, theme Theme) string {
	ts := theme.Dim.Render(n.At.Format("15:04:05"))

	var style lipgloss.Style
	switch n.Type {
	case events.TypeWorkerReady, events.TypeInvocationDone:
		style = theme.StateReady
	case events.TypeWorkerFaulted, events.TypeInvocationFailed, events.TypeEscalated:
		style = theme.StateFaulted
	case events.TypeWorkerStarting, events.TypeRestartScheduled:
		style = theme.StateStarting
	case events.TypeFunctionChanged, events.TypeFunctionAdded:
		style = theme.Highlight
	default:
		style = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-24s", n.Type)), describe(n))
}

// describe pulls the interesting fields out of a notification payload.
func describe(n events.Notification) string {
	data := map[string]any{}
	_ = json.Unmarshal(n.Data, &data)

	var parts []string
	for _, key := range []string{"runtime", "channel_id", "function", "invocation_id", "path", "error"} {
		v, ok := data[key].(string)
		if !ok || v == "" {
			continue
		}
		if (key == "channel_id" || key == "invocation_id") && len(v) > 8 {
			v = v[:8]
		}
		parts = append(parts, v)
	}
	if ms, ok := data["duration_ms"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%.0fms", ms))
	}
	if len(parts) == 0 {
		raw := string(n.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/polyhost/internal/dispatch"
)

func workerColumns(width int) []table.Column {
	errWidth := max(10, width-4-10-10-14-8-8-10-8)
	return []table.Column{
		{Title: "Runtime", Width: 10},
		{Title: "Channel", Width: 10},
		{Title: "State", Width: 14},
		{Title: "PID", Width: 8},
		{Title: "Pending", Width: 8},
		{Title: "Up", Width: 10},
		{Title: "Error", Width: errWidth},
	}
}

// workerRows flattens pools into one table row per channel. A pool with no
// channels still gets a row so an escalated runtime stays visible.
func workerRows(pools []dispatch.PoolInfo, now time.Time) []table.Row {
	var rows []table.Row
	for _, p := range pools {
		if len(p.Channels) == 0 {
			state := "empty"
			if p.Escalated {
				state = "escalated"
			}
			last := ""
			if n := len(p.RecentErrors); n > 0 {
				last = p.RecentErrors[n-1].Error
			}
			rows = append(rows, table.Row{p.Runtime, "-", state, "", "", "", last})
			continue
		}
		for _, ch := range p.Channels {
			id := ch.ID
			if len(id) > 8 {
				id = id[:8]
			}
			pid := ""
			if ch.PID > 0 {
				pid = fmt.Sprint(ch.PID)
			}
			up := ""
			if !ch.StartedAt.IsZero() {
				up = formatDuration(now.Sub(ch.StartedAt))
			}
			rows = append(rows, table.Row{
				p.Runtime, id, ch.State.String(), pid, fmt.Sprint(ch.Pending), up, oneLine(ch.Error),
			})
		}
	}
	return rows
}

func budgetLine(pools []dispatch.PoolInfo) string {
	parts := make([]string, 0, len(pools))
	for _, p := range pools {
		parts = append(parts, fmt.Sprintf("%s %d/%d errors", p.Runtime, p.ErrorCount, p.ErrorBudget))
	}
	return strings.Join(parts, "  ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

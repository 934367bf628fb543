package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/events"
)

const pollInterval = 2 * time.Second

// Model is the BubbleTea model for `polyhost watch`.
type Model struct {
	client Client
	theme  Theme
	now    func() time.Time

	width  int
	height int

	health  HealthState
	pools   []dispatch.PoolInfo
	log     []string
	pulse   Pulse
	workers table.Model
	stream  viewport.Model

	notifications chan events.Notification
	lastError     string
}

// New creates a monitor for the host at client.BaseURL.
func New(client Client) Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(workerColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		client:        client,
		theme:         theme,
		now:           time.Now,
		workers:       t,
		stream:        viewport.New(80, 10),
		notifications: make(chan events.Notification, 128),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, m.notifications),
		receiveNext(m.notifications),
		fetchHealth(m.client),
		fetchWorkers(m.client),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.stream, cmd = m.stream.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workers.SetColumns(workerColumns(m.width))
		m.workers.SetHeight(max(4, m.height/3))
		m.stream.Width = m.width - 6
		m.stream.Height = max(4, m.height-m.height/3-14)
		return m, nil

	case tickMsg:
		return m, tick()

	case notificationMsg:
		n := events.Notification(msg)
		m.pulse.Hit(m.now())
		m.appendLog(formatNotification(n, m.theme))
		m.health.Connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNext(m.notifications)}
		// Lifecycle changes alter the worker table; refresh it now rather than
		// at the next poll.
		if strings.HasPrefix(n.Type, "worker.") || strings.HasPrefix(n.Type, "pool.") {
			cmds = append(cmds, fetchWorkers(m.client))
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health = HealthState{
			Status:             msg.Status,
			Version:            msg.Version,
			UptimeSeconds:      msg.UptimeSeconds,
			FunctionsLoaded:    msg.FunctionsLoaded,
			WorkersInitialized: msg.WorkersInitialized,
			PoolsEscalated:     msg.PoolsEscalated,
			Connected:          true,
			LastCheck:          m.now(),
		}
		m.lastError = ""
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetchHealth(m.client)() })

	case workersMsg:
		m.pools = msg.Pools
		m.workers.SetRows(workerRows(m.pools, m.now()))
		return m, nil

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.client, m.notifications)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.client)() })
	}

	return m, nil
}

// appendLog adds a line to the newest-first event log.
func (m *Model) appendLog(line string) {
	m.log = append([]string{line}, m.log...)
	if len(m.log) > maxLogLines {
		m.log = m.log[:maxLogLines]
	}
	m.stream.SetContent(strings.Join(m.log, "\n"))
	m.stream.GotoTop()
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to polyhost..."
	}
	now := m.now()
	inner := m.width - 4

	header := renderHeader(m.health, m.pulse, m.theme, m.width, now)

	workers := m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("WORKERS")+" "+m.theme.Dim.Render(budgetLine(m.pools)),
		m.workers.View(),
	))

	body := m.theme.Dim.Render("  Waiting for events...")
	if len(m.log) > 0 {
		body = m.stream.View()
	}
	stream := m.theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENTS"),
		body,
	))

	parts := []string{header, workers, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StateFaulted.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit  [up/down] select worker  [pgup/pgdn] scroll events"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/polyhost/internal/api"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/worker"
)

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		"id: 1",
		"event: worker.ready",
		`data: {"runtime":"python","channel_id":"0123456789"}`,
		"",
		": keep-alive",
		"",
		"id: 2",
		"event: invocation.failed",
		`data: {"function":"greet","error":"boom","duration_ms":12}`,
		"",
		"",
	}, "\n")

	ch := make(chan events.Notification, 4)
	require.NoError(t, readSSE(strings.NewReader(stream), ch))
	close(ch)

	var got []events.Notification
	for n := range ch {
		got = append(got, n)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, events.TypeWorkerReady, got[0].Type)
	assert.Equal(t, "python 01234567", describe(got[0]))
	assert.Equal(t, "greet boom 12ms", describe(got[1]))
}

func TestWorkerRows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pools := []dispatch.PoolInfo{
		{
			Runtime: "python",
			Channels: []worker.Info{
				{ID: "abcdef0123", State: worker.Initialized, PID: 4242, Pending: 3, StartedAt: now.Add(-90 * time.Second)},
				{ID: "c2", State: worker.Faulted, Error: "worker exited:\n signal: killed"},
			},
		},
		{
			Runtime:      "node",
			Escalated:    true,
			RecentErrors: []dispatch.ErrorRecord{{Error: "first"}, {Error: "last"}},
		},
	}

	rows := workerRows(pools, now)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"python", "abcdef01", "initialized", "4242", "3", "1m 30s", ""}, []string(rows[0]))
	assert.Equal(t, "worker exited: signal: killed", rows[1][6])
	assert.Equal(t, []string{"node", "-", "escalated", "", "", "", "last"}, []string(rows[2]))
}

func TestPulseFades(t *testing.T) {
	var p Pulse
	now := time.Now()
	assert.Equal(t, 0, p.Level(now))
	p.Hit(now)
	assert.Equal(t, 5, p.Level(now))
	assert.Equal(t, 3, p.Level(now.Add(5*time.Second)))
	assert.Equal(t, 0, p.Level(now.Add(time.Minute)))
}

func TestModelUpdate(t *testing.T) {
	m := New(Client{BaseURL: "http://127.0.0.1:1"})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)

	next, _ = m.Update(healthMsg(api.HealthzResponse{Status: "ok", Version: "0.1.0", FunctionsLoaded: 2, WorkersInitialized: 1}))
	m = next.(Model)
	assert.True(t, m.health.Connected)
	assert.Equal(t, 2, m.health.FunctionsLoaded)

	next, _ = m.Update(workersMsg(api.WorkersResponse{Pools: []dispatch.PoolInfo{{
		Runtime: "python", ErrorBudget: 3,
		Channels: []worker.Info{{ID: "c1", State: worker.Initialized}},
	}}}))
	m = next.(Model)
	assert.Len(t, m.workers.Rows(), 1)

	data, _ := json.Marshal(map[string]any{"runtime": "python", "channel_id": "c1"})
	next, cmd := m.Update(notificationMsg(events.Notification{ID: 7, Type: events.TypeWorkerFaulted, At: fixed, Data: data}))
	m = next.(Model)
	assert.NotNil(t, cmd)
	require.Len(t, m.log, 1)
	assert.Contains(t, m.log[0], events.TypeWorkerFaulted)
	assert.Equal(t, 5, m.pulse.Level(fixed))

	next, _ = m.Update(sseDisconnectedMsg{})
	m = next.(Model)
	assert.False(t, m.health.Connected)

	view := m.View()
	assert.Contains(t, view, "POLYHOST WATCH")
	assert.Contains(t, view, "python 0/3 errors")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.HealthzResponse{Status: "degraded", PoolsEscalated: 1})
	})
	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "invalid API key"})
			return
		}
		_ = json.NewEncoder(w).Encode(api.WorkersResponse{Pools: []dispatch.PoolInfo{{
			Runtime:  "python",
			Channels: []worker.Info{{ID: "c1", State: worker.Starting}},
		}}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	ctx := context.Background()

	h, err := Client{BaseURL: ts.URL}.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)

	w, err := Client{BaseURL: ts.URL + "/", APIKey: "k"}.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, w.Pools, 1)
	assert.Equal(t, worker.Starting, w.Pools[0].Channels[0].State)

	_, err = Client{BaseURL: ts.URL, APIKey: "wrong"}.Workers(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
}

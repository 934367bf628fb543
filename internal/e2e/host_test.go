// Package e2e drives the whole host with real worker processes. The test
// binary doubles as the worker: when workerEnv is set, TestMain runs the
// language worker instead of the tests.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/polyhost/internal/api"
	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/langworker"
	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/metrics"
	"github.com/mattjoyce/polyhost/internal/protocol"
	"github.com/mattjoyce/polyhost/internal/rpc"
	"github.com/mattjoyce/polyhost/internal/worker"
)

const (
	workerEnv = "POLYHOST_E2E_WORKER"
	apiKey    = "e2e-key"
)

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(runWorker())
	}
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func runWorker() int {
	opts, err := langworker.ParseArgs(os.Args[1:])
	if err != nil {
		return 2
	}
	opts.Handler = exitingEcho{}
	if err := langworker.Run(context.Background(), opts); err != nil {
		return 1
	}
	return 0
}

// exitingEcho is Echo, except the "exit" input kills the worker mid-invocation.
type exitingEcho struct{ langworker.Echo }

func (h exitingEcho) Invoke(ctx context.Context, req *protocol.InvocationRequest, logf langworker.LogFunc) (map[string]any, error) {
	if _, ok := req.InputData["exit"]; ok {
		os.Exit(3)
	}
	return h.Echo.Invoke(ctx, req, logf)
}

type host struct {
	disp    *dispatch.Dispatcher
	store   *journal.Store
	api     *httptest.Server
	fn      *function.Descriptor
	workers config.WorkersConfig
}

func startHost(t *testing.T) *host {
	t.Helper()
	root := t.TempDir()

	fnDir := filepath.Join(root, "functions", "greet")
	require.NoError(t, os.MkdirAll(fnDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fnDir, function.ManifestFilename), []byte("name: greet\nscript: greet.echo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fnDir, "greet.echo"), []byte("greet\n"), 0o644))

	runtimes := []config.RuntimeConfig{{
		Name:       "echo",
		Executable: os.Args[0],
		Extensions: []string{".echo"},
		Env:        map[string]string{workerEnv: "1"},
	}}
	registry, err := function.Discover(filepath.Join(root, "functions"), runtimes, nil)
	require.NoError(t, err)
	fn, ok := registry.Lookup("greet")
	require.True(t, ok)

	ctx := context.Background()
	store, err := journal.Open(ctx, filepath.Join(root, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	server, err := rpc.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)

	workers := config.DefaultWorkers()
	workers.MaxProcessCount = 2
	workers.StartupStagger = 0
	workers.RestartDebounce = 50 * time.Millisecond
	workers.TerminationGrace = time.Second

	hub := events.NewHub(128)
	t.Cleanup(hub.Close)
	m := metrics.New()
	disp := dispatch.New(dispatch.Options{
		Workers:     workers,
		Runtimes:    runtimes,
		Transport:   server,
		Launcher:    &worker.ExecLauncher{Grace: workers.TerminationGrace},
		HostVersion: "e2e",
		Hub:         hub,
		Recorder:    store,
		Metrics:     m,
	})
	require.NoError(t, disp.RegisterFunction(fn))

	srv := httptest.NewServer(api.New(api.Config{APIKey: apiKey, Version: "e2e"}, disp, store, hub, m.Handler(), nil).Handler())
	t.Cleanup(srv.Close)

	h := &host{disp: disp, store: store, api: srv, fn: fn, workers: workers}
	h.waitReady(t, 2)
	return h
}

func (h *host) initialized() int {
	n := 0
	for _, p := range h.disp.Pools() {
		for _, ch := range p.Channels {
			if ch.State == worker.Initialized {
				n++
			}
		}
	}
	return n
}

func (h *host) waitReady(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.initialized() == want },
		15*time.Second, 20*time.Millisecond, "expected %d initialized workers", want)
}

func (h *host) invoke(t *testing.T, inputs map[string]any) (int, api.InvokeResponse) {
	t.Helper()
	body, err := json.Marshal(api.InvokeRequest{Inputs: inputs})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.api.URL+"/functions/"+h.fn.ID+"/invoke?timeout=10s", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.InvokeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHost_InvokeOverAPI(t *testing.T) {
	h := startHost(t)
	defer h.disp.Shutdown()

	workersSeen := map[string]bool{}
	for i := 0; i < 4; i++ {
		code, resp := h.invoke(t, map[string]any{"return": "hello", "n": i})
		require.Equal(t, http.StatusOK, code, resp.Error)
		assert.Equal(t, journal.StatusSucceeded, resp.Status)
		assert.Equal(t, "hello", resp.Result)
		workersSeen[resp.WorkerID] = true
	}
	assert.Len(t, workersSeen, 2, "round robin should use both workers")

	code, resp := h.invoke(t, map[string]any{"fail": "bad input"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, journal.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "bad input")
	assert.Equal(t, 2, h.initialized(), "a failed invocation leaves the worker up")

	require.Eventually(t, func() bool {
		rows, err := h.store.RecentInvocations(context.Background(), h.fn.ID, 10)
		return err == nil && len(rows) == 5
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHost_CrashedWorkerIsReplaced(t *testing.T) {
	h := startHost(t)

	code, resp := h.invoke(t, map[string]any{"exit": true})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, journal.StatusFailed, resp.Status)

	h.waitReady(t, 2)
	pools := h.disp.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 1, pools[0].ErrorCount)
	assert.False(t, pools[0].Escalated)
	require.Len(t, pools[0].RecentErrors, 1)

	code, resp = h.invoke(t, map[string]any{"return": "again"})
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Equal(t, "again", resp.Result)

	h.disp.Shutdown()

	rows, err := h.store.RecentWorkerEvents(context.Background(), "echo", 50)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, ev := range rows {
		counts[ev.Event]++
	}
	assert.Equal(t, 3, counts[journal.EventStarted])
	assert.Equal(t, 1, counts[journal.EventFaulted])
	assert.Equal(t, 1, counts[journal.EventRestartScheduled])
	assert.Equal(t, 2, counts[journal.EventStopped])
}

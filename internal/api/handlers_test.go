package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/polyhost/internal/api/mocks"
	"github.com/mattjoyce/polyhost/internal/auth"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/metrics"
	"github.com/mattjoyce/polyhost/internal/worker"
)

const (
	testKey   = "secret"
	viewerKey = "viewer-secret"
)

var greetFn = &function.Descriptor{ID: "a1b2c3d4e5f60718", Name: "greet", Runtime: "python", ScriptFile: "/fn/greet/main.py"}

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type fixture struct {
	disp    *mocks.MockDispatcher
	history *mocks.MockHistory
	hub     *events.Hub
	handler http.Handler
}

func newFixture(t *testing.T, withHistory bool) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		disp:    mocks.NewMockDispatcher(ctrl),
		history: mocks.NewMockHistory(ctrl),
		hub:     events.NewHub(16),
	}
	t.Cleanup(f.hub.Close)

	var history History
	if withHistory {
		history = f.history
	}
	cfg := Config{
		APIKey:        testKey,
		Tokens:        map[string]auth.TokenConfig{"viewer": {Token: viewerKey, Scopes: []string{auth.ScopeFunctionsRead}}},
		InvokeTimeout: time.Second,
		Version:       "1.2.3",
	}
	srv := New(cfg,
		f.disp, history, f.hub, metrics.New().Handler(), log.WithComponent("api"))
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false)
	f.disp.EXPECT().Functions().Return([]*function.Descriptor{greetFn}).Times(2)
	f.disp.EXPECT().Pools().Return([]dispatch.PoolInfo{{
		Runtime:  "python",
		Channels: []worker.Info{{ID: "c1", State: worker.Initialized}, {ID: "c2", State: worker.Starting}},
	}})

	rec := f.do(http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 1, resp.FunctionsLoaded)
	assert.Equal(t, 1, resp.WorkersInitialized)

	f.disp.EXPECT().Pools().Return([]dispatch.PoolInfo{{Runtime: "python", Escalated: true}})
	rec = f.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[HealthzResponse](t, rec).Status)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(http.MethodGet, "/workers", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/functions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid API key", decode[ErrorResponse](t, rec).Error)
}

func TestScopedToken(t *testing.T) {
	f := newFixture(t, false)
	call := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+viewerKey)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	f.disp.EXPECT().Functions().Return([]*function.Descriptor{greetFn})
	rec := call(http.MethodGet, "/functions")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = call(http.MethodPost, "/functions/"+greetFn.ID+"/invoke")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, auth.ScopeInvoke)

	rec = call(http.MethodGet, "/workers")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsUnauthenticated(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWorkers(t *testing.T) {
	f := newFixture(t, false)
	f.disp.EXPECT().Pools().Return([]dispatch.PoolInfo{{Runtime: "python", MaxProcessCount: 2, ErrorBudget: 6}})

	rec := f.do(http.MethodGet, "/workers", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[WorkersResponse](t, rec)
	require.Len(t, resp.Pools, 1)
	assert.Equal(t, 6, resp.Pools[0].ErrorBudget)
}

func TestFunctions(t *testing.T) {
	f := newFixture(t, false)
	f.disp.EXPECT().Functions().Return([]*function.Descriptor{greetFn})
	f.disp.EXPECT().Function(greetFn.ID).Return(greetFn, true)
	f.disp.EXPECT().Function("nope").Return(nil, false)

	rec := f.do(http.MethodGet, "/functions", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]FunctionResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "greet", list[0].Name)

	rec = f.do(http.MethodGet, "/functions/"+greetFn.ID, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "python", decode[FunctionResponse](t, rec).Runtime)

	rec = f.do(http.MethodGet, "/functions/nope", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvoke(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		query      string
		invoke     func(ictx *invocation.Context) (*invocation.Context, error)
		wantStatus int
		check      func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name: "success",
			body: `{"inputs":{"name":"ada"},"binding_data":{"trace":"t1"}}`,
			invoke: func(ictx *invocation.Context) (*invocation.Context, error) {
				ictx.AssignWorker("c1")
				ictx.CompleteWithOutputs(map[string]any{"$return": "hello ada", "extra": 1.0})
				return ictx, nil
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[InvokeResponse](t, rec)
				assert.Equal(t, journal.StatusSucceeded, resp.Status)
				assert.Equal(t, "hello ada", resp.Result)
				assert.Equal(t, "c1", resp.WorkerID)
				assert.Equal(t, "t1", resp.Outputs["trace"])
				assert.Equal(t, 1.0, resp.Outputs["extra"])
				assert.NotEmpty(t, resp.InvocationID)
			},
		},
		{
			name: "function error",
			invoke: func(ictx *invocation.Context) (*invocation.Context, error) {
				ictx.Fail(errors.New("boom"))
				return ictx, nil
			},
			wantStatus: http.StatusBadGateway,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				resp := decode[InvokeResponse](t, rec)
				assert.Equal(t, journal.StatusFailed, resp.Status)
				assert.Equal(t, "boom", resp.Error)
			},
		},
		{
			name: "no worker",
			invoke: func(*invocation.Context) (*invocation.Context, error) {
				return nil, dispatch.ErrNoInitializedWorker
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "not loaded",
			invoke: func(*invocation.Context) (*invocation.Context, error) {
				return nil, dispatch.ErrFunctionNotLoaded
			},
			wantStatus: http.StatusConflict,
		},
		{
			name:  "timeout",
			query: "?timeout=20ms",
			invoke: func(ictx *invocation.Context) (*invocation.Context, error) {
				return ictx, nil
			},
			wantStatus: http.StatusGatewayTimeout,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				assert.Equal(t, "pending", decode[InvokeResponse](t, rec).Status)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.disp.EXPECT().Function(greetFn.ID).Return(greetFn, true)
			f.disp.EXPECT().Invoke(gomock.Any()).DoAndReturn(func(ictx *invocation.Context) (*invocation.Context, error) {
				assert.Same(t, greetFn, ictx.Function)
				return tt.invoke(ictx)
			})

			rec := f.do(http.MethodPost, "/functions/"+greetFn.ID+"/invoke"+tt.query, tt.body, true)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, rec)
			}
		})
	}
}

func TestInvoke_BadRequests(t *testing.T) {
	f := newFixture(t, false)
	f.disp.EXPECT().Function(greetFn.ID).Return(greetFn, true).Times(2)
	f.disp.EXPECT().Function("missing").Return(nil, false)

	rec := f.do(http.MethodPost, "/functions/"+greetFn.ID+"/invoke", `{"inputs":`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/functions/"+greetFn.ID+"/invoke?timeout=soon", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/functions/missing/invoke", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, true)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.history.EXPECT().RecentWorkerEvents(gomock.Any(), "python", 5).Return([]journal.WorkerEvent{
		{ChannelID: "c1", Runtime: "python", Event: journal.EventFaulted, Attempt: 1, At: at},
	}, nil)
	f.history.EXPECT().RecentInvocations(gomock.Any(), "", defaultHistoryLimit).Return(nil, nil)

	rec := f.do(http.MethodGet, "/workers/history?runtime=python&limit=5", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[[]journal.WorkerEvent](t, rec)
	require.Len(t, evs, 1)
	assert.Equal(t, journal.EventFaulted, evs[0].Event)

	rec = f.do(http.MethodGet, "/invocations", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(http.MethodGet, "/invocations?limit=-1", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory_Disabled(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodGet, "/invocations", "", true)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestOpenAPI(t *testing.T) {
	f := newFixture(t, false)
	f.disp.EXPECT().Functions().Return([]*function.Descriptor{greetFn})

	rec := f.do(http.MethodGet, "/openapi.json", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[map[string]any](t, rec)
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/functions/"+greetFn.ID+"/invoke")
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, false)
	f.hub.Publish(events.TypeWorkerStarting, map[string]any{"channel_id": "c1"})

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The replayed notification arrives first, then a live one.
	go func() {
		time.Sleep(50 * time.Millisecond)
		f.hub.Publish(events.TypeWorkerReady, map[string]any{"channel_id": "c1"})
	}()

	var kinds []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() && len(kinds) < 2 {
		if kind, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			kinds = append(kinds, kind)
		}
	}
	assert.Equal(t, []string{events.TypeWorkerStarting, events.TypeWorkerReady}, kinds)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("x"))
	assert.Equal(t, int64(0), parseLastEventID("-4"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}

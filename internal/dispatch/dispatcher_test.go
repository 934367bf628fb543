package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/dispatch/mocks"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

var (
	goRuntime = config.RuntimeConfig{Name: "go", Executable: "echo-worker", Extensions: []string{".go"}}
	echoFn    = &function.Descriptor{ID: "fn-echo", Name: "echo", Runtime: "go", ScriptFile: "/fn/echo.go"}
)

func testWorkers(maxProcs, factor int) config.WorkersConfig {
	w := config.DefaultWorkers()
	w.MaxProcessCount = maxProcs
	w.ErrorBudgetFactor = factor
	w.StartupStagger = 0
	w.RestartDebounce = 20 * time.Millisecond
	w.ConnectTimeout = time.Second
	return w
}

// fakeChannel is a scripted Channel. A failing channel publishes a
// WorkerError from Start, the way a real channel reports a fault.
type fakeChannel struct {
	id      string
	attempt int
	fail    bool
	bus     *events.Bus[events.WorkerError]

	mu      sync.Mutex
	state   worker.State
	invoked int
	loaded  []string
	stopped bool
	changes int
	invoke  func(*invocation.Context) error
}

func (f *fakeChannel) ID() string      { return f.id }
func (f *fakeChannel) Runtime() string { return goRuntime.Name }

func (f *fakeChannel) State() worker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Start(context.Context) error {
	if f.fail {
		f.mu.Lock()
		f.state = worker.Faulted
		f.mu.Unlock()
		err := errors.New("worker exited during startup")
		f.bus.Publish(events.WorkerError{ChannelID: f.id, Runtime: goRuntime.Name, Err: err, At: time.Now()})
		return err
	}
	f.mu.Lock()
	f.state = worker.Initialized
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) LoadFunction(fn *function.Descriptor) *worker.LoadFuture {
	f.mu.Lock()
	f.loaded = append(f.loaded, fn.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Invoke(_ *function.Descriptor, ictx *invocation.Context) error {
	f.mu.Lock()
	f.invoked++
	invoke := f.invoke
	f.mu.Unlock()
	if invoke != nil {
		return invoke(ictx)
	}
	ictx.AssignWorker(f.id)
	ictx.Complete(f.id)
	return nil
}

func (f *fakeChannel) HandleFileChange(events.FileChange) {
	f.mu.Lock()
	f.changes++
	f.mu.Unlock()
}

func (f *fakeChannel) Stop() {
	f.mu.Lock()
	f.stopped = true
	if f.state != worker.Faulted {
		f.state = worker.Stopped
	}
	f.mu.Unlock()
}

func (f *fakeChannel) Snapshot() worker.Info {
	return worker.Info{ID: f.id, Runtime: goRuntime.Name, State: f.State()}
}

func (f *fakeChannel) invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invoked
}

// factory records every channel it builds. failIf decides per attempt whether
// the new channel faults on start.
type factory struct {
	bus    *events.Bus[events.WorkerError]
	failIf func(attempt int) bool

	mu    sync.Mutex
	built []*fakeChannel
}

func (fa *factory) New(_ config.RuntimeConfig, attempt int) dispatch.Channel {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	ch := &fakeChannel{
		id:      fmt.Sprintf("ch-%d", len(fa.built)+1),
		attempt: attempt,
		fail:    fa.failIf != nil && fa.failIf(attempt),
		bus:     fa.bus,
		state:   worker.Stopped,
	}
	fa.built = append(fa.built, ch)
	return ch
}

func (fa *factory) channels() []*fakeChannel {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*fakeChannel(nil), fa.built...)
}

func newDispatcher(t *testing.T, workers config.WorkersConfig, fa *factory, mutate func(*dispatch.Options)) *dispatch.Dispatcher {
	t.Helper()
	opts := dispatch.Options{
		Workers:      workers,
		Runtimes:     []config.RuntimeConfig{goRuntime},
		NewChannel:   fa.New,
		WorkerErrors: fa.bus,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d := dispatch.New(opts)
	t.Cleanup(d.Shutdown)
	return d
}

func initializedCount(d *dispatch.Dispatcher) int {
	n := 0
	for _, p := range d.Pools() {
		for _, ch := range p.Channels {
			if ch.State == worker.Initialized {
				n++
			}
		}
	}
	return n
}

func TestRegisterFunction_StartsPool(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(3, 3), fa, nil)

	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 3 }, 2*time.Second, 10*time.Millisecond)

	// A second function is loaded on existing channels without growing the pool.
	other := &function.Descriptor{ID: "fn-other", Name: "other", Runtime: "go", ScriptFile: "/fn/other.go"}
	require.NoError(t, d.RegisterFunction(other))
	assert.Len(t, fa.channels(), 3)
	for _, ch := range fa.channels() {
		ch.mu.Lock()
		assert.Equal(t, []string{echoFn.ID, other.ID}, ch.loaded)
		ch.mu.Unlock()
	}

	fns := d.Functions()
	require.Len(t, fns, 2)
	assert.Equal(t, "echo", fns[0].Name)
}

func TestRegisterFunction_UnknownRuntime(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(1, 3), fa, nil)

	err := d.RegisterFunction(&function.Descriptor{ID: "x", Name: "x", Runtime: "cobol"})
	assert.ErrorIs(t, err, dispatch.ErrUnknownRuntime)
	assert.Empty(t, fa.channels())
}

func TestRegisterFunction_StaggersStartup(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	w := testWorkers(2, 3)
	w.StartupStagger = time.Hour
	d := newDispatcher(t, w, fa, nil)

	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, initializedCount(d), "second channel waits for its stagger slot")
}

func TestInvoke_NoInitializedWorker(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(1, 3), fa, nil)

	_, err := d.Invoke(invocation.New(echoFn, nil, nil))
	assert.ErrorIs(t, err, dispatch.ErrNoInitializedWorker)
}

func TestInvoke_RoundRobin(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(3, 3), fa, nil)
	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 3 }, 2*time.Second, 10*time.Millisecond)

	for range 9 {
		ictx, err := d.Invoke(invocation.New(echoFn, nil, nil))
		require.NoError(t, err)
		_, err = ictx.Wait(context.Background())
		require.NoError(t, err)
	}
	for _, ch := range fa.channels() {
		assert.Equal(t, 3, ch.invocations(), ch.id)
	}
}

func TestInvoke_FunctionNotLoaded(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(1, 3), fa, nil)
	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 1 }, 2*time.Second, 10*time.Millisecond)

	ch := fa.channels()[0]
	ch.mu.Lock()
	ch.invoke = func(*invocation.Context) error { return worker.ErrFunctionNotLoaded }
	ch.mu.Unlock()

	ictx := invocation.New(echoFn, nil, nil)
	got, err := d.Invoke(ictx)
	assert.ErrorIs(t, err, dispatch.ErrFunctionNotLoaded)
	assert.Nil(t, got)
	select {
	case <-ictx.Done():
		t.Fatal("rejected invocation must not be completed")
	default:
	}
}

func TestInvoke_HandOffFailureFailsInvocation(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(1, 3), fa, nil)
	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 1 }, 2*time.Second, 10*time.Millisecond)

	ch := fa.channels()[0]
	ch.mu.Lock()
	ch.invoke = func(*invocation.Context) error { return worker.ErrChannelFaulted }
	ch.mu.Unlock()

	ictx, err := d.Invoke(invocation.New(echoFn, nil, nil))
	require.NoError(t, err)
	_, err = ictx.Wait(context.Background())
	assert.ErrorIs(t, err, worker.ErrChannelFaulted)
}

func TestOnWorkerError_RestartsWithinBudget(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	fa.failIf = func(attempt int) bool { return attempt == 0 }
	var fatal atomic.Int32
	d := newDispatcher(t, testWorkers(2, 3), fa, func(o *dispatch.Options) {
		o.OnFatal = func(error) { fatal.Add(1) }
	})

	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 2 }, 2*time.Second, 10*time.Millisecond)

	built := fa.channels()
	require.Len(t, built, 4, "two failed originals and two replacements")
	for _, ch := range built[2:] {
		assert.Positive(t, ch.attempt)
	}
	pools := d.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 2, pools[0].ErrorCount)
	assert.Equal(t, 6, pools[0].ErrorBudget)
	assert.Len(t, pools[0].RecentErrors, 2)
	assert.False(t, pools[0].Escalated)
	assert.Zero(t, fatal.Load())

	// Failed channels were stopped after leaving the pool.
	require.Eventually(t, func() bool {
		for _, ch := range built[:2] {
			ch.mu.Lock()
			stopped := ch.stopped
			ch.mu.Unlock()
			if !stopped {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestOnWorkerError_EscalatesOnceWhenBudgetSpent(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	fa.failIf = func(int) bool { return true }
	var fatal atomic.Int32
	hub := events.NewHub(64)
	t.Cleanup(hub.Close)
	d := newDispatcher(t, testWorkers(2, 2), fa, func(o *dispatch.Options) {
		o.OnFatal = func(error) { fatal.Add(1) }
		o.Hub = hub
	})

	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return fatal.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fatal.Load())
	pools := d.Pools()
	require.Len(t, pools, 1)
	assert.True(t, pools[0].Escalated)
	assert.GreaterOrEqual(t, pools[0].ErrorCount, 4)
	assert.Len(t, fa.channels(), pools[0].ErrorCount, "no launch after the budget is spent")
	assert.LessOrEqual(t, len(fa.channels()), pools[0].ErrorBudget)
	assert.Empty(t, pools[0].Channels)

	escalations := 0
	for _, n := range hub.Since(0) {
		if n.Type == events.TypeEscalated {
			escalations++
		}
	}
	assert.Equal(t, 1, escalations)
}

func TestOnWorkerError_DebounceCollapsesBurst(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	w := testWorkers(3, 5)
	w.RestartDebounce = 100 * time.Millisecond
	d := newDispatcher(t, w, fa, nil)
	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 3 }, 2*time.Second, 10*time.Millisecond)

	for _, ch := range fa.channels() {
		fa.bus.Publish(events.WorkerError{ChannelID: ch.id, Runtime: "go", Err: errors.New("crashed"), At: time.Now()})
	}
	require.Eventually(t, func() bool { return initializedCount(d) == 3 }, 2*time.Second, 10*time.Millisecond)

	built := fa.channels()
	assert.Len(t, built, 6)
	for _, ch := range built[3:] {
		assert.Equal(t, 3, ch.attempt, "one top-up after the whole burst")
	}
}

func TestFileChange_ForwardedToInitializedChannels(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	changes := events.NewBus[events.FileChange]()
	d := newDispatcher(t, testWorkers(2, 3), fa, func(o *dispatch.Options) { o.FileChanges = changes })
	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 2 }, 2*time.Second, 10*time.Millisecond)

	changes.Publish(events.FileChange{Path: "/fn/echo.go", Kind: "write"})
	for _, ch := range fa.channels() {
		ch.mu.Lock()
		assert.Equal(t, 1, ch.changes)
		ch.mu.Unlock()
	}
}

func TestShutdown_StopsChannelsAndRejectsWork(t *testing.T) {
	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(2, 3), fa, nil)
	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 2 }, 2*time.Second, 10*time.Millisecond)

	d.Shutdown()
	d.Shutdown()
	for _, ch := range fa.channels() {
		ch.mu.Lock()
		assert.True(t, ch.stopped)
		ch.mu.Unlock()
	}
	_, err := d.Invoke(invocation.New(echoFn, nil, nil))
	assert.ErrorIs(t, err, dispatch.ErrShutdown)
	assert.ErrorIs(t, d.RegisterFunction(echoFn), dispatch.ErrShutdown)

	// Errors arriving after shutdown are ignored.
	fa.bus.Publish(events.WorkerError{ChannelID: "ch-1", Runtime: "go", Err: errors.New("late")})
	assert.Len(t, fa.channels(), 2)
}

func TestShutdown_WaitsForInvocationsAcceptedConcurrently(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockRecorder(ctrl)
	var journaled atomic.Int32
	rec.EXPECT().RecordWorkerEvent(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	rec.EXPECT().RecordInvocation(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, journal.Invocation) error {
		journaled.Add(1)
		return nil
	}).AnyTimes()

	fa := &factory{bus: events.NewBus[events.WorkerError]()}
	d := newDispatcher(t, testWorkers(2, 3), fa, func(o *dispatch.Options) { o.Recorder = rec })
	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 2 }, 2*time.Second, 10*time.Millisecond)

	var (
		accepted atomic.Int32
		wg       sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5000 {
				_, err := d.Invoke(invocation.New(echoFn, nil, nil))
				if errors.Is(err, dispatch.ErrShutdown) {
					return
				}
				if err == nil {
					accepted.Add(1)
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	d.Shutdown()
	wg.Wait()

	assert.Positive(t, accepted.Load())
	assert.Equal(t, accepted.Load(), journaled.Load(), "every accepted invocation is journaled before Shutdown returns")
}

func TestDispatcher_JournalsLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ch := mocks.NewMockChannel(ctrl)
	ch.EXPECT().ID().Return("ch-mock").AnyTimes()
	ch.EXPECT().Runtime().Return("go").AnyTimes()
	ch.EXPECT().State().Return(worker.Initialized).AnyTimes()
	ch.EXPECT().LoadFunction(echoFn).Return(nil)
	ch.EXPECT().Start(gomock.Any()).Return(nil)
	ch.EXPECT().Invoke(echoFn, gomock.Any()).DoAndReturn(func(_ *function.Descriptor, ictx *invocation.Context) error {
		ictx.AssignWorker("ch-mock")
		ictx.Complete("ok")
		return nil
	})
	ch.EXPECT().Stop()

	rec := mocks.NewMockRecorder(ctrl)
	var (
		mu   sync.Mutex
		seen []string
	)
	rec.EXPECT().RecordWorkerEvent(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev journal.WorkerEvent) error {
		mu.Lock()
		seen = append(seen, ev.Event)
		mu.Unlock()
		return nil
	}).Times(2)
	invDone := make(chan journal.Invocation, 1)
	rec.EXPECT().RecordInvocation(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, inv journal.Invocation) error {
		invDone <- inv
		return nil
	})

	d := dispatch.New(dispatch.Options{
		Workers:    testWorkers(1, 3),
		Runtimes:   []config.RuntimeConfig{goRuntime},
		NewChannel: func(config.RuntimeConfig, int) dispatch.Channel { return ch },
		Recorder:   rec,
	})
	require.NoError(t, d.RegisterFunction(echoFn))

	ictx, err := d.Invoke(invocation.New(echoFn, nil, nil))
	require.NoError(t, err)
	v, err := ictx.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	select {
	case inv := <-invDone:
		assert.Equal(t, journal.StatusSucceeded, inv.Status)
		assert.Equal(t, "ch-mock", inv.WorkerID)
		assert.Equal(t, echoFn.ID, inv.FunctionID)
	case <-time.After(2 * time.Second):
		t.Fatal("invocation was not journaled")
	}

	d.Shutdown()
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{journal.EventStarted, journal.EventStopped}, seen)
}

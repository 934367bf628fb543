package dispatch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/langworker"
	"github.com/mattjoyce/polyhost/internal/metrics"
	"github.com/mattjoyce/polyhost/internal/rpc"
	"github.com/mattjoyce/polyhost/internal/worker/workertest"
)

func TestDispatcher_RealWorkers(t *testing.T) {
	srv, err := rpc.Listen("127.0.0.1:0", nil)
	require.NoError(t, err)

	launcher := &workertest.Launcher{Handler: &langworker.Recorder{}}
	hub := events.NewHub(128)
	t.Cleanup(hub.Close)
	var fatal atomic.Int32

	d := dispatch.New(dispatch.Options{
		Workers:     testWorkers(2, 3),
		Runtimes:    []config.RuntimeConfig{goRuntime},
		Transport:   srv,
		Launcher:    launcher,
		HostVersion: "test",
		Hub:         hub,
		Metrics:     metrics.New(),
		OnFatal:     func(error) { fatal.Add(1) },
	})
	t.Cleanup(d.Shutdown)

	require.NoError(t, d.RegisterFunction(echoFn))
	require.Eventually(t, func() bool { return initializedCount(d) == 2 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Loads are asynchronous; retry until the chosen channel has acknowledged.
	var ictx *invocation.Context
	require.Eventually(t, func() bool {
		ictx, err = d.Invoke(invocation.New(echoFn, map[string]any{"return": "hi"}, nil))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	v, err := ictx.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	// Crash one worker; the pool tops itself back up.
	procs := launcher.Processes()
	require.Len(t, procs, 2)
	procs[0].Crash()

	require.Eventually(t, func() bool {
		return len(launcher.Processes()) == 3 && initializedCount(d) == 2
	}, 5*time.Second, 20*time.Millisecond)

	pools := d.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 1, pools[0].ErrorCount)
	assert.Zero(t, fatal.Load())

	kinds := map[string]int{}
	for _, n := range hub.Since(0) {
		kinds[n.Type]++
	}
	assert.Positive(t, kinds[events.TypeWorkerReady])
	assert.Equal(t, 1, kinds[events.TypeWorkerFaulted])
	assert.Equal(t, 1, kinds[events.TypeRestartScheduled])

	d.Shutdown()
	_, err = d.Invoke(invocation.New(echoFn, nil, nil))
	assert.ErrorIs(t, err, dispatch.ErrShutdown)
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/polyhost/internal/balance"
	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/metrics"
	"github.com/mattjoyce/polyhost/internal/worker"
)

var (
	ErrNoInitializedWorker = errors.New("no initialized worker for runtime")
	ErrFunctionNotLoaded   = worker.ErrFunctionNotLoaded
	ErrNoAvailableWorker   = balance.ErrNoAvailableWorker
	ErrUnknownRuntime      = errors.New("runtime not configured")
	ErrShutdown            = errors.New("dispatcher is shut down")
)

// journalTimeout bounds a single journal write.
const journalTimeout = 5 * time.Second

// Options wires a Dispatcher.
type Options struct {
	Workers  config.WorkersConfig
	Runtimes []config.RuntimeConfig

	// Transport is closed by Shutdown. Required unless NewChannel is set.
	Transport Transport
	// Launcher starts worker processes for the default channel factory.
	Launcher worker.Launcher
	// NewChannel overrides how channels are built.
	NewChannel  ChannelFactory
	HostVersion string

	WorkerErrors *events.Bus[events.WorkerError]
	FileChanges  *events.Bus[events.FileChange]
	Hub          *events.Hub
	Recorder     Recorder
	Metrics      *metrics.Metrics

	// OnFatal is called once when a runtime exhausts its error budget with no
	// live channel left. The host is expected to shut down.
	OnFatal func(error)
	Logger  *slog.Logger
}

// Dispatcher routes invocations to per-runtime worker pools and keeps the
// pools healthy.
type Dispatcher struct {
	opts     Options
	logger   *slog.Logger
	runtimes map[string]config.RuntimeConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	functions map[string]*function.Descriptor
	pools     map[string]*Pool

	unsubscribe []func()
	// gate orders every background.Add before the Wait in Shutdown.
	gate       sync.RWMutex
	background sync.WaitGroup
	shutdown   atomic.Bool
	fatalOnce  sync.Once
}

// New creates a dispatcher and subscribes it to worker error and file change events.
func New(opts Options) *Dispatcher {
	if opts.Workers.MaxProcessCount <= 0 {
		opts.Workers = config.DefaultWorkers()
	}
	if opts.Workers.ErrorBudgetFactor <= 0 {
		opts.Workers.ErrorBudgetFactor = config.DefaultWorkers().ErrorBudgetFactor
	}
	if opts.WorkerErrors == nil {
		opts.WorkerErrors = events.NewBus[events.WorkerError]()
	}
	if opts.FileChanges == nil {
		opts.FileChanges = events.NewBus[events.FileChange]()
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(error) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:      opts,
		logger:    logger,
		runtimes:  make(map[string]config.RuntimeConfig, len(opts.Runtimes)),
		ctx:       ctx,
		cancel:    cancel,
		functions: make(map[string]*function.Descriptor),
		pools:     make(map[string]*Pool),
	}
	for _, rt := range opts.Runtimes {
		d.runtimes[rt.Name] = rt
	}
	if d.opts.NewChannel == nil {
		d.opts.NewChannel = d.newWorkerChannel
	}
	d.unsubscribe = append(d.unsubscribe,
		opts.WorkerErrors.Subscribe(d.OnWorkerError),
		opts.FileChanges.Subscribe(d.onFileChange),
	)
	return d
}

func (d *Dispatcher) maxProcessCount() int {
	return min(d.opts.Workers.MaxProcessCount, config.MaxProcessCountCeiling)
}

// errorBudget is the number of failures a runtime may accumulate before the
// dispatcher stops replacing its channels.
func (d *Dispatcher) errorBudget() int {
	return d.opts.Workers.ErrorBudgetFactor * d.maxProcessCount()
}

func (d *Dispatcher) newWorkerChannel(rt config.RuntimeConfig, attempt int) Channel {
	return worker.NewChannel(worker.Options{
		Runtime:          rt,
		Transport:        d.opts.Transport,
		Launcher:         d.opts.Launcher,
		ConnectTimeout:   d.opts.Workers.ConnectTimeout,
		BufferSize:       d.opts.Workers.BufferSize,
		TerminationGrace: d.opts.Workers.TerminationGrace,
		HostVersion:      d.opts.HostVersion,
		RestartAttempt:   attempt,
		Errors:           d.opts.WorkerErrors,
		Logger:           log.WithRuntime(rt.Name),
		OnStateChange:    d.onStateChange,
	})
}

func (d *Dispatcher) onStateChange(ch *worker.Channel, from, to worker.State) {
	d.opts.Metrics.StateChanged(ch.Runtime(), from.String(), to.String())
	if d.opts.Hub == nil {
		return
	}
	kind := ""
	switch to {
	case worker.Starting:
		kind = events.TypeWorkerStarting
	case worker.Initialized:
		kind = events.TypeWorkerReady
	case worker.Faulted:
		kind = events.TypeWorkerFaulted
	case worker.Stopped:
		kind = events.TypeWorkerStopped
	default:
		return
	}
	d.opts.Hub.Publish(kind, map[string]any{
		"channel_id": ch.ID(),
		"runtime":    ch.Runtime(),
		"from":       from.String(),
		"to":         to.String(),
	})
}

// RegisterFunction records fn and makes sure its runtime has a pool. The first
// registration for a runtime starts up to MaxProcessCount channels in the
// background, staggered by StartupStagger per launch. Channels that already
// exist are asked to load fn. It does not wait for any worker.
func (d *Dispatcher) RegisterFunction(fn *function.Descriptor) error {
	if d.shutdown.Load() {
		return ErrShutdown
	}
	rt, ok := d.runtimes[fn.Runtime]
	if !ok {
		return fmt.Errorf("%w: %q (function %s)", ErrUnknownRuntime, fn.Runtime, fn.Name)
	}

	d.mu.Lock()
	d.functions[fn.ID] = fn
	pool, exists := d.pools[rt.Name]
	if !exists {
		pool = newPool(rt, d.maxProcessCount(), d.opts.Workers.ErrorHistorySize)
		d.pools[rt.Name] = pool
	}
	d.mu.Unlock()

	d.logger.Info("function registered", "function", fn.Name, "function_id", fn.ID, "runtime", rt.Name)
	if d.opts.Hub != nil {
		d.opts.Hub.Publish(events.TypeFunctionAdded, map[string]any{"function_id": fn.ID, "function": fn.Name, "runtime": rt.Name})
	}

	if !exists {
		for i := 0; i < pool.max; i++ {
			d.startChannel(pool, 0, time.Duration(i)*d.opts.Workers.StartupStagger)
		}
		return nil
	}
	for _, ch := range pool.all() {
		ch.LoadFunction(fn)
	}
	return nil
}

// startChannel admits a new channel into pool, queues loads for every
// registered function of its runtime and starts it after delay.
func (d *Dispatcher) startChannel(pool *Pool, attempt int, delay time.Duration) bool {
	if !d.track() {
		return false
	}
	ch := d.opts.NewChannel(pool.runtime, attempt)
	if !pool.add(ch) {
		d.background.Done()
		return false
	}
	for _, fn := range d.functionsFor(pool.Runtime()) {
		ch.LoadFunction(fn)
	}

	go func() {
		defer d.background.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-d.ctx.Done():
				timer.Stop()
				return
			}
		}
		if err := ch.Start(d.ctx); err != nil {
			// Faults arrive through OnWorkerError.
			d.logger.Warn("worker channel failed to start", "runtime", pool.Runtime(), "channel_id", ch.ID(), "error", err)
			return
		}
		d.record(journal.WorkerEvent{ChannelID: ch.ID(), Runtime: pool.Runtime(), Event: journal.EventStarted, Attempt: attempt})
	}()
	return true
}

func (d *Dispatcher) functionsFor(runtime string) []*function.Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*function.Descriptor
	for _, fn := range d.functions {
		if fn.Runtime == runtime {
			out = append(out, fn)
		}
	}
	return out
}

func (d *Dispatcher) pool(runtime string) (*Pool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pools[runtime]
	return p, ok
}

// Invoke hands ictx to an initialized channel of its function's runtime and
// returns it as the completion handle. Errors are returned only for requests
// that can never succeed as made: no initialized worker, more live channels
// than allowed, or a function that was never loaded on the chosen channel.
func (d *Dispatcher) Invoke(ictx *invocation.Context) (*invocation.Context, error) {
	if !d.track() {
		return nil, ErrShutdown
	}
	observed := false
	defer func() {
		if !observed {
			d.background.Done()
		}
	}()

	fn := ictx.Function
	pool, ok := d.pool(fn.Runtime)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInitializedWorker, fn.Runtime)
	}
	live := pool.initialized()
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInitializedWorker, fn.Runtime)
	}
	if len(live) > pool.max {
		return nil, fmt.Errorf("%w: %s has %d live channels, limit %d", ErrNoInitializedWorker, fn.Runtime, len(live), pool.max)
	}

	ch, err := pool.rr.Select(live, pool.max)
	if err != nil {
		return nil, err
	}
	if err := ch.Invoke(fn, ictx); err != nil {
		if errors.Is(err, worker.ErrFunctionNotLoaded) {
			return nil, err
		}
		// The channel went away between selection and hand-off.
		ictx.Fail(err)
	}

	observed = true
	go d.observe(ictx)
	return ictx, nil
}

// track reserves a slot in the background group. It fails once shutdown has
// begun, so no Add can race the final Wait.
func (d *Dispatcher) track() bool {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.shutdown.Load() {
		return false
	}
	d.background.Add(1)
	return true
}

// observe journals and counts an invocation once it finishes.
func (d *Dispatcher) observe(ictx *invocation.Context) {
	defer d.background.Done()
	<-ictx.Done()

	_, err := ictx.Result()
	status := journal.StatusSucceeded
	kind := events.TypeInvocationDone
	errText := ""
	if err != nil {
		status = journal.StatusFailed
		kind = events.TypeInvocationFailed
		errText = err.Error()
		log.WithInvocation(ictx.ID).Debug("invocation failed",
			"function", ictx.Function.Name, "worker_id", ictx.WorkerID(), "error", err)
	}
	fn := ictx.Function
	d.opts.Metrics.Invocation(fn.Runtime, status, ictx.Duration())
	if d.opts.Hub != nil {
		d.opts.Hub.Publish(kind, map[string]any{
			"invocation_id": ictx.ID,
			"function_id":   fn.ID,
			"function":      fn.Name,
			"worker_id":     ictx.WorkerID(),
			"duration_ms":   ictx.Duration().Milliseconds(),
			"error":         errText,
		})
	}
	if d.opts.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		rec := journal.Invocation{
			ID:           ictx.ID,
			FunctionID:   fn.ID,
			FunctionName: fn.Name,
			Runtime:      fn.Runtime,
			WorkerID:     ictx.WorkerID(),
			Status:       status,
			Error:        errText,
			Duration:     ictx.Duration(),
			StartedAt:    ictx.Created,
			CompletedAt:  ictx.Created.Add(ictx.Duration()),
		}
		if err := d.opts.Recorder.RecordInvocation(ctx, rec); err != nil {
			d.logger.Warn("failed to journal invocation", "invocation_id", ictx.ID, "error", err)
		}
	}
}

// OnWorkerError is the recovery loop. It records the failure, disposes of the
// channel and either schedules a debounced top-up of the pool or, once the
// error budget is spent and the pool is empty, escalates to host shutdown.
func (d *Dispatcher) OnWorkerError(ev events.WorkerError) {
	if d.shutdown.Load() {
		return
	}
	pool, ok := d.pool(ev.Runtime)
	if !ok {
		d.logger.Warn("worker error for unknown runtime", "runtime", ev.Runtime, "channel_id", ev.ChannelID)
		return
	}

	errText := "unknown error"
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	count := pool.recordError(ErrorRecord{ChannelID: ev.ChannelID, Error: errText, At: ev.At})
	d.opts.Metrics.WorkerError(ev.Runtime)
	d.logger.Error("worker channel failed",
		"runtime", ev.Runtime, "channel_id", ev.ChannelID, "error", errText,
		"error_count", count, "error_budget", d.errorBudget())

	if ch, removed := pool.remove(ev.ChannelID); removed {
		d.dispose(ch)
	}
	d.record(journal.WorkerEvent{ChannelID: ev.ChannelID, Runtime: ev.Runtime, Event: journal.EventFaulted, Attempt: count, Detail: errText})

	budget := d.errorBudget()
	switch {
	case count < budget:
		pool.scheduleRestart(d.opts.Workers.RestartDebounce, func() { d.topUp(pool) })
		d.record(journal.WorkerEvent{ChannelID: ev.ChannelID, Runtime: ev.Runtime, Event: journal.EventRestartScheduled, Attempt: count})
		if d.opts.Hub != nil {
			d.opts.Hub.Publish(events.TypeRestartScheduled, map[string]any{
				"runtime": ev.Runtime, "error_count": count, "after_ms": d.opts.Workers.RestartDebounce.Milliseconds(),
			})
		}
	case pool.size() == 0:
		d.escalate(pool, fmt.Errorf("runtime %s: %d worker failures with no live channel left, last: %s", ev.Runtime, count, errText))
	default:
		d.logger.Warn("error budget exhausted, not replacing channel", "runtime", ev.Runtime, "live_channels", pool.size())
	}
}

// topUp refills pool to its maximum. It runs when the restart timer fires.
func (d *Dispatcher) topUp(pool *Pool) {
	if d.shutdown.Load() {
		return
	}
	count := pool.errors()
	if count >= d.errorBudget() {
		if pool.size() == 0 {
			d.escalate(pool, fmt.Errorf("runtime %s: error budget of %d spent", pool.Runtime(), d.errorBudget()))
		}
		return
	}
	started := 0
	for missing := pool.max - pool.size(); missing > 0; missing-- {
		if d.startChannel(pool, count, 0) {
			started++
		}
	}
	if started > 0 {
		d.opts.Metrics.Restarted(pool.Runtime(), started)
		d.logger.Info("restarting worker channels", "runtime", pool.Runtime(), "count", started, "attempt", count)
	}
}

func (d *Dispatcher) escalate(pool *Pool, err error) {
	if !pool.markEscalated() {
		return
	}
	d.opts.Metrics.Escalated(pool.Runtime())
	d.record(journal.WorkerEvent{Runtime: pool.Runtime(), Event: journal.EventEscalated, Attempt: pool.errors(), Detail: err.Error()})
	if d.opts.Hub != nil {
		d.opts.Hub.Publish(events.TypeEscalated, map[string]any{"runtime": pool.Runtime(), "error": err.Error()})
	}
	d.fatalOnce.Do(func() {
		d.logger.Error("worker pool cannot recover, shutting down host", "runtime", pool.Runtime(), "error", err)
		d.opts.OnFatal(err)
	})
}

// dispose stops a channel that has left its pool.
func (d *Dispatcher) dispose(ch Channel) {
	stop := func() {
		state := ch.State()
		ch.Stop()
		d.opts.Metrics.ChannelDisposed(ch.Runtime(), state.String())
	}
	if !d.track() {
		stop()
		return
	}
	go func() {
		defer d.background.Done()
		stop()
	}()
}

func (d *Dispatcher) onFileChange(ev events.FileChange) {
	if d.opts.Hub != nil {
		d.opts.Hub.Publish(events.TypeFunctionChanged, map[string]any{"path": ev.Path, "kind": ev.Kind, "hash": ev.Hash})
	}
	d.mu.RLock()
	pools := make([]*Pool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.RUnlock()

	for _, p := range pools {
		for _, ch := range p.initialized() {
			ch.HandleFileChange(ev)
		}
	}
}

func (d *Dispatcher) record(ev journal.WorkerEvent) {
	if d.opts.Recorder == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := d.opts.Recorder.RecordWorkerEvent(ctx, ev); err != nil {
		d.logger.Warn("failed to journal worker event", "event", ev.Event, "runtime", ev.Runtime, "error", err)
	}
}

// Functions returns the registered functions sorted by name.
func (d *Dispatcher) Functions() []*function.Descriptor {
	d.mu.RLock()
	out := make([]*function.Descriptor, 0, len(d.functions))
	for _, fn := range d.functions {
		out = append(out, fn)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Function looks up a registered function by id.
func (d *Dispatcher) Function(id string) (*function.Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.functions[id]
	return fn, ok
}

// Pools describes every pool, sorted by runtime.
func (d *Dispatcher) Pools() []PoolInfo {
	d.mu.RLock()
	pools := make([]*Pool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.RUnlock()

	out := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.snapshot(d.errorBudget()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Runtime < out[j].Runtime })
	return out
}

// Shutdown stops every channel, drops event subscriptions and closes the
// transport. It is safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.gate.Lock()
	first := d.shutdown.CompareAndSwap(false, true)
	d.gate.Unlock()
	if !first {
		return
	}
	d.logger.Info("dispatcher shutting down")
	d.cancel()
	for _, unsub := range d.unsubscribe {
		unsub()
	}

	d.mu.RLock()
	pools := make([]*Pool, 0, len(d.pools))
	for _, p := range d.pools {
		pools = append(pools, p)
	}
	d.mu.RUnlock()

	var g errgroup.Group
	for _, p := range pools {
		for _, ch := range p.close() {
			g.Go(func() error {
				ch.Stop()
				d.record(journal.WorkerEvent{ChannelID: ch.ID(), Runtime: ch.Runtime(), Event: journal.EventStopped})
				return nil
			})
		}
	}
	_ = g.Wait()
	d.background.Wait()

	if d.opts.Transport != nil {
		d.opts.Transport.Close()
	}
	d.logger.Info("dispatcher stopped")
}

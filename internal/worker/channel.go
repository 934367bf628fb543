// Package worker owns one language worker process and its message stream.
//
// A Channel moves Stopped -> Starting -> Initializing -> Initialized. Any I/O
// failure, abnormal exit or connect timeout moves it to Faulted and publishes
// one events.WorkerError. A channel never repairs itself.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/log"
	"github.com/mattjoyce/polyhost/internal/protocol"
	"github.com/mattjoyce/polyhost/internal/rpc"
)

var (
	ErrFunctionNotLoaded = errors.New("function not loaded on channel")
	ErrChannelFaulted    = errors.New("worker channel faulted")
	ErrChannelStopped    = errors.New("worker channel stopped")
	ErrConnectTimeout    = errors.New("worker did not connect in time")
)

// RestartAttemptEnv carries the restart attempt hint to the worker process.
const RestartAttemptEnv = "POLYHOST_RESTART_ATTEMPT"

const defaultConnectTimeout = 10 * time.Second

// FunctionError is an explicit failure reported by the worker for one invocation.
// It fails only that invocation and is not a channel fault.
type FunctionError struct {
	FunctionID   string
	InvocationID string
	Exception    string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function %s failed: %s", e.FunctionID, e.Exception)
}

// Transport is the shared endpoint workers connect back to.
type Transport interface {
	Address() string
	Expect(workerID string) *rpc.Pending
}

// Options configures a Channel.
type Options struct {
	Runtime          config.RuntimeConfig
	Transport        Transport
	Launcher         Launcher
	ConnectTimeout   time.Duration
	BufferSize       int
	TerminationGrace time.Duration
	HostVersion      string
	// RestartAttempt is passed to the worker as a hint; 0 on first launch.
	RestartAttempt int

	Errors *events.Bus[events.WorkerError]
	Logger *slog.Logger
	Sink   log.TraceSink
	// OnStateChange is called under the channel lock and must not call back into it.
	OnStateChange func(ch *Channel, from, to State)
}

// Channel is the host-side handle to one worker process.
type Channel struct {
	id     string
	opts   Options
	logger *slog.Logger
	sink   log.TraceSink

	startMu sync.Mutex

	mu        sync.Mutex
	state     State
	cur       *run
	functions map[string]*function.Descriptor
	startedAt time.Time
}

// run is the per-process state of a channel. Start after Stop begins a new run.
type run struct {
	launched bool
	done     chan struct{}
	ready    chan struct{}
	proc     Process
	conn     *rpc.Conn
	err      error

	loads   *loadCache
	buffers map[string]chan *invocation.Context
	pending map[string]*invocation.Context

	// gate orders Invoke's buffer sends before teardown drains the buffers.
	gate     sync.RWMutex
	teardown sync.Once
}

func newRun() *run {
	return &run{
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		loads:   newLoadCache(),
		buffers: make(map[string]chan *invocation.Context),
		pending: make(map[string]*invocation.Context),
	}
}

// NewChannel creates a stopped channel.
func NewChannel(opts Options) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = config.DefaultWorkers().BufferSize
	}
	if opts.Launcher == nil {
		opts.Launcher = &ExecLauncher{Grace: opts.TerminationGrace, Logger: opts.Logger}
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = log.Get()
	}
	logger = logger.With("runtime", opts.Runtime.Name, "worker_id", id)
	sink := opts.Sink
	if sink == nil {
		sink = log.NewTraceSink(logger, "source", "worker")
	}
	return &Channel{
		id:        id,
		opts:      opts,
		logger:    logger,
		sink:      sink,
		state:     Stopped,
		cur:       newRun(),
		functions: make(map[string]*function.Descriptor),
	}
}

// ID returns the correlation id the worker announces on connect.
func (c *Channel) ID() string { return c.id }

// Runtime returns the runtime name the channel serves.
func (c *Channel) Runtime() string { return c.opts.Runtime.Name }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that faulted the channel, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.err
}

// Info is a point-in-time view of a channel.
type Info struct {
	ID        string    `json:"id"`
	Runtime   string    `json:"runtime"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Functions []string  `json:"functions"`
	Pending   int       `json:"pending"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot describes the channel.
func (c *Channel) Snapshot() Info {
	c.mu.Lock()
	r := c.cur
	info := Info{
		ID:        c.id,
		Runtime:   c.opts.Runtime.Name,
		State:     c.state,
		Pending:   len(r.pending),
		StartedAt: c.startedAt,
	}
	if r.proc != nil {
		info.PID = r.proc.PID()
	}
	if r.err != nil {
		info.Error = r.err.Error()
	}
	c.mu.Unlock()
	info.Functions = r.loads.loaded()
	return info
}

// setState applies a legal transition. Callers hold c.mu.
func (c *Channel) setState(to State) bool {
	from := c.state
	if !CanTransition(from, to) {
		c.logger.Debug("ignoring illegal transition", "from", from, "to", to)
		return false
	}
	c.state = to
	c.logger.Debug("channel state changed", "from", from, "to", to)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(c, from, to)
	}
	return true
}

// Start launches the worker and blocks until it has completed the handshake,
// the connect timeout expires, or ctx ends. A faulted channel cannot be started.
func (c *Channel) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if st := c.State(); st == Faulted {
		return ErrChannelFaulted
	} else if st != Stopped {
		c.Stop()
	}

	c.mu.Lock()
	if c.state != Stopped {
		c.mu.Unlock()
		return ErrChannelFaulted
	}
	var reload []*function.Descriptor
	if c.cur.launched {
		c.cur = newRun()
		for _, fn := range c.functions {
			reload = append(reload, fn)
		}
	}
	r := c.cur
	r.launched = true
	c.startedAt = time.Now()
	c.setState(Starting)
	c.mu.Unlock()

	for _, fn := range reload {
		c.LoadFunction(fn)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-connectCtx.Done():
		}
	}()

	pending := c.opts.Transport.Expect(c.id)
	proc, err := c.opts.Launcher.Launch(connectCtx, c.launchSpec())
	if err != nil {
		pending.Cancel()
		err = fmt.Errorf("launch worker: %w", err)
		c.fault(r, err)
		return err
	}

	c.mu.Lock()
	r.proc = proc
	abandoned := c.cur != r || c.state.Terminal()
	c.mu.Unlock()
	if abandoned {
		pending.Cancel()
		_ = proc.Kill()
		return c.startErr(r, ErrChannelStopped)
	}
	go bridgeLines(proc.Lines(), c.sink)
	go c.watchExit(r, proc)

	c.logger.Info("worker launched", "pid", proc.PID(), "attempt", c.opts.RestartAttempt)

	conn, err := pending.Wait(connectCtx)
	if err != nil {
		pending.Cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, c.opts.ConnectTimeout)
		}
		c.fault(r, err)
		return c.startErr(r, err)
	}

	c.mu.Lock()
	if c.cur != r || !c.setState(Initializing) {
		c.mu.Unlock()
		conn.Close()
		return c.startErr(r, ErrChannelStopped)
	}
	r.conn = conn
	c.mu.Unlock()

	if err := c.handshake(connectCtx, r, conn); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: no init response after %s", ErrConnectTimeout, c.opts.ConnectTimeout)
		}
		c.fault(r, err)
		return c.startErr(r, err)
	}

	c.mu.Lock()
	if c.cur != r || !c.setState(Initialized) {
		c.mu.Unlock()
		return c.startErr(r, ErrChannelStopped)
	}
	close(r.ready)
	c.mu.Unlock()

	go c.readLoop(r, conn)
	c.logger.Info("worker initialized", "pid", proc.PID())
	return nil
}

func (c *Channel) startErr(r *run, fallback error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	select {
	case <-r.done:
		return ErrChannelStopped
	default:
		return fallback
	}
}

func (c *Channel) launchSpec() LaunchSpec {
	rt := c.opts.Runtime
	host, port := "127.0.0.1", "0"
	if h, p, err := net.SplitHostPort(c.opts.Transport.Address()); err == nil {
		host, port = h, p
	}

	args := append([]string{}, rt.Arguments...)
	if rt.WorkerScript != "" {
		args = append(args, rt.WorkerScript)
	}
	args = append(args,
		"--host", host,
		"--port", port,
		"--workerId", c.id,
		"--requestId", uuid.NewString(),
	)

	env := make([]string, 0, len(rt.Env)+1)
	for k, v := range rt.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, RestartAttemptEnv+"="+strconv.Itoa(c.opts.RestartAttempt))

	return LaunchSpec{
		Executable: rt.Executable,
		Args:       args,
		WorkingDir: rt.WorkingDir,
		Env:        env,
	}
}

func (c *Channel) handshake(ctx context.Context, r *run, conn *rpc.Conn) error {
	requestID := uuid.NewString()
	if err := conn.Send(protocol.NewWorkerInitRequest(requestID, c.opts.HostVersion)); err != nil {
		return fmt.Errorf("send init request: %w", err)
	}
	for {
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				return fmt.Errorf("worker stream closed during handshake: %v", conn.Err())
			}
			switch msg.Type {
			case protocol.TypeWorkerInitResponse:
				if !msg.WorkerInitResponse.Result.OK() {
					return fmt.Errorf("worker init failed: %s", msg.WorkerInitResponse.Result.Exception)
				}
				c.logger.Debug("worker handshake complete", "worker_version", msg.WorkerInitResponse.WorkerVersion)
				return nil
			case protocol.TypeRPCLog:
				relayLog(c.sink, msg.RPCLog)
			default:
				c.logger.Warn("unexpected frame during handshake", "type", msg.Type)
			}
		case <-r.done:
			return c.startErr(r, ErrChannelStopped)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LoadFunction announces fn to the worker once per run and returns the shared
// future. It may be called before the channel is initialized; the request is
// sent once the worker has connected.
func (c *Channel) LoadFunction(fn *function.Descriptor) *LoadFuture {
	c.mu.Lock()
	c.functions[fn.ID] = fn
	r := c.cur
	f, created := r.loads.getOrCreate(fn.ID)
	var buf chan *invocation.Context
	if created {
		buf = make(chan *invocation.Context, c.opts.BufferSize)
		r.buffers[fn.ID] = buf
	}
	c.mu.Unlock()

	if created {
		go c.sendLoad(r, fn, f)
		go c.drain(r, fn, f, buf)
	}
	return f
}

func (c *Channel) sendLoad(r *run, fn *function.Descriptor, f *LoadFuture) {
	select {
	case <-r.ready:
	case <-r.done:
		f.resolve(c.runErr(r))
		return
	}
	msg := protocol.NewFunctionLoadRequest(uuid.NewString(), fn.ID, fn.Metadata())
	if err := r.conn.Send(msg); err != nil {
		err = fmt.Errorf("send load request for %s: %w", fn.Name, err)
		f.resolve(err)
		c.fault(r, err)
		return
	}
	c.logger.Debug("function load sent", "function", fn.Name, "function_id", fn.ID)
}

// Invoke queues ictx on fn's buffer. It returns ErrFunctionNotLoaded when fn
// was never loaded on this channel. The result is delivered through ictx.
func (c *Channel) Invoke(fn *function.Descriptor, ictx *invocation.Context) error {
	c.mu.Lock()
	r := c.cur
	buf, ok := r.buffers[fn.ID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrFunctionNotLoaded, fn.ID)
	}

	r.gate.RLock()
	defer r.gate.RUnlock()
	select {
	case <-r.done:
		return c.runErr(r)
	default:
	}
	select {
	case buf <- ictx:
		return nil
	case <-r.done:
		return c.runErr(r)
	}
}

// drain moves one function's buffered invocations onto the stream in FIFO order.
func (c *Channel) drain(r *run, fn *function.Descriptor, f *LoadFuture, buf chan *invocation.Context) {
	for {
		select {
		case <-r.done:
			return
		case ictx := <-buf:
			c.send(r, fn, f, ictx)
		}
	}
}

func (c *Channel) send(r *run, fn *function.Descriptor, f *LoadFuture, ictx *invocation.Context) {
	select {
	case <-f.Done():
	case <-r.done:
		ictx.Fail(c.runErr(r))
		return
	}
	if err := f.Err(); err != nil {
		ictx.Fail(fmt.Errorf("load %s: %w", fn.Name, err))
		return
	}

	c.mu.Lock()
	if c.cur != r || c.state != Initialized {
		c.mu.Unlock()
		ictx.Fail(c.runErr(r))
		return
	}
	r.pending[ictx.ID] = ictx
	c.mu.Unlock()

	ictx.AssignWorker(c.id)
	msg := protocol.NewInvocationRequest(uuid.NewString(), protocol.InvocationRequest{
		InvocationID: ictx.ID,
		FunctionID:   fn.ID,
		InputData:    ictx.Inputs,
		BindingData:  ictx.BindingData(),
	})
	if err := r.conn.Send(msg); err != nil {
		c.fault(r, fmt.Errorf("send invocation: %w", err))
	}
}

// HandleFileChange forwards ev to the worker. Failures are logged only.
func (c *Channel) HandleFileChange(ev events.FileChange) {
	c.mu.Lock()
	r, state := c.cur, c.state
	c.mu.Unlock()
	if state != Initialized {
		c.logger.Debug("dropping file change for channel not serving", "path", ev.Path, "state", state)
		return
	}
	msg := protocol.NewFileChangeEvent(protocol.FileChangeEvent{
		Path: ev.Path,
		Kind: ev.Kind,
		Hash: ev.Hash,
		At:   ev.At,
	})
	if err := r.conn.Send(msg); err != nil {
		c.logger.Warn("failed to forward file change", "path", ev.Path, "error", err)
	}
}

func (c *Channel) readLoop(r *run, conn *rpc.Conn) {
	for msg := range conn.Messages() {
		c.handle(r, msg)
	}
	err := conn.Err()
	if err == nil || errors.Is(err, rpc.ErrConnClosed) {
		err = errors.New("worker stream closed")
	} else {
		err = fmt.Errorf("worker stream failed: %w", err)
	}
	c.fault(r, err)
}

func (c *Channel) handle(r *run, msg *protocol.StreamingMessage) {
	switch msg.Type {
	case protocol.TypeFunctionLoadResponse:
		resp := msg.FunctionLoadResponse
		f, ok := r.loads.get(resp.FunctionID)
		if !ok {
			c.logger.Warn("load response for unknown function", "function_id", resp.FunctionID)
			return
		}
		if resp.Result.OK() {
			c.logger.Debug("function loaded", "function_id", resp.FunctionID)
			f.resolve(nil)
			return
		}
		c.logger.Warn("function load failed", "function_id", resp.FunctionID, "error", resp.Result.Exception)
		f.resolve(errors.New(resp.Result.Exception))

	case protocol.TypeInvocationResponse:
		resp := msg.InvocationResponse
		c.mu.Lock()
		ictx, ok := r.pending[resp.InvocationID]
		delete(r.pending, resp.InvocationID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown invocation", "invocation_id", resp.InvocationID)
			return
		}
		if resp.Result.OK() {
			ictx.CompleteWithOutputs(resp.OutputData)
			return
		}
		ictx.Fail(&FunctionError{
			FunctionID:   ictx.Function.ID,
			InvocationID: ictx.ID,
			Exception:    resp.Result.Exception,
		})

	case protocol.TypeRPCLog:
		relayLog(c.sink, msg.RPCLog)

	default:
		c.logger.Debug("ignoring frame", "type", msg.Type)
	}
}

func (c *Channel) watchExit(r *run, proc Process) {
	<-proc.Exited()
	err := proc.ExitErr()
	if err == nil {
		err = errors.New("worker process exited")
	} else {
		err = fmt.Errorf("worker process exited: %w", err)
	}
	c.fault(r, err)
}

// fault moves a live run to Faulted, fails its work and publishes one WorkerError.
func (c *Channel) fault(r *run, err error) {
	c.mu.Lock()
	if c.cur != r || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.setState(Faulted)
	r.err = err
	close(r.done)
	proc := r.proc
	c.mu.Unlock()

	c.logger.Error("worker channel faulted", "error", err)
	c.teardown(r, fmt.Errorf("%w: %v", ErrChannelFaulted, err))
	if proc != nil {
		go func() {
			if kerr := proc.Kill(); kerr != nil {
				c.logger.Warn("failed to kill faulted worker", "error", kerr)
			}
		}()
	}

	if c.opts.Errors != nil {
		c.opts.Errors.Publish(events.WorkerError{
			ChannelID: c.id,
			Runtime:   c.opts.Runtime.Name,
			Err:       err,
			At:        time.Now(),
		})
	}
}

// teardown fails every buffered and pending invocation and every unresolved load.
func (c *Channel) teardown(r *run, cause error) {
	r.teardown.Do(func() {
		r.gate.Lock()
		var stranded []*invocation.Context
		c.mu.Lock()
		for _, buf := range r.buffers {
		drained:
			for {
				select {
				case ictx := <-buf:
					stranded = append(stranded, ictx)
				default:
					break drained
				}
			}
		}
		for id, ictx := range r.pending {
			stranded = append(stranded, ictx)
			delete(r.pending, id)
		}
		conn := r.conn
		c.mu.Unlock()
		r.gate.Unlock()

		for _, ictx := range stranded {
			ictx.Fail(cause)
		}
		r.loads.failAll(cause)
		if conn != nil {
			conn.Close()
		}
	})
}

func (c *Channel) runErr(r *run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.err != nil {
		return fmt.Errorf("%w: %v", ErrChannelFaulted, r.err)
	}
	return ErrChannelStopped
}

// Stop terminates the worker and fails outstanding work. It is idempotent and
// leaves a faulted channel Faulted.
func (c *Channel) Stop() {
	c.mu.Lock()
	r := c.cur
	st := c.state
	if st == Stopped {
		c.mu.Unlock()
		return
	}
	if st != Faulted {
		c.setState(Stopped)
		close(r.done)
	}
	conn, proc := r.conn, r.proc
	c.mu.Unlock()

	if st == Initialized && conn != nil {
		if err := conn.Send(protocol.NewWorkerTerminate(protocol.WorkerTerminate{GracePeriod: c.opts.TerminationGrace})); err != nil {
			c.logger.Debug("terminate frame not delivered", "error", err)
		}
	}
	c.teardown(r, ErrChannelStopped)
	if proc != nil {
		if err := proc.Kill(); err != nil {
			c.logger.Warn("failed to kill worker", "error", err)
		}
	}
	if st != Faulted {
		c.logger.Info("worker stopped")
	}
}

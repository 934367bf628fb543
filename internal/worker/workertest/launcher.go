// Package workertest runs language workers inside the test process so channel
// and dispatcher tests exercise the real transport without an external runtime.
package workertest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/polyhost/internal/langworker"
	"github.com/mattjoyce/polyhost/internal/worker"
)

// ErrCrashed is the exit error of a process ended with Crash.
var ErrCrashed = errors.New("signal: killed")

// Mode selects how launched workers behave.
type Mode int

const (
	// Serve runs langworker against the host.
	Serve Mode = iota
	// Silent starts a process that never connects.
	Silent
	// ExitImmediately starts a process that exits with an error at once.
	ExitImmediately
)

// Launcher implements worker.Launcher with in-process workers.
type Launcher struct {
	Handler langworker.Handler
	Mode    Mode
	// LaunchErr, when set, is returned from Launch.
	LaunchErr error

	mu    sync.Mutex
	specs []worker.LaunchSpec
	procs []*Process
}

var nextPID atomic.Int64

func init() { nextPID.Store(40000) }

// Launch starts a worker goroutine for spec.
func (l *Launcher) Launch(ctx context.Context, spec worker.LaunchSpec) (worker.Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	mode := l.Mode
	l.mu.Unlock()
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	opts, err := langworker.ParseArgs(workerArgs(spec.Args))
	if err != nil {
		return nil, err
	}
	opts.Handler = l.Handler

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Process{
		pid:    int(nextPID.Add(1)),
		cancel: cancel,
		lines:  make(chan worker.Line, 16),
		exited: make(chan struct{}),
	}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	go func() {
		var err error
		switch mode {
		case Serve:
			p.lines <- worker.Line{Stream: worker.Stdout, Text: `{"level":"info","msg":"worker starting"}`}
			err = langworker.Run(runCtx, opts)
		case Silent:
			<-runCtx.Done()
		case ExitImmediately:
			p.lines <- worker.Line{Stream: worker.Stderr, Text: "runtime not found"}
			err = errors.New("exit status 127")
		}
		p.exit(err)
	}()
	return p, nil
}

// Launches returns how many times Launch was called.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

// Specs returns every LaunchSpec seen so far.
func (l *Launcher) Specs() []worker.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.specs)
}

// Processes returns every process started so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.procs)
}

// SetMode changes the behaviour of later launches.
func (l *Launcher) SetMode(m Mode) {
	l.mu.Lock()
	l.Mode = m
	l.mu.Unlock()
}

func workerArgs(args []string) []string {
	if i := slices.Index(args, "--host"); i >= 0 {
		return args[i:]
	}
	return args
}

// Process is an in-process worker.
type Process struct {
	pid    int
	cancel context.CancelFunc
	lines  chan worker.Line
	exited chan struct{}

	once    sync.Once
	crashed atomic.Bool
	mu      sync.Mutex
	err     error
	killed  atomic.Bool
}

func (p *Process) PID() int                  { return p.pid }
func (p *Process) Lines() <-chan worker.Line { return p.lines }
func (p *Process) Exited() <-chan struct{}   { return p.exited }
func (p *Process) Killed() bool              { return p.killed.Load() }

func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill stops the worker and waits for it to exit.
func (p *Process) Kill() error {
	p.killed.Store(true)
	p.cancel()
	<-p.exited
	return nil
}

// Crash ends the worker abnormally.
func (p *Process) Crash() {
	p.crashed.Store(true)
	p.cancel()
	<-p.exited
}

func (p *Process) exit(err error) {
	p.once.Do(func() {
		if p.crashed.Load() {
			err = ErrCrashed
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.lines)
		close(p.exited)
	})
}

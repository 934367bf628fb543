package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Stream names the standard stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of worker output.
type Line struct {
	Stream Stream
	Text   string
}

// LaunchSpec is a fully resolved worker command line.
type LaunchSpec struct {
	Executable string
	Args       []string
	WorkingDir string
	Env        []string // appended to the host environment
}

// Process is a running worker.
type Process interface {
	PID() int
	// Lines yields stdout and stderr lines and is closed once both end.
	Lines() <-chan Line
	// Exited is closed when the process has exited.
	Exited() <-chan struct{}
	// ExitErr is the wait error once Exited is closed; nil for a clean exit.
	ExitErr() error
	// Kill terminates the process and blocks until it has exited.
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

const (
	defaultTerminationGrace = 5 * time.Second
	maxLineLength           = 1024 * 1024
)

// ExecLauncher runs workers as OS processes.
type ExecLauncher struct {
	// Grace is the time between SIGTERM and SIGKILL.
	Grace  time.Duration
	Logger *slog.Logger
}

// Launch starts spec. ctx only bounds the start itself; the process outlives it.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := l.Grace
	if grace <= 0 {
		grace = defaultTerminationGrace
	}

	// Not CommandContext: termination is managed by Kill.
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Executable, err)
	}

	p := &execProcess{
		cmd:    cmd,
		grace:  grace,
		logger: logger.With("pid", cmd.Process.Pid),
		lines:  make(chan Line, 256),
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.scan(&readers, stdout, Stdout)
	go p.scan(&readers, stderr, Stderr)
	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.exited)
		close(p.lines)
	}()

	p.logger.Debug("worker process started", "executable", spec.Executable, "args", spec.Args)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	lines  chan Line
	exited chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) PID() int                { return p.cmd.Process.Pid }
func (p *execProcess) Lines() <-chan Line      { return p.lines }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) scan(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		p.lines <- Line{Stream: stream, Text: sc.Text()}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn("worker output scan ended", "stream", stream, "error", err)
	}
}

// Kill sends SIGTERM to the process group, then SIGKILL after the grace period.
func (p *execProcess) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	pgid := -p.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case <-p.exited:
		p.logger.Debug("worker exited after SIGTERM")
		return nil
	case <-grace.C:
	}

	p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("send SIGKILL: %w", err)
	}
	<-p.exited
	return nil
}

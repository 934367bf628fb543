package dispatch

import (
	"context"

	"github.com/mattjoyce/polyhost/internal/config"
	"github.com/mattjoyce/polyhost/internal/events"
	"github.com/mattjoyce/polyhost/internal/function"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/polyhost/internal/dispatch Channel,Recorder

// Channel is the worker channel surface the dispatcher drives.
type Channel interface {
	ID() string
	Runtime() string
	State() worker.State
	Start(ctx context.Context) error
	LoadFunction(fn *function.Descriptor) *worker.LoadFuture
	Invoke(fn *function.Descriptor, ictx *invocation.Context) error
	HandleFileChange(ev events.FileChange)
	Stop()
	Snapshot() worker.Info
}

// ChannelFactory builds a stopped channel for rt. attempt is the restart hint.
type ChannelFactory func(rt config.RuntimeConfig, attempt int) Channel

// Recorder persists lifecycle events and invocation outcomes.
type Recorder interface {
	RecordWorkerEvent(ctx context.Context, ev journal.WorkerEvent) error
	RecordInvocation(ctx context.Context, inv journal.Invocation) error
}

// Transport is the shared RPC endpoint. The dispatcher closes it on shutdown.
type Transport interface {
	worker.Transport
	Close()
}

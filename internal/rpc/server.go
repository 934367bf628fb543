package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mattjoyce/polyhost/internal/protocol"
)

// ErrServerClosed is returned by Pending.Wait after Close.
var ErrServerClosed = errors.New("rpc server closed")

// Server is the shared endpoint every worker connects back to.
type Server struct {
	logger *slog.Logger
	lis    net.Listener
	grpc   *grpc.Server

	mu      sync.Mutex
	waiting map[string]*Pending
	closed  bool

	closeOnce sync.Once
}

// Listen binds addr and starts serving in the background.
func Listen(addr string, logger *slog.Logger, opts ...grpc.ServerOption) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}, opts...)

	s := &Server{
		logger:  logger,
		lis:     lis,
		grpc:    grpc.NewServer(opts...),
		waiting: make(map[string]*Pending),
	}
	s.grpc.RegisterService(&serviceDesc, s)

	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("rpc server stopped", "error", err)
		}
	}()

	s.logger.Info("rpc server listening", "addr", lis.Addr().String())
	return s, nil
}

// Address returns the host:port workers should dial.
func (s *Server) Address() string {
	return s.lis.Addr().String()
}

// Expect registers interest in the stream of workerID. It must be called
// before the worker process is launched.
func (s *Server) Expect(workerID string) *Pending {
	p := &Pending{
		server:   s,
		workerID: workerID,
		ready:    make(chan *Conn, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		p.cancelLocked()
		return p
	}
	if prev, ok := s.waiting[workerID]; ok {
		prev.cancelLocked()
	}
	s.waiting[workerID] = p
	return p
}

// EventStream implements the service handler.
func (s *Server) EventStream(stream grpc.ServerStream) error {
	first := new(protocol.StreamingMessage)
	if err := stream.RecvMsg(first); err != nil {
		return status.Errorf(codes.InvalidArgument, "read start_stream: %v", err)
	}
	if first.Type != protocol.TypeStartStream {
		return status.Errorf(codes.InvalidArgument, "first frame must be start_stream, got %q", first.Type)
	}
	workerID := first.StartStream.WorkerID

	conn := newConn(workerID, stream)

	s.mu.Lock()
	p, ok := s.waiting[workerID]
	if ok {
		delete(s.waiting, workerID)
		// ready has capacity 1 and p is no longer reachable by other streams.
		p.ready <- conn
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("rejecting stream from unexpected worker", "worker_id", workerID)
		return status.Errorf(codes.NotFound, "no channel is waiting for worker %q", workerID)
	}

	s.logger.Debug("worker stream attached", "worker_id", workerID)
	return conn.serve()
}

// Close stops accepting streams, cancels pending waits and closes live streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, p := range s.waiting {
			p.cancelLocked()
			delete(s.waiting, id)
		}
		s.mu.Unlock()

		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.grpc.Stop()
		}
		s.logger.Info("rpc server closed")
	})
}

// Pending is an outstanding wait for one worker's stream.
type Pending struct {
	server   *Server
	workerID string
	ready    chan *Conn
	done     chan struct{}
	doneOnce sync.Once
}

// Wait blocks until the worker connects, ctx ends, or the wait is cancelled.
func (p *Pending) Wait(ctx context.Context) (*Conn, error) {
	select {
	case conn := <-p.ready:
		return conn, nil
	case <-p.done:
		// A stream may have landed just before the cancel.
		select {
		case conn := <-p.ready:
			conn.Close()
		default:
		}
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the wait.
func (p *Pending) Cancel() {
	p.server.mu.Lock()
	defer p.server.mu.Unlock()
	if cur, ok := p.server.waiting[p.workerID]; ok && cur == p {
		delete(p.server.waiting, p.workerID)
	}
	p.cancelLocked()
}

func (p *Pending) cancelLocked() {
	p.doneOnce.Do(func() { close(p.done) })
	select {
	case conn := <-p.ready:
		conn.Close()
	default:
	}
}

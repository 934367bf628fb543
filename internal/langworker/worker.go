// Package langworker is a minimal language worker written in Go. It speaks the
// worker side of the stream protocol and delegates loads and invocations to a
// Handler. cmd/echo-worker runs it with the Echo handler.
package langworker

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/mattjoyce/polyhost/internal/protocol"
	"github.com/mattjoyce/polyhost/internal/rpc"
)

// Version is reported in the init response.
const Version = "0.1.0"

// Handler executes functions on behalf of the worker.
type Handler interface {
	Load(functionID string, md protocol.FunctionMetadata) error
	Invoke(ctx context.Context, req *protocol.InvocationRequest, logf LogFunc) (map[string]any, error)
}

// LogFunc relays a log line to the host as an RpcLog frame.
type LogFunc func(level, msg string)

// Options configures a worker run.
type Options struct {
	Host      string
	Port      string
	WorkerID  string
	RequestID string

	Handler Handler
	Logger  *slog.Logger
}

// ParseArgs reads the command line the host launches workers with.
func ParseArgs(args []string) (Options, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts Options
	fs.StringVar(&opts.Host, "host", "127.0.0.1", "host address")
	fs.StringVar(&opts.Port, "port", "", "host port")
	fs.StringVar(&opts.WorkerID, "workerId", "", "worker id assigned by the host")
	fs.StringVar(&opts.RequestID, "requestId", "", "launch request id")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if opts.Port == "" {
		return Options{}, errors.New("--port is required")
	}
	if opts.WorkerID == "" {
		return Options{}, errors.New("--workerId is required")
	}
	return opts, nil
}

// Run connects to the host and serves until the stream ends, a terminate
// frame arrives, or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker_id", opts.WorkerID)
	if opts.Handler == nil {
		opts.Handler = Echo{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, err := rpc.Connect(ctx, net.JoinHostPort(opts.Host, opts.Port), opts.WorkerID)
	if err != nil {
		return err
	}
	defer ws.Close()

	w := &session{ws: ws, handler: opts.Handler, logger: logger}
	defer w.inflight.Wait()

	for {
		msg, err := ws.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		switch msg.Type {
		case protocol.TypeWorkerInitRequest:
			w.reply(&protocol.StreamingMessage{
				RequestID: msg.RequestID,
				Type:      protocol.TypeWorkerInitResponse,
				WorkerInitResponse: &protocol.WorkerInitResponse{
					WorkerVersion: Version,
					Capabilities:  map[string]string{"return_value": "true"},
					Result:        protocol.Success(),
				},
			})

		case protocol.TypeFunctionLoadRequest:
			req := msg.FunctionLoadRequest
			result := protocol.Success()
			if err := opts.Handler.Load(req.FunctionID, req.Metadata); err != nil {
				result = protocol.Failure(err)
			}
			w.reply(&protocol.StreamingMessage{
				RequestID:            msg.RequestID,
				Type:                 protocol.TypeFunctionLoadResponse,
				FunctionLoadResponse: &protocol.FunctionLoadResponse{FunctionID: req.FunctionID, Result: result},
			})

		case protocol.TypeInvocationRequest:
			w.inflight.Add(1)
			go w.invoke(ctx, msg.RequestID, msg.InvocationRequest)

		case protocol.TypeFileChangeEvent:
			logger.Info("file changed", "path", msg.FileChangeEvent.Path, "kind", msg.FileChangeEvent.Kind)

		case protocol.TypeWorkerTerminate:
			logger.Info("terminate requested", "grace", msg.WorkerTerminate.GracePeriod)
			cancel()
			return nil

		default:
			logger.Warn("unexpected frame", "type", msg.Type)
		}
	}
}

type session struct {
	ws       *rpc.WorkerStream
	handler  Handler
	logger   *slog.Logger
	inflight sync.WaitGroup
}

func (s *session) reply(msg *protocol.StreamingMessage) {
	if err := s.ws.Send(msg); err != nil {
		s.logger.Warn("send failed", "type", msg.Type, "error", err)
	}
}

func (s *session) invoke(ctx context.Context, requestID string, req *protocol.InvocationRequest) {
	defer s.inflight.Done()

	logf := func(level, m string) {
		s.reply(&protocol.StreamingMessage{
			Type:   protocol.TypeRPCLog,
			RPCLog: &protocol.RPCLog{InvocationID: req.InvocationID, Category: "function", Level: level, Message: m},
		})
	}
	outputs, err := s.handler.Invoke(ctx, req, logf)
	resp := &protocol.InvocationResponse{InvocationID: req.InvocationID, OutputData: outputs, Result: protocol.Success()}
	if err != nil {
		resp.OutputData = nil
		resp.Result = protocol.Failure(err)
	}
	s.reply(&protocol.StreamingMessage{RequestID: requestID, Type: protocol.TypeInvocationResponse, InvocationResponse: resp})
}

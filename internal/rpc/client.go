package rpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mattjoyce/polyhost/internal/protocol"
)

// WorkerStream is the worker side of the event stream.
type WorkerStream struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	sendMu sync.Mutex
}

// Connect dials the host at addr, opens the event stream and announces workerID.
func Connect(ctx context.Context, addr, workerID string) (*WorkerStream, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(protocol.CodecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], eventStreamFQN)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	ws := &WorkerStream{cc: cc, stream: stream, cancel: cancel}
	if err := ws.Send(protocol.NewStartStream(workerID)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send start_stream: %w", err)
	}
	return ws, nil
}

// Send writes one frame to the host. Safe for concurrent use.
func (w *WorkerStream) Send(msg *protocol.StreamingMessage) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	return w.stream.SendMsg(msg)
}

// Recv blocks for the next frame from the host.
func (w *WorkerStream) Recv() (*protocol.StreamingMessage, error) {
	msg := new(protocol.StreamingMessage)
	if err := w.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Close half-closes the stream and releases the connection.
func (w *WorkerStream) Close() {
	w.sendMu.Lock()
	_ = w.stream.CloseSend()
	w.sendMu.Unlock()
	w.cancel()
	_ = w.cc.Close()
}

package rpc

import (
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"

	"github.com/mattjoyce/polyhost/internal/protocol"
)

// maxMessageSize bounds a single frame in either direction.
const maxMessageSize = 128 * 1024 * 1024

// ErrConnClosed is returned by Send once the stream has ended.
var ErrConnClosed = errors.New("worker stream closed")

// Conn is the host side of one worker's stream.
type Conn struct {
	workerID string
	stream   grpc.ServerStream

	sendMu sync.Mutex

	inbound chan *protocol.StreamingMessage
	closed  chan struct{}
	once    sync.Once

	errMu sync.Mutex
	err   error
}

func newConn(workerID string, stream grpc.ServerStream) *Conn {
	return &Conn{
		workerID: workerID,
		stream:   stream,
		inbound:  make(chan *protocol.StreamingMessage, 64),
		closed:   make(chan struct{}),
	}
}

// WorkerID returns the id the worker announced in StartStream.
func (c *Conn) WorkerID() string { return c.workerID }

// Messages yields inbound frames. It is closed when the stream ends.
func (c *Conn) Messages() <-chan *protocol.StreamingMessage { return c.inbound }

// Done is closed when the stream has ended for any reason.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the receive error that ended the stream, if any.
// A clean worker-side close reports io.EOF.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one frame to the worker. Safe for concurrent use.
func (c *Conn) Send(msg *protocol.StreamingMessage) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(msg); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Close ends the stream from the host side.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.Close()
}

// serve pumps inbound frames until the worker disconnects or Close is called.
// Returning ends the gRPC handler, which tears the stream down.
func (c *Conn) serve() error {
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		defer close(c.inbound)
		for {
			msg := new(protocol.StreamingMessage)
			if err := c.stream.RecvMsg(msg); err != nil {
				c.fail(err)
				return
			}
			select {
			case c.inbound <- msg:
			case <-c.closed:
				return
			}
		}
	}()

	select {
	case <-recvDone:
	case <-c.closed:
	}

	if err := c.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

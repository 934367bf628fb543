package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mattjoyce/polyhost/internal/protocol"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestServer_ExpectAndExchange(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending := s.Expect("worker-1")

	ws, err := Connect(ctx, s.Address(), "worker-1")
	require.NoError(t, err)
	defer ws.Close()

	conn, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", conn.WorkerID())

	require.NoError(t, conn.Send(protocol.NewWorkerInitRequest("r1", "test")))
	got, err := ws.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeWorkerInitRequest, got.Type)
	assert.Equal(t, "r1", got.RequestID)

	require.NoError(t, ws.Send(&protocol.StreamingMessage{
		RequestID:          "r1",
		Type:               protocol.TypeWorkerInitResponse,
		WorkerInitResponse: &protocol.WorkerInitResponse{Result: protocol.Success()},
	}))

	select {
	case msg := <-conn.Messages():
		require.NotNil(t, msg)
		assert.Equal(t, protocol.TypeWorkerInitResponse, msg.Type)
	case <-ctx.Done():
		t.Fatal("timed out waiting for init response")
	}

	conn.Close()
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("conn did not close")
	}
	assert.ErrorIs(t, conn.Send(protocol.NewStartStream("x")), ErrConnClosed)
}

func TestServer_RejectsUnexpectedWorker(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := Connect(ctx, s.Address(), "stranger")
	require.NoError(t, err)
	defer ws.Close()

	_, err = ws.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestServer_WorkerDisconnectEndsConn(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending := s.Expect("w")
	ws, err := Connect(ctx, s.Address(), "w")
	require.NoError(t, err)
	conn, err := pending.Wait(ctx)
	require.NoError(t, err)

	ws.Close()

	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("conn not closed after worker disconnect")
	}
	assert.Error(t, conn.Err())
}

func TestPending_WaitTimeoutAndCancel(t *testing.T) {
	s := newTestServer(t)

	pending := s.Expect("late")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pending.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	pending.Cancel()
	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestServer_CloseCancelsPending(t *testing.T) {
	s, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)

	pending := s.Expect("never")
	s.Close()

	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrServerClosed)

	after := s.Expect("after-close")
	_, err = after.Wait(context.Background())
	assert.ErrorIs(t, err, ErrServerClosed)
}

// Package rpc carries the bidirectional worker stream over gRPC.
//
// The host listens on a loopback address. Each worker process dials it, opens
// one EventStream and sends a StartStream frame naming its worker id. The
// server hands the stream to whoever called Expect for that id; streams for
// ids nobody is waiting on are rejected.
//
// Frames are protocol.StreamingMessage values encoded with protocol.Codec,
// negotiated through the "json" content-subtype.
package rpc

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/mattjoyce/polyhost/internal/protocol"
)

const (
	serviceName    = "polyhost.FunctionRpc"
	eventStreamRPC = "EventStream"
	eventStreamFQN = "/" + serviceName + "/" + eventStreamRPC
)

func init() {
	encoding.RegisterCodec(protocol.Codec{})
}

// eventStreamServer is implemented by Server.
type eventStreamServer interface {
	EventStream(stream grpc.ServerStream) error
}

func eventStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(eventStreamServer).EventStream(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*eventStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    eventStreamRPC,
			Handler:       eventStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "polyhost/rpc",
}

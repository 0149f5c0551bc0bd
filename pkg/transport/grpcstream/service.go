// Package grpcstream carries envelopes over a bidirectional gRPC stream of
// ClientMessage and ServerMessage values.
package grpcstream

import (
	"context"

	"google.golang.org/grpc"

	"github.com/billm/recbridge/pkg/protocol"
)

const (
	// ServiceName is the fully qualified gRPC service name
	ServiceName = "recbridge.v1.EventService"
	// EventStreamMethod is the full method name of the bidi stream
	EventStreamMethod = "/" + ServiceName + "/EventStream"
)

// EventServiceServer is implemented by the stream server
type EventServiceServer interface {
	EventStream(EventStreamServer) error
}

// EventStreamServer is the server side of one EventStream call
type EventStreamServer interface {
	Send(*protocol.ServerMessage) error
	Recv() (*protocol.ClientMessage, error)
	grpc.ServerStream
}

// EventStreamClient is the client side of one EventStream call
type EventStreamClient interface {
	Send(*protocol.ClientMessage) error
	Recv() (*protocol.ServerMessage, error)
	grpc.ClientStream
}

// EventServiceDesc describes the service for grpc.Server.RegisterService
var EventServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EventStream",
			Handler:       eventStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "recbridge/v1/events",
}

func eventStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EventServiceServer).EventStream(&eventStreamServer{stream})
}

type eventStreamServer struct {
	grpc.ServerStream
}

func (s *eventStreamServer) Send(m *protocol.ServerMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *eventStreamServer) Recv() (*protocol.ClientMessage, error) {
	m := new(protocol.ClientMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewEventStream opens an EventStream call on cc using the JSON codec
func NewEventStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (EventStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, &EventServiceDesc.Streams[0], EventStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &eventStreamClient{stream}, nil
}

type eventStreamClient struct {
	grpc.ClientStream
}

func (c *eventStreamClient) Send(m *protocol.ClientMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *eventStreamClient) Recv() (*protocol.ServerMessage, error) {
	m := new(protocol.ServerMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

package grpcstream

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/billm/recbridge/internal/config"
	"github.com/billm/recbridge/pkg/transport"
	"github.com/billm/recbridge/pkg/types"
)

func init() {
	transport.Register(transport.TransportGRPC, func(ctx context.Context, addr string, opts transport.DialOptions) (transport.Conn, error) {
		return Dial(ctx, addr, opts)
	})
}

// Dial opens an EventStream to target. target is host:port, unix:///path,
// or any gRPC target understood by the extra dial options.
func Dial(ctx context.Context, target string, opts transport.DialOptions, extra ...grpc.DialOption) (transport.Conn, error) {
	if strings.HasPrefix(target, "/") {
		target = "unix://" + target
	}

	maxMsg := config.DefaultGRPCConfig().MaxRecvMsgSize
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsg),
			grpc.MaxCallSendMsgSize(maxMsg),
		),
	}
	dialOpts = append(dialOpts, extra...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to create grpc client for "+target, err)
	}

	// The stream outlives the dial context, so it gets its own
	streamCtx, cancel := context.WithCancel(context.Background())
	if opts.AuthToken != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, authorizationKey, bearerPrefix+opts.AuthToken)
	}
	stop := context.AfterFunc(ctx, cancel)

	stream, err := NewEventStream(streamCtx, cc)
	if err == nil {
		err = handshake(stream)
	}
	stop()
	if err != nil {
		cancel()
		cc.Close()
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "grpc dial "+target+" timed out", ctx.Err())
		}
		return nil, streamError("dial grpc "+target, err)
	}

	return &clientConn{
		cc:     cc,
		stream: stream,
		cancel: cancel,
		target: target,
		closed: make(chan struct{}),
	}, nil
}

// handshake waits for the server's response headers. A call rejected by an
// interceptor ends without headers; its status is read from the stream.
func handshake(stream EventStreamClient) error {
	md, err := stream.Header()
	if err != nil {
		return err
	}
	if md == nil {
		if err := stream.RecvMsg(new(struct{})); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck queries the standard health service on an existing connection
func HealthCheck(ctx context.Context, cc grpc.ClientConnInterface, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	resp, err := grpc_health_v1.NewHealthClient(cc).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, types.WrapError(types.ErrCodeUnavailable, "health check failed", err)
	}
	return resp.GetStatus(), nil
}

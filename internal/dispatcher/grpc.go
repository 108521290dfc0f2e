package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
)

// ErrProcessNotFound is returned by a Handler for messages about a process
// it does not know.
var ErrProcessNotFound = errors.New("transfer process not found")

// ServiceName is the gRPC service carrying transfer protocol messages.
const ServiceName = "edc.transfer.v1.TransferProtocol"

const deliverMethod = "/" + ServiceName + "/Deliver"

// Handler receives protocol messages on the ingress side.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) (Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "edc/transfer/v1/transfer.proto",
}

// RegisterGRPCHandler exposes h on a gRPC server.
func RegisterGRPCHandler(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return deliver(ctx, srv.(Handler), in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return deliver(ctx, srv.(Handler), req.(*structpb.Struct))
	})
}

func deliver(ctx context.Context, h Handler, in *structpb.Struct) (*structpb.Struct, error) {
	var msg Message
	if err := fromStruct(in, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid message: %v", err)
	}
	resp, err := h.HandleMessage(ctx, msg)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "invalid response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrProcessNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("rpc deliver failed: %w", err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %w: %s", ErrRejected, ErrProcessNotFound, st.Message())
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.Unimplemented:
		return fmt.Errorf("%w: %s", ErrRejected, st.Message())
	}
	return fmt.Errorf("rpc deliver failed: %w", err)
}

// GRPCDispatcher sends messages over gRPC, one connection per counterparty
// address.
type GRPCDispatcher struct {
	protocol string
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCDispatcher creates a dispatcher for protocol. Without options the
// connections are plaintext.
func NewGRPCDispatcher(protocol string, opts ...grpc.DialOption) *GRPCDispatcher {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCDispatcher{protocol: protocol, dialOpts: opts, conns: make(map[string]*grpc.ClientConn)}
}

func (d *GRPCDispatcher) Protocol() string { return d.protocol }

func (d *GRPCDispatcher) Send(ctx context.Context, msg Message) *async.Future[Response] {
	return async.Go(func() (Response, error) {
		conn, err := d.conn(msg.CounterPartyAddress)
		if err != nil {
			return Response{}, err
		}
		req, err := toStruct(msg)
		if err != nil {
			return Response{}, fmt.Errorf("failed to encode %s: %w", msg.Type, err)
		}
		out := new(structpb.Struct)
		if err := conn.Invoke(ctx, deliverMethod, req, out); err != nil {
			return Response{}, fromStatus(err)
		}
		var resp Response
		if err := fromStruct(out, &resp); err != nil {
			return Response{}, fmt.Errorf("failed to decode response: %w", err)
		}
		return resp, nil
	})
}

func (d *GRPCDispatcher) conn(addr string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, d.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	d.conns[addr] = c
	return c, nil
}

// Close closes every connection.
func (d *GRPCDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs error
	for addr, c := range d.conns {
		errs = multierr.Append(errs, c.Close())
		delete(d.conns, addr)
	}
	return errs
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrProcessNotFound)
}

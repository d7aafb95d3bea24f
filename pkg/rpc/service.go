package rpc

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/changeagent/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "changeagent.v1.EventService"

const (
	FetchInitialStateMethod = "/" + ServiceName + "/FetchInitialState"
	SendEventsMethod        = "/" + ServiceName + "/SendEvents"
)

// InitialStateRequest opens a session for one machine.
type InitialStateRequest struct {
	MachineID uint64 `json:"machine_id" cbor:"machine_id"`
}

// MachineSubject is the JWT subject a machine authenticates as.
func MachineSubject(machineID uint64) string {
	return "machine-" + strconv.FormatUint(machineID, 10)
}

// EventServiceServer is implemented by the collection service.
type EventServiceServer interface {
	FetchInitialState(context.Context, *InitialStateRequest) (*types.State, error)
	SendEvents(context.Context, *types.EventBatch) (*types.Ack, error)
}

// UnimplementedEventServiceServer can be embedded to satisfy
// EventServiceServer while overriding only some methods.
type UnimplementedEventServiceServer struct{}

func (UnimplementedEventServiceServer) FetchInitialState(context.Context, *InitialStateRequest) (*types.State, error) {
	return nil, status.Error(codes.Unimplemented, "method FetchInitialState not implemented")
}

func (UnimplementedEventServiceServer) SendEvents(context.Context, *types.EventBatch) (*types.Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method SendEvents not implemented")
}

// RegisterEventServiceServer registers srv with the gRPC server s.
func RegisterEventServiceServer(s grpc.ServiceRegistrar, srv EventServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchInitialState", Handler: fetchInitialStateHandler},
		{MethodName: "SendEvents", Handler: sendEventsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "changeagent/v1/events",
}

func fetchInitialStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InitialStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventServiceServer).FetchInitialState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FetchInitialStateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventServiceServer).FetchInitialState(ctx, req.(*InitialStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendEventsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.EventBatch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventServiceServer).SendEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendEventsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EventServiceServer).SendEvents(ctx, req.(*types.EventBatch))
	}
	return interceptor(ctx, in, info, handler)
}

// EventServiceClient calls EventService over a gRPC connection.
type EventServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewEventServiceClient wraps cc.
func NewEventServiceClient(cc grpc.ClientConnInterface) *EventServiceClient {
	return &EventServiceClient{cc: cc}
}

// FetchInitialState performs the session handshake.
func (c *EventServiceClient) FetchInitialState(ctx context.Context, in *InitialStateRequest, opts ...grpc.CallOption) (*types.State, error) {
	out := new(types.State)
	if err := c.cc.Invoke(ctx, FetchInitialStateMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// SendEvents transmits one batch.
func (c *EventServiceClient) SendEvents(ctx context.Context, in *types.EventBatch, opts ...grpc.CallOption) (*types.Ack, error) {
	out := new(types.Ack)
	if err := c.cc.Invoke(ctx, SendEventsMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

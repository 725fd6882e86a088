// Package grpcapi exposes the order event intake over gRPC. Messages are well-known
// protobuf types, so the service descriptor is declared here instead of generated.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"canopy-ledger/internal/services/earnings/ingest"
)

const (
	OrderEventsServiceName   = "canopy.earnings.v1.OrderEvents"
	OrderEventsPublishMethod = "/" + OrderEventsServiceName + "/Publish"
)

type OrderEventsServer interface {
	Publish(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

var OrderEventsServiceDesc = grpc.ServiceDesc{
	ServiceName: OrderEventsServiceName,
	HandlerType: (*OrderEventsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "canopy/earnings/v1/order_events.proto",
}

func RegisterOrderEventsServer(s grpc.ServiceRegistrar, srv OrderEventsServer) {
	s.RegisterService(&OrderEventsServiceDesc, srv)
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderEventsServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: OrderEventsPublishMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderEventsServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type OrderEventsClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderEventsClient(cc grpc.ClientConnInterface) *OrderEventsClient {
	return &OrderEventsClient{cc: cc}
}

func (c *OrderEventsClient) Publish(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, OrderEventsPublishMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Server hands published events to the ingestor and reports the outcome to the caller.
type Server struct {
	ingestor *ingest.Ingestor
}

func NewServer(ingestor *ingest.Ingestor) *Server {
	return &Server{ingestor: ingestor}
}

func (s *Server) Publish(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	payload, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode event: %v", err)
	}
	ev, err := ingest.DecodeEvent(payload, "")
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	if err := s.ingestor.Handle(ctx, "grpc", ev); err != nil {
		return nil, status.Errorf(codes.Internal, "handle %s for order %s: %v", ev.EventType, ev.OrderID, err)
	}
	return &emptypb.Empty{}, nil
}

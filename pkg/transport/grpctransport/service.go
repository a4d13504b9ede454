// Package grpctransport implements transport.Transport over gRPC: each rank
// runs a server exposing a single service used by every peer, and dials out
// to every other rank's server as a client. This file hand-declares the
// service the way protoc-gen-go-grpc would from a .proto, using the
// well-known wrapperspb/emptypb message types as the wire payload so no
// protoc invocation is required to obtain real generated Marshal/Unmarshal
// code.
package grpctransport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// transportServer is the RPC-facing interface a rank's grpc.Server
// implements.
type transportServer interface {
	// Deliver accepts one framed point-to-point message. The frame's first
	// bytes are the header (source rank, tag); see frame.go.
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	// BarrierJoin registers this rank's arrival at a barrier generation and
	// blocks (server-side) until every rank has joined the same generation.
	BarrierJoin(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	// BcastJoin is called by every rank including the root; the root's
	// payload becomes the coordinator's recorded value, non-root payloads
	// are ignored, and every caller's response carries that value.
	BcastJoin(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// transportClient is the RPC-facing interface a dialed peer connection
// exposes.
type transportClient interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	BarrierJoin(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	BcastJoin(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

const serviceName = "vt.transport.Transport"

// transportServiceDesc mirrors what protoc-gen-go-grpc emits for a service
// with three unary methods.
var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "BarrierJoin", Handler: barrierJoinHandler},
		{MethodName: "BcastJoin", Handler: bcastJoinHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vt/transport.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Deliver"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transportServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func barrierJoinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).BarrierJoin(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/BarrierJoin"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transportServer).BarrierJoin(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func bcastJoinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).BcastJoin(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/BcastJoin"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transportServer).BcastJoin(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// registerTransportServer is the RegisterXServer equivalent.
func registerTransportServer(s grpc.ServiceRegistrar, srv transportServer) {
	s.RegisterService(&transportServiceDesc, srv)
}

type transportClientImpl struct {
	cc grpc.ClientConnInterface
}

func newTransportClient(cc grpc.ClientConnInterface) transportClient {
	return &transportClientImpl{cc: cc}
}

func (c *transportClientImpl) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Deliver", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *transportClientImpl) BarrierJoin(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/BarrierJoin", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *transportClientImpl) BcastJoin(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/BcastJoin", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

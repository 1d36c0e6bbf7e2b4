package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceDesc describes the Jobs service for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", JobsServer.Submit)},
		{MethodName: "Get", Handler: unaryHandler("Get", JobsServer.Get)},
		{MethodName: "List", Handler: unaryHandler("List", JobsServer.List)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchProgress",
			Handler:       watchProgressHandler,
			ServerStreams: true,
		},
	},
	Metadata: "particlestack/v1/jobs.proto",
}

// Register adds srv to r.
func Register(r grpc.ServiceRegistrar, srv JobsServer) {
	r.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(JobsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) grpc.MethodHandler {
	fullMethod := "/" + serviceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(JobsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(JobsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchProgressHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobsServer).WatchProgress(in, stream)
}

package server

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// runServer is the handler type of the gRPC service description.
type runServer interface {
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disassemble(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// grpcRunServer adapts RunService errors to gRPC status errors.
type grpcRunServer struct {
	svc *RunService
}

func (g grpcRunServer) Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return grpcResult(g.svc.Run(ctx, req))
}

func (g grpcRunServer) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return grpcResult(g.svc.GetRun(ctx, req))
}

func (g grpcRunServer) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return grpcResult(g.svc.ListRuns(ctx, req))
}

func (g grpcRunServer) Disassemble(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return grpcResult(g.svc.Disassemble(ctx, req))
}

// grpcResult converts a Connect error to a status error. Connect codes
// share gRPC's numbering.
func grpcResult(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err == nil {
		return out, nil
	}
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return nil, status.Error(codes.Code(cerr.Code()), cerr.Message())
	}
	return nil, status.Error(codes.Unknown, err.Error())
}

// unaryMethod builds a grpc.MethodDesc dispatching to one runServer method.
func unaryMethod(name string, call func(runServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(runServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + RunServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(runServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// runServiceDesc describes goslang.v1.RunService for grpc.Server.
var runServiceDesc = grpc.ServiceDesc{
	ServiceName: RunServiceName,
	HandlerType: (*runServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Run", runServer.Run),
		unaryMethod("GetRun", runServer.GetRun),
		unaryMethod("ListRuns", runServer.ListRuns),
		unaryMethod("Disassemble", runServer.Disassemble),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "goslang/v1/run.proto",
}

// newGRPCServer registers the run service and the standard health service.
func newGRPCServer(svc *RunService) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer()
	gs.RegisterService(&runServiceDesc, grpcRunServer{svc: svc})

	hs := health.NewServer()
	hs.SetServingStatus(RunServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

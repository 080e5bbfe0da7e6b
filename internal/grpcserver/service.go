package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Method names of the polaralign.v1.Solver service. Requests and replies
// are google.protobuf.Struct so no generated code is needed.
const (
	ServiceName    = "polaralign.v1.Solver"
	SolveMethod    = "/" + ServiceName + "/Solve"
	ProfilesMethod = "/" + ServiceName + "/Profiles"
)

// SolverServer is the server API for the Solver service.
type SolverServer interface {
	Solve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Profiles(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the Solver service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Solve", Handler: solveHandler},
		{MethodName: "Profiles", Handler: profilesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "polaralign/v1/solver.proto",
}

// RegisterSolverServer registers srv on s.
func RegisterSolverServer(s grpc.ServiceRegistrar, srv SolverServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func solveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SolverServer).Solve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SolveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SolverServer).Solve(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func profilesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SolverServer).Profiles(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProfilesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SolverServer).Profiles(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the Solver service over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Solve sends req (frame_a, frame_b and optional optics keys) and returns
// the decoded reply.
func (c *Client) Solve(ctx context.Context, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, SolveMethod, req, opts...)
}

func (c *Client) Profiles(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, ProfilesMethod, map[string]any{}, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

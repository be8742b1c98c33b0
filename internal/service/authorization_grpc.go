package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ProjectAuthorizationServiceName = "permission.v1.ProjectAuthorization"

	authorizeMethod            = "/permission.v1.ProjectAuthorization/Authorize"
	getMemberPermissionsMethod = "/permission.v1.ProjectAuthorization/GetMemberPermissions"
)

// ProjectAuthorizationServer exchanges google.protobuf.Struct payloads, so no generated code is needed.
type ProjectAuthorizationServer interface {
	Authorize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMemberPermissions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterProjectAuthorizationServer(s grpc.ServiceRegistrar, srv ProjectAuthorizationServer) {
	s.RegisterService(&projectAuthorizationServiceDesc, srv)
}

var projectAuthorizationServiceDesc = grpc.ServiceDesc{
	ServiceName: ProjectAuthorizationServiceName,
	HandlerType: (*ProjectAuthorizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Authorize", Handler: authorizeHandler},
		{MethodName: "GetMemberPermissions", Handler: getMemberPermissionsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "permission/v1/authorization.proto",
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProjectAuthorizationServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: authorizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProjectAuthorizationServer).Authorize(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getMemberPermissionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProjectAuthorizationServer).GetMemberPermissions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMemberPermissionsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProjectAuthorizationServer).GetMemberPermissions(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type ProjectAuthorizationClient interface {
	Authorize(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetMemberPermissions(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type projectAuthorizationClient struct {
	cc grpc.ClientConnInterface
}

func NewProjectAuthorizationClient(cc grpc.ClientConnInterface) ProjectAuthorizationClient {
	return &projectAuthorizationClient{cc}
}

func (c *projectAuthorizationClient) Authorize(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, authorizeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *projectAuthorizationClient) GetMemberPermissions(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getMemberPermissionsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

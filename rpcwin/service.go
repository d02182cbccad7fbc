package rpcwin

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "stagestream.rpcwin.Window"

const (
	methodLock   = "/" + serviceName + "/Lock"
	methodGet    = "/" + serviceName + "/Get"
	methodUnlock = "/" + serviceName + "/Unlock"
)

type windowServer interface {
	Lock(context.Context, *LockRequest) (*LockReply, error)
	Get(context.Context, *GetRequest) (*GetReply, error)
	Unlock(context.Context, *LockRequest) (*LockReply, error)
}

func lockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(windowServer).Lock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLock}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(windowServer).Lock(ctx, req.(*LockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(windowServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(windowServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unlockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(windowServer).Unlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodUnlock}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(windowServer).Unlock(ctx, req.(*LockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*windowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lock", Handler: lockHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Unlock", Handler: unlockHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcwin",
}

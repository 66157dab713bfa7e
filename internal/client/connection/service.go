package connection

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "gophsync.Cmds"

// cmdsHandler is implemented by *Server; it resolves the backend bound to
// the authenticated device of a call.
type cmdsHandler interface {
	cmdsFor(ctx context.Context) (Cmds, error)
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

func unary[Req, Rep any](name string, call func(Cmds, context.Context, Req) (Rep, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				cmds, err := srv.(cmdsHandler).cmdsFor(ctx)
				if err != nil {
					return nil, err
				}
				rep, err := call(cmds, ctx, *req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return &rep, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*cmdsHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary("VlobCreate", Cmds.VlobCreate),
		unary("VlobUpdate", Cmds.VlobUpdate),
		unary("VlobRead", Cmds.VlobRead),
		unary("VlobPollChanges", Cmds.VlobPollChanges),
		unary("BlockCreate", Cmds.BlockCreate),
		unary("BlockRead", Cmds.BlockRead),
		unary("RealmCreate", Cmds.RealmCreate),
		unary("RealmGetKeysBundle", Cmds.RealmGetKeysBundle),
		unary("CertificateGet", Cmds.CertificateGet),
	},
	Streams: []grpc.StreamDesc{},
}

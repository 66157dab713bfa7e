package connection

import (
	"context"
	"errors"
	"net"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Backend returns the commands executed on behalf of an authenticated
// device.
type Backend func(deviceID uuid.UUID) Cmds

// Server exposes a Backend over gRPC.
type Server struct {
	backend Backend
	keys    DeviceKeyLookup
	logger  logging.Logger
}

func NewServer(backend Backend, keys DeviceKeyLookup, l logging.Logger) *Server {
	return &Server{backend: backend, keys: keys, logger: l.With("module", "grpc_server")}
}

func (s *Server) cmdsFor(ctx context.Context) (Cmds, error) {
	id, ok := DeviceFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing device")
	}
	return s.backend(id), nil
}

func (s *Server) authInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	token := tokenFromContext(ctx)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	deviceID, err := ParseToken(token, s.keys)
	switch {
	case errors.Is(err, ErrRevokedDevice):
		return nil, status.Error(codes.PermissionDenied, msgRevokedUser)
	case err != nil:
		s.logger.Debug(ctx, "rejected token", "method", info.FullMethod, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	return handler(context.WithValue(ctx, deviceIDKey, deviceID), req)
}

// NewGRPCServer returns a grpc.Server with the service registered.
func (s *Server) NewGRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(cborCodec{}),
		grpc.ChainUnaryInterceptor(s.authInterceptor),
	)
	srv.RegisterService(&serviceDesc, s)
	return srv
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.NewGRPCServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Run listens on address and serves until ctx is done.
func (s *Server) Run(ctx context.Context, address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func toStatus(err error) error {
	var cerr *Error
	switch {
	case errors.Is(err, common.ErrOffline):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &cerr) && cerr.Kind == KindBadAuthentication:
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

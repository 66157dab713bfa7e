package connection

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCClient sends commands on behalf of one device.
type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	deviceID    uuid.UUID
	signingKey  cryptox.SigningKey
	clock       clock.Clock
	logger      logging.Logger
}

var _ Cmds = (*GRPCClient)(nil)

// NewGRPCClient prepares a client for endpointURL. No connection is made
// until the first command. Extra dial options are appended to the default
// ones, tests use them to plug a bufconn dialer.
func NewGRPCClient(endpointURL string, deviceID uuid.UUID, sk cryptox.SigningKey, clk clock.Clock, l logging.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{
		endpointURL: endpointURL,
		deviceID:    deviceID,
		signingKey:  sk,
		clock:       clk,
		logger:      l.With("component", "grpc_client"),
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
		grpc.WithUnaryInterceptor(c.authInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(endpointURL, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func (c *GRPCClient) authInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	token, err := GenerateToken(c.deviceID, c.signingKey, c.clock.Now())
	if err != nil {
		return err
	}
	return invoker(withToken(ctx, token), method, req, reply, cc, opts...)
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func invoke[Req, Rep any](ctx context.Context, c *GRPCClient, name string, req Req) (Rep, error) {
	var rep Rep
	if err := c.conn.Invoke(ctx, fullMethod(name), &req, &rep); err != nil {
		err = mapError(err)
		c.logger.Debug(ctx, "command failed", "command", name, "error", err)
		return rep, err
	}
	return rep, nil
}

func (c *GRPCClient) VlobCreate(ctx context.Context, req VlobCreateReq) (VlobCreateRep, error) {
	return invoke[VlobCreateReq, VlobCreateRep](ctx, c, "VlobCreate", req)
}

func (c *GRPCClient) VlobUpdate(ctx context.Context, req VlobUpdateReq) (VlobUpdateRep, error) {
	return invoke[VlobUpdateReq, VlobUpdateRep](ctx, c, "VlobUpdate", req)
}

func (c *GRPCClient) VlobRead(ctx context.Context, req VlobReadReq) (VlobReadRep, error) {
	return invoke[VlobReadReq, VlobReadRep](ctx, c, "VlobRead", req)
}

func (c *GRPCClient) VlobPollChanges(ctx context.Context, req VlobPollChangesReq) (VlobPollChangesRep, error) {
	return invoke[VlobPollChangesReq, VlobPollChangesRep](ctx, c, "VlobPollChanges", req)
}

func (c *GRPCClient) BlockCreate(ctx context.Context, req BlockCreateReq) (BlockCreateRep, error) {
	return invoke[BlockCreateReq, BlockCreateRep](ctx, c, "BlockCreate", req)
}

func (c *GRPCClient) BlockRead(ctx context.Context, req BlockReadReq) (BlockReadRep, error) {
	return invoke[BlockReadReq, BlockReadRep](ctx, c, "BlockRead", req)
}

func (c *GRPCClient) RealmCreate(ctx context.Context, req RealmCreateReq) (RealmCreateRep, error) {
	return invoke[RealmCreateReq, RealmCreateRep](ctx, c, "RealmCreate", req)
}

func (c *GRPCClient) RealmGetKeysBundle(ctx context.Context, req RealmGetKeysBundleReq) (RealmGetKeysBundleRep, error) {
	return invoke[RealmGetKeysBundleReq, RealmGetKeysBundleRep](ctx, c, "RealmGetKeysBundle", req)
}

func (c *GRPCClient) CertificateGet(ctx context.Context, req CertificateGetReq) (CertificateGetRep, error) {
	return invoke[CertificateGetReq, CertificateGetRep](ctx, c, "CertificateGet", req)
}

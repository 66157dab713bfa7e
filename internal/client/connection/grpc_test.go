package connection_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/connection/testbed"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	org    *testbed.Server
	client *connection.GRPCClient
	device uuid.UUID
	sk     cryptox.SigningKey
	dial   grpc.DialOption
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	org := testbed.NewServer(clock.Real())
	srv := connection.NewServer(org.Backend(), org.DeviceKey, logging.Nop())

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	vk, sk := cryptox.GenerateSigningKey()
	device := uuid.New()
	org.AddDevice(device, vk)

	dial := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	client, err := connection.NewGRPCClient("passthrough:///bufnet", device, sk, clock.Real(), logging.Nop(), dial)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &harness{org: org, client: client, device: device, sk: sk, dial: dial}
}

func TestGRPC_VlobLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	realmID, vlobID := uuid.New(), uuid.New()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	created, err := h.client.RealmCreate(ctx, connection.RealmCreateReq{RealmID: realmID, Timestamp: ts, KeysBundle: []byte("bundle")})
	require.NoError(t, err)
	require.Equal(t, connection.StatusOK, created.Status)

	again, err := h.client.RealmCreate(ctx, connection.RealmCreateReq{RealmID: realmID, Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, connection.StatusRealmAlreadyExists, again.Status)

	rep, err := h.client.VlobCreate(ctx, connection.VlobCreateReq{RealmID: realmID, VlobID: vlobID, KeyIndex: 1, Timestamp: ts, Blob: []byte("v1")})
	require.NoError(t, err)
	require.Equal(t, connection.StatusOK, rep.Status)

	upd, err := h.client.VlobUpdate(ctx, connection.VlobUpdateReq{RealmID: realmID, VlobID: vlobID, KeyIndex: 1, Version: 2, Timestamp: ts, Blob: []byte("v2")})
	require.NoError(t, err)
	require.Equal(t, connection.StatusRequireGreaterTimestamp, upd.Status)
	assert.True(t, upd.Rejection.StrictlyGreaterThan.Equal(ts))

	upd, err = h.client.VlobUpdate(ctx, connection.VlobUpdateReq{RealmID: realmID, VlobID: vlobID, KeyIndex: 1, Version: 2, Timestamp: ts.Add(time.Second), Blob: []byte("v2")})
	require.NoError(t, err)
	require.Equal(t, connection.StatusOK, upd.Status)

	read, err := h.client.VlobRead(ctx, connection.VlobReadReq{RealmID: realmID, VlobIDs: []uuid.UUID{vlobID, uuid.New()}})
	require.NoError(t, err)
	require.Len(t, read.Items, 1)
	assert.Equal(t, uint32(2), read.Items[0].Version)
	assert.Equal(t, h.device, read.Items[0].Author)
	assert.Equal(t, []byte("v2"), read.Items[0].Blob)

	changes, err := h.client.VlobPollChanges(ctx, connection.VlobPollChangesReq{RealmID: realmID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), changes.CurrentCheckpoint)
	assert.Equal(t, []connection.VlobChange{{VlobID: vlobID, Version: 2}}, changes.Changes)

	certs, err := h.client.CertificateGet(ctx, connection.CertificateGetReq{})
	require.NoError(t, err)
	require.Len(t, certs.Certificates, 3)
	assert.Equal(t, connection.CertificateDevice, certs.Certificates[0].Type)
}

func TestGRPC_BlocksAndKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	realmID, blockID := uuid.New(), uuid.New()

	_, err := h.client.RealmCreate(ctx, connection.RealmCreateReq{RealmID: realmID, KeysBundle: []byte("k1")})
	require.NoError(t, err)

	bc, err := h.client.BlockCreate(ctx, connection.BlockCreateReq{RealmID: realmID, BlockID: blockID, KeyIndex: 1, Block: []byte("data")})
	require.NoError(t, err)
	require.Equal(t, connection.StatusOK, bc.Status)

	br, err := h.client.BlockRead(ctx, connection.BlockReadReq{RealmID: realmID, BlockID: blockID})
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), br.Block)

	missing, err := h.client.BlockRead(ctx, connection.BlockReadReq{RealmID: realmID, BlockID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, connection.StatusBlockNotFound, missing.Status)

	h.org.RotateRealmKey(realmID, []byte("k2"))
	kb, err := h.client.RealmGetKeysBundle(ctx, connection.RealmGetKeysBundleReq{RealmID: realmID})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), kb.KeyIndex)
	assert.Equal(t, []byte("k2"), kb.KeysBundle)
}

func TestGRPC_Authentication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, sk := cryptox.GenerateSigningKey()
	stranger, err := connection.NewGRPCClient("passthrough:///bufnet", uuid.New(), sk, clock.Real(), logging.Nop(), h.dial)
	require.NoError(t, err)
	defer stranger.Close()

	_, err = stranger.CertificateGet(ctx, connection.CertificateGetReq{})
	var cerr *connection.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, connection.KindBadAuthentication, cerr.Kind)

	// Right device id, wrong key.
	impostor, err := connection.NewGRPCClient("passthrough:///bufnet", h.device, sk, clock.Real(), logging.Nop(), h.dial)
	require.NoError(t, err)
	defer impostor.Close()
	_, err = impostor.CertificateGet(ctx, connection.CertificateGetReq{})
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, connection.KindBadAuthentication, cerr.Kind)

	h.org.RevokeDevice(h.device)
	_, err = h.client.CertificateGet(ctx, connection.CertificateGetReq{})
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, connection.KindRevokedUser, cerr.Kind)
	assert.ErrorIs(t, err, common.ErrNotAllowed)
}

func TestGRPC_BackendErrorsBecomeOffline(t *testing.T) {
	h := newHarness(t)
	h.org.Fail(testbed.CmdCertificateGet, 1, connection.Offline(errors.New("database down")))

	_, err := h.client.CertificateGet(context.Background(), connection.CertificateGetReq{})
	require.ErrorIs(t, err, common.ErrOffline)

	_, err = h.client.CertificateGet(context.Background(), connection.CertificateGetReq{})
	require.NoError(t, err)
}

func TestGRPC_UnreachableServerIsOffline(t *testing.T) {
	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())

	_, sk := cryptox.GenerateSigningKey()
	dial := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	client, err := connection.NewGRPCClient("passthrough:///bufnet", uuid.New(), sk, clock.Real(), logging.Nop(), dial)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.CertificateGet(ctx, connection.CertificateGetReq{})
	require.ErrorIs(t, err, common.ErrOffline)
}

func TestToken(t *testing.T) {
	vk, sk := cryptox.GenerateSigningKey()
	device := uuid.New()
	lookup := func(id uuid.UUID) (cryptox.VerifyKey, error) {
		if id != device {
			return nil, connection.ErrUnknownDevice
		}
		return vk, nil
	}

	token, err := connection.GenerateToken(device, sk, time.Now())
	require.NoError(t, err)
	got, err := connection.ParseToken(token, lookup)
	require.NoError(t, err)
	assert.Equal(t, device, got)

	expired, err := connection.GenerateToken(device, sk, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = connection.ParseToken(expired, lookup)
	require.Error(t, err)

	other, err := connection.GenerateToken(uuid.New(), sk, time.Now())
	require.NoError(t, err)
	_, err = connection.ParseToken(other, lookup)
	require.ErrorIs(t, err, connection.ErrUnknownDevice)
}

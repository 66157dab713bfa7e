package blockstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/connection/testbed"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStore(t *testing.T) {
	ctx := context.Background()
	org := testbed.NewServer(clock.Real())
	device := uuid.New()
	vk, _ := cryptox.GenerateSigningKey()
	org.AddDevice(device, vk)
	cmds := org.Client(device)

	realmID := uuid.New()
	rep, err := cmds.RealmCreate(ctx, connection.RealmCreateReq{RealmID: realmID, KeysBundle: []byte("k")})
	require.NoError(t, err)
	require.Equal(t, connection.StatusOK, rep.Status)

	store := NewServerStore(cmds)
	blockID := uuid.New()
	require.NoError(t, store.Upload(ctx, realmID, blockID, 1, []byte("cipher")))

	keyIndex, data, err := store.Download(ctx, realmID, blockID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), keyIndex)
	assert.Equal(t, []byte("cipher"), data)

	_, _, err = store.Download(ctx, realmID, uuid.New())
	require.ErrorIs(t, err, ErrBlockNotFound)

	require.ErrorIs(t, store.Upload(ctx, realmID, uuid.New(), 7, []byte("x")), ErrBadKeyIndex)

	org.SetBlockStoreAvailable(false)
	require.ErrorIs(t, store.Upload(ctx, realmID, uuid.New(), 1, []byte("x")), common.ErrStoreUnavailable)
	_, _, err = store.Download(ctx, realmID, blockID)
	require.ErrorIs(t, err, common.ErrStoreUnavailable)

	org.Fail(testbed.CmdBlockRead, 1, connection.Offline(errors.New("down")))
	_, _, err = store.Download(ctx, realmID, blockID)
	require.ErrorIs(t, err, common.ErrOffline)
}

type fakeS3 struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	failPut  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = data
	f.metadata[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), Metadata: f.metadata[key]}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}

	origLoad, origNew := loadDefaultAWSConfig, newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	var region string
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		region = lo.Region
		return aws.Config{}, nil
	}
	var endpoint string
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) s3API {
		var opts s3.Options
		for _, fn := range optFns {
			fn(&opts)
		}
		endpoint = aws.ToString(opts.BaseEndpoint)
		return fake
	}

	ctx := context.Background()
	store, err := NewS3Store(ctx, config.S3Config{
		Endpoint: "http://127.0.0.1:9000",
		Bucket:   "blocks",
		Region:   "eu-north-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-north-1", region)
	assert.Equal(t, "http://127.0.0.1:9000", endpoint)

	realmID, blockID := uuid.New(), uuid.New()
	require.NoError(t, store.Upload(ctx, realmID, blockID, 3, []byte("cipher")))
	assert.Contains(t, fake.objects, "blocks/"+realmID.String()+"/"+blockID.String())

	keyIndex, data, err := store.Download(ctx, realmID, blockID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), keyIndex)
	assert.Equal(t, []byte("cipher"), data)

	_, _, err = store.Download(ctx, realmID, uuid.New())
	require.ErrorIs(t, err, ErrBlockNotFound)

	fake.failPut = errors.New("connection refused")
	require.ErrorIs(t, store.Upload(ctx, realmID, uuid.New(), 3, []byte("x")), common.ErrStoreUnavailable)
}

package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	clientconfig "github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/google/uuid"
)

const keyIndexMetadata = "key-index"

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) s3API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps blocks in a bucket under "<realm id>/<block id>".
type S3Store struct {
	client s3API
	bucket string
}

var _ Store = (*S3Store)(nil)

func NewS3Store(ctx context.Context, cfg clientconfig.S3Config) (*S3Store, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(realmID, blockID uuid.UUID) string {
	return realmID.String() + "/" + blockID.String()
}

func (s *S3Store) Upload(ctx context.Context, realmID, blockID uuid.UUID, keyIndex uint64, ciphertext []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectKey(realmID, blockID)),
		Body:     bytes.NewReader(ciphertext),
		Metadata: map[string]string{keyIndexMetadata: strconv.FormatUint(keyIndex, 10)},
	})
	if err != nil {
		return fmt.Errorf("%w: put object: %w", common.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *S3Store) Download(ctx context.Context, realmID, blockID uuid.UUID) (uint64, []byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(realmID, blockID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return 0, nil, ErrBlockNotFound
		}
		return 0, nil, fmt.Errorf("%w: get object: %w", common.ErrStoreUnavailable, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read object: %w", common.ErrStoreUnavailable, err)
	}
	keyIndex, err := strconv.ParseUint(out.Metadata[keyIndexMetadata], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: block %s has no key index", common.ErrDataIntegrity, blockID)
	}
	return keyIndex, data, nil
}

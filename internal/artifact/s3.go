package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"sandbox/internal/config"
	"sandbox/internal/logging"
)

// objectKeyPrefix namespaces generated images inside the bucket.
const objectKeyPrefix = "output/images/"

// S3 stores artifacts in an S3-compatible bucket. Path-style addressing and
// a custom endpoint keep it working against MinIO and friends, not just AWS.
type S3 struct {
	client *s3.Client
	bucket string
	logger logging.Logger
}

// NewS3 builds the client from the object_storage config section.
func NewS3(ctx context.Context, cfg config.ObjectStorageConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		logger: logging.NewComponentLogger("ArtifactStore"),
	}, nil
}

func (s *S3) Put(ctx context.Context, assetID string, data []byte) error {
	key := objectKeyPrefix + assetID
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", assetID, err)
	}
	s.logger.Debug("Uploaded artifact %s (%d bytes)", assetID, len(data))
	return nil
}

func (s *S3) Get(ctx context.Context, assetID string) ([]byte, error) {
	key := objectKeyPrefix + assetID
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch artifact %s: %w", assetID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", assetID, err)
	}
	return data, nil
}

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/paperbase/paperbase/config"
)

// uploadManager is the slice of manager.Uploader the store needs. The
// real backend uses the managed uploader so large PDFs go up as
// multipart uploads; tests substitute a single-put implementation.
type uploadManager interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store keeps uploads and figures in an S3-compatible bucket under
// uploads/ and figures/ key prefixes.
type S3Store struct {
	client   S3Client
	uploader uploadManager
	bucket   string
}

// NewS3Store resolves AWS configuration from the environment and
// verifies the bucket is reachable before returning.
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.S3Bucket)})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", cfg.S3Bucket, err)
	}

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
	}, nil
}

// NewS3StoreWithClient creates a store over an injected client, used by
// tests to substitute a mock. Uploads fall back to single PutObject
// calls.
func NewS3StoreWithClient(client S3Client, bucket string) *S3Store {
	return &S3Store{
		client:   client,
		uploader: &singlePutUploader{client: client},
		bucket:   bucket,
	}
}

// SavePDF streams an uploaded document to the bucket.
func (s *S3Store) SavePDF(ctx context.Context, originalName string, r io.Reader) (string, int64, error) {
	key := path.Join("uploads", pdfObjectName(originalName, time.Now()))

	counted := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        counted,
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, counted.n, nil
}

// SaveFigure stores an extracted figure image.
func (s *S3Store) SaveFigure(ctx context.Context, documentName string, page, figure int, data []byte) (string, error) {
	key := path.Join("figures", figureObjectName(documentName, page, figure, time.Now()))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, nil
}

// Open streams a stored object.
func (s *S3Store) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", objectPath, err)
	}
	return out.Body, nil
}

// Remove deletes a stored object. S3 deletes are idempotent.
func (s *S3Store) Remove(ctx context.Context, objectPath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", objectPath, err)
	}
	return nil
}

// singlePutUploader satisfies uploadManager with one PutObject call.
type singlePutUploader struct {
	client S3Client
}

func (u *singlePutUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	_, err := u.client.PutObject(ctx, input)
	if err != nil {
		return nil, err
	}
	return &manager.UploadOutput{}, nil
}

// countingReader tracks bytes read so SavePDF can report the size of a
// streamed body.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// NewStore selects the backend from configuration.
func NewStore(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "", "local":
		return NewLocalStore(cfg.UploadDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

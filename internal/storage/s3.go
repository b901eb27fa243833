package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kenneth/tiered-segment-store/internal/config"
)

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements ObjectStore on an S3 compatible bucket.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store creates a store for the configured bucket. Static credentials
// are used when configured, the default AWS credential chain otherwise.
func NewS3Store(ctx context.Context, cfg *config.StorageConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Store(client, cfg.Bucket), nil
}

func newS3Store(client s3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// PutObject uploads an object. size must be the exact body length.
func (s *S3Store) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return translateError(fmt.Sprintf("failed to put object %s/%s", s.bucket, key), err)
	}
	return nil
}

// GetObject retrieves a whole object.
func (s *S3Store) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.get(ctx, key, nil)
}

// GetObjectRange retrieves length bytes starting at start.
func (s *S3Store) GetObjectRange(ctx context.Context, key string, start, length int64) (io.ReadCloser, error) {
	if err := validateRange(start, length); err != nil {
		return nil, err
	}
	return s.get(ctx, key, aws.String(rangeHeader(start, length)))
}

func (s *S3Store) get(ctx context.Context, key string, rangeHeader *string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	}

	result, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, translateError(fmt.Sprintf("failed to get object %s/%s", s.bucket, key), err)
	}
	return result.Body, nil
}

// DeleteObject deletes an object. Deleting a missing object succeeds.
func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}

	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		return translateError(fmt.Sprintf("failed to delete object %s/%s", s.bucket, key), err)
	}
	return nil
}

// translateError maps missing-object responses to ErrObjectNotFound and
// keeps the original error in the chain.
func translateError(msg string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%s: %w: %w", msg, ErrObjectNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w: %w", msg, ErrObjectNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

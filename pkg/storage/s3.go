package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var s3Tracer = otel.Tracer("controlhub/storage/s3")

// S3Store implements BlobStore on S3 or an S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates an S3-backed blob store.
func NewS3Store(cfg Config) (*S3Store, error) {
	ctx := context.Background()

	var awsCfg aws.Config
	var err error

	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials (MinIO, or AWS with explicit keys)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	// Create the bucket when it is missing, for local dev with MinIO
	if err := createBucketIfNotExists(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return &S3Store{client: client, bucket: cfg.S3Bucket}, nil
}

// Put implements BlobStore.Put.
func (s *S3Store) Put(ctx context.Context, key string, content io.Reader, contentType string) (int64, error) {
	ctx, span := s3Tracer.Start(ctx, "S3.Put",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	// S3 needs a seekable body or a known length, so buffer the upload
	data, err := io.ReadAll(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read content")
		return 0, fmt.Errorf("failed to read content: %w", err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return 0, fmt.Errorf("failed to upload to s3: %w", err)
	}

	span.SetStatus(codes.Ok, "object uploaded")
	return int64(len(data)), nil
}

// Get implements BlobStore.Get.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := s3Tracer.Start(ctx, "S3.Get",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		if isNotFoundError(err) {
			span.SetStatus(codes.Error, "object not found")
			return nil, ErrNotFound
		}
		span.SetStatus(codes.Error, "failed to get object")
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}

	span.SetStatus(codes.Ok, "object retrieved")
	return result.Body, nil
}

// Delete implements BlobStore.Delete.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Exists implements BlobStore.Exists.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// HealthCheck implements BlobStore.HealthCheck.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		return nil
	}

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil && !isBucketAlreadyExistsError(err) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey"))
}

func isBucketAlreadyExistsError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "BucketAlreadyExists") || strings.Contains(err.Error(), "BucketAlreadyOwnedByYou"))
}

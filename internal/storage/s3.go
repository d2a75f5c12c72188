package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// S3Store stores book binaries in an AWS S3 bucket
type S3Store struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
}

// NewS3Store builds a client from static credentials when given, falling
// back to the default AWS credential chain otherwise.
func NewS3Store(ctx context.Context, bucket, region, accessKeyID, secretAccessKey, publicBaseURL string) (*S3Store, error) {
	if bucket == "" {
		return nil, pkgerrors.New("bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load AWS config")
	}
	return &S3Store{
		client:        s3.NewFromConfig(cfg),
		bucket:        bucket,
		publicBaseURL: publicBaseURL,
	}, nil
}

// Upload stores body under key using a conditional write so an existing
// object is never replaced.
func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "s3.upload",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		span.RecordError(err)
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return pkgerrors.Wrapf(ErrObjectExists, "key %s", key)
		}
		return pkgerrors.Wrap(err, "failed to upload object")
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// PublicURL derives the public URL of key. It performs no I/O.
func (s *S3Store) PublicURL(key string) string {
	return publicURL(s.publicBaseURL, key)
}

// KeyOf recovers the object key from a URL returned by PublicURL.
func (s *S3Store) KeyOf(fileURL string) (string, error) {
	return KeyFromURL(s.publicBaseURL, fileURL)
}

// Ping checks the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return pkgerrors.Wrap(err, "object storage unreachable")
}

// Remove deletes the object stored under key
func (s *S3Store) Remove(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "s3.remove",
		trace.WithAttributes(
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return pkgerrors.Wrap(err, "failed to delete object")
	}
	return nil
}

// KeyFromURL recovers the object key from a URL produced by PublicURL.
func KeyFromURL(publicBaseURL, fileURL string) (string, error) {
	prefix := strings.TrimRight(publicBaseURL, "/") + "/"
	if !strings.HasPrefix(fileURL, prefix) {
		return "", pkgerrors.Errorf("url %q is not under %q", fileURL, prefix)
	}
	key, err := url.PathUnescape(strings.TrimPrefix(fileURL, prefix))
	if err != nil {
		return "", pkgerrors.Wrap(err, "malformed object url")
	}
	if key == "" {
		return "", pkgerrors.Errorf("url %q has no object key", fileURL)
	}
	return key, nil
}

func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(key)
}

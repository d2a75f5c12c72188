package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrObjectExists is returned when an upload would overwrite an existing object.
var ErrObjectExists = errors.New("object already exists")

// readOnlyPolicy lets anonymous clients GET objects so public URLs resolve.
const readOnlyPolicy = `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"AWS": ["*"]},
    "Action": ["s3:GetObject"],
    "Resource": ["arn:aws:s3:::%s/*"]
  }]
}`

// MinioStore wraps MinIO operations with tracing
type MinioStore struct {
	client        *minio.Client
	bucketName    string
	publicBaseURL string
}

// NewMinioStore initializes a new MinIO client and makes sure the bucket exists
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, publicBaseURL string) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create MinIO client")
	}

	ms := &MinioStore{
		client:        client,
		bucketName:    bucketName,
		publicBaseURL: publicBaseURL,
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check bucket existence")
	}

	if !exists {
		logrus.WithField("bucket", bucketName).Info("Creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "failed to create bucket")
		}
		if err := client.SetBucketPolicy(ctx, bucketName, fmt.Sprintf(readOnlyPolicy, bucketName)); err != nil {
			return nil, errors.Wrap(err, "failed to set bucket policy")
		}
	}

	return ms, nil
}

// Upload stores body under key. An existing object under key is never overwritten.
func (ms *MinioStore) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "minio.upload",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	_, err := ms.client.StatObject(ctx, ms.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		span.RecordError(ErrObjectExists)
		return errors.Wrapf(ErrObjectExists, "key %s", key)
	}
	if minio.ToErrorResponse(err).Code != "NoSuchKey" {
		span.RecordError(err)
		return errors.Wrap(err, "failed to check object")
	}

	// The stat above leaves a window before the put; If-None-Match closes
	// it on servers that honour conditional writes.
	opts := minio.PutObjectOptions{ContentType: contentType}
	opts.SetMatchETagExcept("*")
	if _, err = ms.client.PutObject(ctx, ms.bucketName, key, body, size, opts); err != nil {
		err = putError(key, err)
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// putError maps a failed conditional put to ErrObjectExists.
func putError(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed {
		return errors.Wrapf(ErrObjectExists, "key %s", key)
	}
	return errors.Wrap(err, "failed to upload object")
}

// PublicURL derives the public URL of key. It performs no I/O.
func (ms *MinioStore) PublicURL(key string) string {
	return publicURL(ms.publicBaseURL, key)
}

// KeyOf recovers the object key from a URL returned by PublicURL.
func (ms *MinioStore) KeyOf(fileURL string) (string, error) {
	return KeyFromURL(ms.publicBaseURL, fileURL)
}

// Remove deletes the object stored under key
func (ms *MinioStore) Remove(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.remove",
		trace.WithAttributes(
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	err := ms.client.RemoveObject(ctx, ms.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to delete object")
	}

	return nil
}

// Ping checks the bucket is reachable.
func (ms *MinioStore) Ping(ctx context.Context) error {
	_, err := ms.client.BucketExists(ctx, ms.bucketName)
	return errors.Wrap(err, "object storage unreachable")
}

package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"lingopack/shared/minio"

	miniosdk "github.com/minio/minio-go/v7"
)

// ObjectStorage is the behaviour stage handlers and the API need from the
// artifact store.
type ObjectStorage interface {
	PutObject(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Service handles object storage operations against MinIO.
type Service struct {
	client *minio.Client
	bucket string
}

var _ ObjectStorage = (*Service)(nil)

// New creates a new storage service.
func New(client *minio.Client) *Service {
	return &Service{
		client: client,
		bucket: client.Bucket(),
	}
}

// PutObject uploads an object.
func (s *Service) PutObject(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(
		ctx,
		s.bucket,
		key,
		reader,
		size,
		miniosdk.PutObjectOptions{
			ContentType: contentType,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// GetObject retrieves an object.
func (s *Service) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(
		ctx,
		s.bucket,
		key,
		miniosdk.GetObjectOptions{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return obj, nil
}

// ObjectExists checks whether an object exists without downloading it.
func (s *Service) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, miniosdk.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	responseErr := miniosdk.ToErrorResponse(err)
	if responseErr.StatusCode == 404 {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat object: %w", err)
}

// PresignedGetURL generates a presigned URL for external access.
func (s *Service) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presignedURL, err := s.client.PublicClient().PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignedURL.String(), nil
}

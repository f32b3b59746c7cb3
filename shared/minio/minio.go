package minio

import (
	"context"
	"fmt"

	"lingopack/shared/config"

	miniosdk "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client wraps the MinIO client and exposes the configured bucket.
type Client struct {
	*miniosdk.Client
	publicClient *miniosdk.Client
	bucket       string
}

// New creates a new MinIO client and ensures the configured bucket exists.
func New(cfg config.MinIOConfig) (*Client, error) {
	client, err := miniosdk.New(cfg.Endpoint, &miniosdk.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// Presigned URLs must be signed against the endpoint clients resolve,
	// which can differ from the in-cluster endpoint.
	publicClient := client
	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		publicClient, err = miniosdk.New(cfg.PublicEndpoint, &miniosdk.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create public MinIO client: %w", err)
		}
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, miniosdk.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Client{
		Client:       client,
		publicClient: publicClient,
		bucket:       cfg.Bucket,
	}, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// PublicClient returns the client used for presigned URL generation.
func (c *Client) PublicClient() *miniosdk.Client {
	return c.publicClient
}

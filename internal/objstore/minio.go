// Package objstore wraps the object-storage collaborator that holds
// certificate artifacts. Logical paths are what gets persisted on the
// project document; URLs are minted on demand and short-lived.
package objstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

type Client struct {
	mc     *minio.Client
	bucket string
	urlTTL time.Duration
}

func New(ctx context.Context, opts Options) (*Client, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Client{mc: mc, bucket: opts.Bucket, urlTTL: ttl}, nil
}

// Upload stores an object under the given logical path. Pass size -1
// when the length is unknown; the client falls back to streaming.
func (c *Client) Upload(ctx context.Context, path string, reader io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, path, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// Download reads a whole object, used for certificate templates.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// ReadURL mints a short-lived presigned URL for a stored artifact.
func (c *Client) ReadURL(ctx context.Context, path string) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, path, c.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return u.String(), nil
}

// Package objectstore wraps the S3-compatible object store used for remote
// batch storage.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"chorus/internal/config"
)

// PutOptions controls an upload.
type PutOptions struct {
	ContentType string
	Encrypt     bool
	Metadata    map[string]string
}

// Client is the subset of object-store operations chorus needs.
type Client interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error
	Stat(ctx context.Context, key string) (int64, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration, filename string) (string, error)
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Minio implements Client with minio-go.
type Minio struct {
	client *minio.Client
	bucket string
}

// New connects to the configured endpoint. No network call is made until
// the first operation.
func New(cfg config.Remote) (*Minio, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("remote endpoint and bucket are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads size bytes from r to key.
func (m *Minio) Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) error {
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	}
	if opts.Encrypt {
		putOpts.ServerSideEncryption = encrypt.NewSSE()
	}
	info, err := m.client.PutObject(ctx, m.bucket, key, r, size, putOpts)
	if err != nil {
		return err
	}
	if size >= 0 && info.Size != size {
		return fmt.Errorf("uploaded %d of %d bytes", info.Size, size)
	}
	return nil
}

// Stat returns the stored object size.
func (m *Minio) Stat(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// PresignGet returns a time-limited download URL that suggests filename.
func (m *Minio) PresignGet(ctx context.Context, key string, ttl time.Duration, filename string) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, params)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Remove deletes key.
func (m *Minio) Remove(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

// Ping verifies the bucket exists and the credentials can see it.
func (m *Minio) Ping(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}

// Key joins the configured prefix and name.
func Key(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// IsPermanent reports whether retrying err cannot help: client errors other
// than timeouts and throttling.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
			return true
		}
		status := resp.StatusCode
		return status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
	}
	return false
}

package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioAPI is the subset of the minio client used by MinioStore.
type MinioAPI interface {
	PresignHeader(ctx context.Context, method, bucketName, objectName string, expires time.Duration, reqParams url.Values, extraHeaders http.Header) (*url.URL, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

// MinioStore implements ObjectStore against a MinIO server.
type MinioStore struct {
	client MinioAPI
	bucket string
}

// NewMinioStore connects to the MinIO endpoint in opts.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewMinioStoreWithClient(client, opts.Bucket), nil
}

// NewMinioStoreWithClient creates a MinioStore from an existing client.
func NewMinioStoreWithClient(client MinioAPI, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

// PresignPut implements ObjectStore. Content-Type and Cache-Control are
// signed so the uploader cannot change them.
func (m *MinioStore) PresignPut(ctx context.Context, key string, opts PutOptions) (string, error) {
	expires := opts.Expires
	if expires <= 0 {
		expires = DefaultPresignTTL
	}

	headers := http.Header{}
	if opts.ContentType != "" {
		headers.Set("Content-Type", opts.ContentType)
	}
	if opts.CacheControl != "" {
		headers.Set("Cache-Control", opts.CacheControl)
	}

	u, err := m.client.PresignHeader(ctx, http.MethodPut, m.bucket, key, expires, nil, headers)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete implements ObjectStore.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PresignedUpload is a browser-ready POST upload grant: the client posts a
// multipart form with Fields plus the file part to URL.
type PresignedUpload struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// ObjectStore provides access to object storage.
type ObjectStore interface {
	// PresignPost grants a direct upload of a single PDF to key, bounded by
	// maxSize bytes and expiring after expiry.
	PresignPost(ctx context.Context, key string, maxSize int64, expiry time.Duration) (PresignedUpload, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// PresignPost builds a POST policy restricted to the key, a fixed PDF
// content type, and a 1..maxSize byte size range.
func (m *MinioStore) PresignPost(ctx context.Context, key string, maxSize int64, expiry time.Duration) (PresignedUpload, error) {
	policy := minio.NewPostPolicy()
	if err := policy.SetBucket(m.bucket); err != nil {
		return PresignedUpload{}, fmt.Errorf("policy bucket: %w", err)
	}
	if err := policy.SetKey(key); err != nil {
		return PresignedUpload{}, fmt.Errorf("policy key: %w", err)
	}
	if err := policy.SetContentType("application/pdf"); err != nil {
		return PresignedUpload{}, fmt.Errorf("policy content type: %w", err)
	}
	if err := policy.SetContentLengthRange(1, maxSize); err != nil {
		return PresignedUpload{}, fmt.Errorf("policy size range: %w", err)
	}
	if err := policy.SetExpires(time.Now().UTC().Add(expiry)); err != nil {
		return PresignedUpload{}, fmt.Errorf("policy expiry: %w", err)
	}
	u, fields, err := m.client.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return PresignedUpload{}, fmt.Errorf("presign post: %w", err)
	}
	return PresignedUpload{URL: u.String(), Fields: fields}, nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// Get streams an object's content.
func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return obj, nil
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

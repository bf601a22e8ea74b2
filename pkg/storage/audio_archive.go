// Package storage archives audio artifacts (uploaded recordings, synthesized
// replies) in S3-compatible object storage. Archival is best-effort: the voice
// pipeline never fails because the archive is down.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// AudioArchive stores audio blobs under per-user, per-day keys.
type AudioArchive interface {
	Put(ctx context.Context, userID, filename string, r io.Reader, size int64, contentType string) (string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// MinioArchive implements AudioArchive on MinIO/S3 compatible storage.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects to MinIO and ensures the bucket exists.
func NewMinioArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioArchive, error) {
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
	return &MinioArchive{client: client, bucket: bucket}, nil
}

// Put uploads one audio blob and returns its object key.
func (m *MinioArchive) Put(ctx context.Context, userID, filename string, r io.Reader, size int64, contentType string) (string, error) {
	key := ArchiveKey(userID, filename, time.Now().UTC())
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put audio object: %w", err)
	}
	return key, nil
}

// PresignGet generates a pre-signed GET URL for a stored blob.
func (m *MinioArchive) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// Delete removes a stored blob.
func (m *MinioArchive) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete audio object: %w", err)
	}
	return nil
}

// ArchiveKey builds the object key "audio/<user>/<yyyy-mm-dd>/<ts>_<name>".
// The timestamp prefix keeps repeated uploads of the same filename distinct.
func ArchiveKey(userID, filename string, now time.Time) string {
	name := path.Base(filename)
	if name == "." || name == "/" || name == "" {
		name = "audio.bin"
	}
	return path.Join(
		"audio",
		userID,
		now.Format("2006-01-02"),
		fmt.Sprintf("%d_%s", now.UnixNano(), name),
	)
}

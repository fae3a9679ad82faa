// Package storage archives fetched portal HTML in MinIO (or any S3-compatible store).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
)

// ErrNotConfigured is returned by NewSnapshotStoreFromEnv when MINIO_ENDPOINT is unset.
var ErrNotConfigured = errors.New("no object storage configuration")

const anonymousOwner = "anonymous"

// objectClient is the part of *minio.Client the snapshot store uses
type objectClient interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// SnapshotStore keeps one HTML snapshot per parsed invoice
type SnapshotStore struct {
	client objectClient
	bucket string
	now    func() time.Time
}

// NewSnapshotStore wraps an existing client
func NewSnapshotStore(client *minio.Client, bucket string) *SnapshotStore {
	return &SnapshotStore{client: client, bucket: bucket, now: time.Now}
}

// NewSnapshotStoreFromEnv connects using MINIO_ENDPOINT, MINIO_ACCESS_KEY,
// MINIO_SECRET_KEY, MINIO_BUCKET and MINIO_USE_SSL, and checks the bucket exists.
func NewSnapshotStoreFromEnv(ctx context.Context) (*SnapshotStore, error) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		return nil, ErrNotConfigured
	}

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "nfce-snapshots"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), ""),
		Secure: os.Getenv("MINIO_USE_SSL") == "true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	logger.Named("storage").Infow("Snapshot storage ready", "endpoint", endpoint, "bucket", bucket)
	return NewSnapshotStore(client, bucket), nil
}

// ObjectName builds the owner-scoped path: {owner}/YYYY/MM/{key}.html
func ObjectName(ownerID, key string, at time.Time) string {
	if ownerID == "" {
		ownerID = anonymousOwner
	}
	return fmt.Sprintf("%s/%d/%02d/%s.html", ownerID, at.Year(), at.Month(), key)
}

// OwnedBy reports whether a "bucket/object" path returned by Archive sits under
// ownerID's prefix. An empty ownerID matches only anonymous snapshots.
func OwnedBy(objectPath, ownerID string) bool {
	if ownerID == "" {
		ownerID = anonymousOwner
	}
	parts := strings.Split(objectPath, "/")
	return len(parts) == 5 && parts[1] == ownerID
}

// Archive uploads the HTML and returns "bucket/object" for storage alongside the invoice
func (s *SnapshotStore) Archive(ctx context.Context, ownerID, key, html string) (string, error) {
	objectName := ObjectName(ownerID, key, s.now())

	_, err := s.client.PutObject(ctx, s.bucket, objectName, strings.NewReader(html), int64(len(html)), minio.PutObjectOptions{
		ContentType: "text/html; charset=utf-8",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	return fmt.Sprintf("%s/%s", s.bucket, objectName), nil
}

// PresignedURL generates a 24h download link for an archived snapshot
func (s *SnapshotStore) PresignedURL(ctx context.Context, objectPath string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, s.objectName(objectPath), 24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return u.String(), nil
}

// objectName strips the bucket prefix returned by Archive
func (s *SnapshotStore) objectName(objectPath string) string {
	return strings.TrimPrefix(objectPath, s.bucket+"/")
}

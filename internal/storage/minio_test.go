package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	bucket      string
	object      string
	body        string
	contentType string
	putErr      error
}

func (f *fakeClient) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket, f.object, f.body, f.contentType = bucket, object, string(data), opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func (f *fakeClient) PresignedGetObject(_ context.Context, bucket, object string, _ time.Duration, _ url.Values) (*url.URL, error) {
	return url.Parse("https://minio.local/" + bucket + "/" + object + "?X-Amz-Signature=abc")
}

const sampleKey = "43240312345678000190650010000012341123456780"

func newTestStore(client *fakeClient) *SnapshotStore {
	return &SnapshotStore{
		client: client,
		bucket: "snapshots",
		now:    func() time.Time { return time.Date(2024, 3, 10, 14, 32, 10, 0, time.UTC) },
	}
}

func TestObjectName(t *testing.T) {
	at := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "owner-1/2024/03/"+sampleKey+".html", ObjectName("owner-1", sampleKey, at))
	assert.Equal(t, "anonymous/2024/03/"+sampleKey+".html", ObjectName("", sampleKey, at))
}

func TestSnapshotStore_Archive(t *testing.T) {
	client := &fakeClient{}
	store := newTestStore(client)

	path, err := store.Archive(context.Background(), "owner-1", sampleKey, "<html>nota</html>")
	require.NoError(t, err)
	assert.Equal(t, "snapshots/owner-1/2024/03/"+sampleKey+".html", path)
	assert.Equal(t, "snapshots", client.bucket)
	assert.Equal(t, "<html>nota</html>", client.body)
	assert.Equal(t, "text/html; charset=utf-8", client.contentType)
}

func TestSnapshotStore_ArchiveError(t *testing.T) {
	store := newTestStore(&fakeClient{putErr: errors.New("access denied")})
	_, err := store.Archive(context.Background(), "owner-1", sampleKey, "<html/>")
	assert.ErrorContains(t, err, "access denied")
}

func TestSnapshotStore_PresignedURL(t *testing.T) {
	client := &fakeClient{}
	store := newTestStore(client)
	path := "snapshots/owner-1/2024/03/" + sampleKey + ".html"

	link, err := store.PresignedURL(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://minio.local/snapshots/owner-1/2024/03/"+sampleKey+".html?X-Amz-Signature=abc", link)
}

func TestOwnedBy(t *testing.T) {
	owned := "snapshots/owner-1/2024/03/" + sampleKey + ".html"
	anonymous := "snapshots/anonymous/2024/03/" + sampleKey + ".html"

	assert.True(t, OwnedBy(owned, "owner-1"))
	assert.False(t, OwnedBy(owned, "owner-2"))
	assert.False(t, OwnedBy(owned, ""))
	assert.True(t, OwnedBy(anonymous, ""))
	assert.False(t, OwnedBy(anonymous, "owner-1"))
	assert.False(t, OwnedBy("owner-1", "owner-1"))
	assert.False(t, OwnedBy("", "owner-1"))
}

func TestNewSnapshotStoreFromEnv_NotConfigured(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "")
	_, err := NewSnapshotStoreFromEnv(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

package minio

import (
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/btscan/blobstore"
)

// Requires a MinIO server on localhost:9000; skipped otherwise.
func TestStore_Integration(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("minio client: %v", err)
	}
	ctx := t.Context()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("minio not available: %v", err)
	}

	const bucket = "btscan-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "it/")
	require.NoError(t, store.Put(ctx, "pages-1.dat", []byte("checkpoint frames")))
	t.Cleanup(func() { _ = store.Delete(ctx, "pages-1.dat") })

	b, err := store.Open(ctx, "pages-1.dat")
	require.NoError(t, err)
	assert.Equal(t, int64(17), b.Size())

	buf := make([]byte, 8)
	n, err := b.ReadAt(ctx, buf, 11)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "frames", string(buf[:n]))

	names, err := store.List(ctx, "pages-")
	require.NoError(t, err)
	assert.Contains(t, names, "pages-1.dat")

	require.NoError(t, store.Delete(ctx, "pages-1.dat"))
	_, err = store.Open(ctx, "pages-1.dat")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

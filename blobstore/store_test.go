package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/btscan/internal/fs"
)

func exerciseStore(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := t.Context()

	_, err := s.Open(ctx, "pages-1.dat")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "pages-2.dat", []byte("second")))
	require.NoError(t, s.Put(ctx, "pages-1.dat", []byte("first generation")))
	require.NoError(t, s.Put(ctx, "other", []byte("x")))

	names, err := s.List(ctx, "pages-")
	require.NoError(t, err)
	assert.Equal(t, []string{"pages-1.dat", "pages-2.dat"}, names)

	b, err := s.Open(ctx, "pages-1.dat")
	require.NoError(t, err)
	assert.Equal(t, int64(16), b.Size())

	buf := make([]byte, 10)
	n, err := b.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "generation", string(buf[:n]))

	n, err = b.ReadAt(ctx, buf, 12)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)
	require.NoError(t, b.Close())

	require.NoError(t, s.Delete(ctx, "pages-1.dat"))
	require.NoError(t, s.Delete(ctx, "pages-1.dat"))
	_, err = s.Open(ctx, "pages-1.dat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	exerciseStore(t, NewLocalStore(t.TempDir()))
}

func TestMemoryStoreCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	s := NewMemoryStore()
	assert.ErrorIs(t, s.Put(ctx, "a", nil), context.Canceled)
	_, err := s.Open(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStoreFailedWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.Set(fs.Fault{FailAfterBytes: 3})
	s := NewLocalStore(dir, WithFileSystem(ffs))

	err := s.Put(t.Context(), "pages-1.dat", []byte("too long"))
	assert.ErrorIs(t, err, fs.ErrInjected)

	names, err := s.List(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, names)

	ffs.Set(fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	assert.ErrorIs(t, s.Put(t.Context(), "pages-1.dat", []byte("x")), fs.ErrInjected)
	names, err = s.List(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

package undo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/btscan/internal/compress"
	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/resource"
	"github.com/hupe1980/btscan/model"
)

func leaf(t *testing.T, csn model.CSN, hikey string, keys ...string) *page.Image {
	t.Helper()
	b := page.NewBuilder(0).SetCSN(csn)
	if hikey == "" {
		b.SetFlags(page.FlagRightmost)
	} else {
		b.SetHiKey([]byte(hikey))
	}
	for _, k := range keys {
		b.AddLeaf(page.LeafItem{Key: []byte(k), Value: []byte("v"), CSN: csn})
	}
	var img page.Image
	require.NoError(t, b.Build(&img))
	return &img
}

func TestPageRecord(t *testing.T) {
	for _, codec := range []compress.Type{compress.None, compress.LZ4, compress.ZSTD} {
		t.Run(codec.String(), func(t *testing.T) {
			l := New(WithCompression(codec))
			img := leaf(t, 5, "m", "a", "b", "c")

			loc, err := l.AppendPage(PageVersion{High: []byte("m"), Image: img})
			require.NoError(t, err)
			assert.Equal(t, Location(1), loc)
			assert.True(t, l.Exists(loc))

			var dst page.Image
			low, err := l.PageImage(t.Context(), loc, nil, &dst)
			require.NoError(t, err)
			assert.Nil(t, low)
			assert.Equal(t, *img, dst)
		})
	}
}

func TestPageRecordSelectsVersionByKey(t *testing.T) {
	l := New()
	left := leaf(t, 3, "g", "a", "c")
	right := leaf(t, 4, "", "g", "k")

	loc, err := l.AppendPage(
		PageVersion{High: []byte("g"), Image: left},
		PageVersion{Low: []byte("g"), Image: right},
	)
	require.NoError(t, err)

	var dst page.Image
	low, err := l.PageImage(t.Context(), loc, nil, &dst)
	require.NoError(t, err)
	assert.Nil(t, low)
	assert.Equal(t, model.CSN(3), dst.CSN())

	low, err = l.PageImage(t.Context(), loc, []byte("g"), &dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("g"), low)
	assert.Equal(t, model.CSN(4), dst.CSN())
	assert.True(t, dst.IsRightmost())

	low, err = l.PageImage(t.Context(), loc, []byte("f"), &dst)
	require.NoError(t, err)
	assert.Nil(t, low)
	assert.Equal(t, model.CSN(3), dst.CSN())
}

func TestPageRecordNoCoveringVersion(t *testing.T) {
	l := New()
	loc, err := l.AppendPage(PageVersion{Low: []byte("c"), High: []byte("f"), Image: leaf(t, 2, "f")})
	require.NoError(t, err)

	var dst page.Image
	_, err = l.PageImage(t.Context(), loc, []byte("a"), &dst)
	assert.ErrorIs(t, err, ErrNoVersion)
}

func TestTupleRecord(t *testing.T) {
	l := New()
	prev, err := l.AppendTuple(TupleVersion{Absent: true})
	require.NoError(t, err)
	loc, err := l.AppendTuple(TupleVersion{Value: []byte("old"), XID: 4, CSN: 9, Prev: prev})
	require.NoError(t, err)

	v, err := l.Tuple(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v.Value)
	assert.Equal(t, model.CSN(9), v.CSN)
	assert.Equal(t, prev, v.Prev)

	var dst page.Image
	_, err = l.PageImage(t.Context(), loc, nil, &dst)
	assert.ErrorIs(t, err, ErrKind)
}

func TestReclaim(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	l := New(WithResourceController(rc))

	a, err := l.AppendPage(PageVersion{Image: leaf(t, 2, "", "a")})
	require.NoError(t, err)
	b, err := l.AppendTuple(TupleVersion{Value: []byte("x")})
	require.NoError(t, err)
	assert.Positive(t, rc.MemoryUsage())
	assert.Equal(t, l.Size(), rc.MemoryUsage())

	assert.Equal(t, 1, l.Reclaim(b))
	assert.False(t, l.Exists(a))
	assert.True(t, l.Exists(b))

	var dst page.Image
	_, err = l.PageImage(t.Context(), a, nil, &dst)
	assert.ErrorIs(t, err, ErrReclaimed)

	assert.Equal(t, 1, l.Reclaim(l.Head()))
	assert.False(t, l.Exists(b))
	assert.Zero(t, rc.MemoryUsage())
	assert.Zero(t, l.Reclaim(l.Head()))
	assert.False(t, l.Exists(page.InvalidUndo))
}

func TestMemoryLimit(t *testing.T) {
	l := New(WithResourceController(resource.NewController(resource.Config{MemoryLimitBytes: 16})))
	_, err := l.AppendTuple(TupleVersion{Value: make([]byte, 64)})
	assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
}

package vtree

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/btscan/internal/checkpoint"
	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/pagestore"
	"github.com/hupe1980/btscan/internal/undo"
	"github.com/hupe1980/btscan/model"
)

func key(i int) []byte { return fmt.Appendf(nil, "k%04d", i) }

func val(i int, rev string) []byte { return fmt.Appendf(nil, "v%04d-%s", i, rev) }

func newTree(t *testing.T, optFns ...Option) *Tree {
	t.Helper()
	tr, err := New(pagestore.New(), undo.New(), checkpoint.NewTracker(), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func putRange(t *testing.T, tr *Tree, from, to int, rev string) {
	t.Helper()
	for i := from; i < to; i++ {
		_, err := tr.Put(t.Context(), key(i), val(i, rev))
		require.NoError(t, err)
	}
}

func collect(t *testing.T, tr *Tree, snapshot model.CSN) []string {
	t.Helper()
	it, err := tr.OpenIterator(t.Context(), nil, snapshot, model.InvalidXID)
	require.NoError(t, err)
	defer it.Close()
	var out []string
	for {
		item, ok, err := it.Next(t.Context(), nil)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, string(item.Tuple.Key)+"="+string(item.Tuple.Value))
	}
}

func TestPutGetVisibility(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t)
	assert.Equal(t, model.CSNFrozen, tr.CSN())

	c1, err := tr.Put(ctx, key(1), val(1, "a"))
	require.NoError(t, err)
	assert.Equal(t, model.CSNFirstNormal, c1)
	c2, err := tr.Put(ctx, key(1), val(1, "b"))
	require.NoError(t, err)
	assert.Equal(t, c1+1, c2)

	v, ok, err := tr.Get(ctx, key(1), c1, model.InvalidXID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val(1, "a"), v)

	v, ok, err = tr.Get(ctx, key(1), model.CSNInProgress, model.InvalidXID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val(1, "b"), v)

	_, ok, err = tr.Get(ctx, key(1), model.CSNFrozen, model.InvalidXID)
	require.NoError(t, err)
	assert.False(t, ok)

	c3, err := tr.Delete(ctx, key(1))
	require.NoError(t, err)
	_, ok, err = tr.Get(ctx, key(1), c3, model.InvalidXID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again changes nothing.
	c4, err := tr.Delete(ctx, key(1))
	require.NoError(t, err)
	assert.Equal(t, c3, c4)

	_, err = tr.Put(ctx, nil, []byte("x"))
	require.ErrorIs(t, err, ErrTupleTooLarge)
	_, err = tr.Put(ctx, key(2), make([]byte, page.Size))
	require.ErrorIs(t, err, ErrTupleTooLarge)
}

func TestSplitsGrowTree(t *testing.T) {
	tr := newTree(t, WithMaxLeafItems(4), WithMaxInternalItems(4))
	putRange(t, tr, 0, 100, "a")

	h, err := tr.Height()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h, 3)

	var img page.Image
	loc, err := tr.Locate(t.Context(), key(50), 1, &img)
	require.NoError(t, err)
	assert.Equal(t, 1, img.Level())
	assert.True(t, page.SearchInternal(&img, key(50)) == loc.Index)

	loc, err = tr.Locate(t.Context(), key(50), 0, &img)
	require.NoError(t, err)
	require.True(t, img.IsLeaf())
	assert.LessOrEqual(t, img.Count(), 4)
	assert.True(t, loc.Hint.Valid())
	i := page.SearchLeaf(&img, key(50))
	require.True(t, img.Valid(i))
	assert.Equal(t, key(50), img.Key(i))

	got := collect(t, tr, tr.CSN())
	require.Len(t, got, 100)
	for i, kv := range got {
		assert.Equal(t, string(key(i))+"="+string(val(i, "a")), kv)
	}
}

func TestLoadUsesOneCSN(t *testing.T) {
	tr := newTree(t, WithMaxLeafItems(8))
	tuples := make([]model.Tuple, 50)
	for i := range tuples {
		tuples[i] = model.Tuple{Key: key(i), Value: val(i, "a")}
	}
	c, err := tr.Load(t.Context(), tuples)
	require.NoError(t, err)
	assert.Equal(t, model.CSNFirstNormal, c)
	assert.Equal(t, c, tr.CSN())
	assert.Empty(t, collect(t, tr, c-1))
	assert.Len(t, collect(t, tr, c), 50)
}

func TestResolveWalksTupleUndo(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t)
	c1, err := tr.Put(ctx, key(1), val(1, "a"))
	require.NoError(t, err)
	c2, err := tr.Put(ctx, key(1), val(1, "b"))
	require.NoError(t, err)

	var img page.Image
	_, err = tr.Locate(ctx, key(1), 0, &img)
	require.NoError(t, err)
	assert.Equal(t, c2, img.CSN())
	i := page.SearchLeaf(&img, key(1))

	tu, csn, ok, err := tr.Resolve(&img, i, c1, model.InvalidXID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1, csn)
	assert.Equal(t, val(1, "a"), tu.Value)

	tu, csn, ok, err = tr.Resolve(&img, i, model.CSNInProgress, model.InvalidXID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c2, csn)
	assert.Equal(t, val(1, "b"), tu.Value)

	_, _, ok, err = tr.Resolve(&img, i, model.CSNFrozen, model.InvalidXID)
	require.NoError(t, err)
	assert.False(t, ok)

	var hist page.Image
	low, err := tr.PageImage(ctx, img.Undo(), nil, &hist)
	require.NoError(t, err)
	assert.Nil(t, low)
	assert.Equal(t, c1, hist.CSN())
	assert.Equal(t, val(1, "a"), hist.Leaf(0).Value)

	assert.Positive(t, tr.TrimUndo())
	assert.False(t, tr.Exists(img.Undo()))
	_, _, _, err = tr.Resolve(&img, i, c1, model.InvalidXID)
	require.ErrorIs(t, err, undo.ErrReclaimed)
}

func TestTransactions(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t, WithMaxLeafItems(4))
	base, err := tr.Put(ctx, key(1), val(1, "base"))
	require.NoError(t, err)

	tx := tr.BeginTx()
	assert.Equal(t, base, tx.Snapshot())
	require.NoError(t, tx.Put(ctx, key(1), val(1, "tx")))
	require.NoError(t, tx.Put(ctx, key(1), val(1, "tx2")))
	require.NoError(t, tx.Put(ctx, key(2), val(2, "tx")))

	v, ok, err := tr.Get(ctx, key(1), model.CSNInProgress, model.InvalidXID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val(1, "base"), v)

	v, ok, err = tr.Get(ctx, key(1), tx.Snapshot(), tx.XID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val(1, "tx2"), v)

	other := tr.BeginTx()
	require.ErrorIs(t, other.Put(ctx, key(1), val(1, "other")), ErrWriteConflict)
	_, err = tr.Put(ctx, key(2), val(2, "auto"))
	require.ErrorIs(t, err, ErrWriteConflict)
	require.NoError(t, other.Rollback(ctx))

	c, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, base+1, c)
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrTxDone)

	assert.Equal(t, []string{
		string(key(1)) + "=" + string(val(1, "tx2")),
		string(key(2)) + "=" + string(val(2, "tx")),
	}, collect(t, tr, c))
	assert.Equal(t, []string{
		string(key(1)) + "=" + string(val(1, "base")),
	}, collect(t, tr, base))

	var img page.Image
	_, err = tr.Locate(ctx, key(1), 0, &img)
	require.NoError(t, err)
	it := img.Leaf(page.SearchLeaf(&img, key(1)))
	assert.Equal(t, c, it.CSN)
	assert.Equal(t, tx.XID(), it.XID)
}

func TestRollbackRestores(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t, WithMaxLeafItems(4))
	putRange(t, tr, 0, 3, "a")
	before := collect(t, tr, tr.CSN())

	tx := tr.BeginTx()
	require.NoError(t, tx.Put(ctx, key(0), val(0, "tx")))
	require.NoError(t, tx.Delete(ctx, key(1)))
	// Inserts enough to split the leaf.
	for i := 10; i < 16; i++ {
		require.NoError(t, tx.Put(ctx, key(i), val(i, "tx")))
	}
	require.NoError(t, tx.Rollback(ctx))
	require.ErrorIs(t, tx.Put(ctx, key(0), nil), ErrTxDone)

	assert.Equal(t, before, collect(t, tr, model.CSNInProgress))

	raw, err := tr.OpenIterator(ctx, nil, model.CSNInProgress, model.InvalidXID)
	require.NoError(t, err)
	defer raw.Close()
	n := 0
	for {
		item, ok, err := raw.NextRaw(ctx, nil)
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.False(t, item.Deleted)
		n++
	}
	assert.Equal(t, 3, n)
}

func TestIteratorEndBound(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t)
	putRange(t, tr, 0, 5, "a")
	_, err := tr.Delete(ctx, key(1))
	require.NoError(t, err)

	it, err := tr.OpenIterator(ctx, key(0), tr.CSN(), model.InvalidXID)
	require.NoError(t, err)
	defer it.Close()

	item, ok, err := it.Next(ctx, key(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(0), item.Tuple.Key)
	assert.False(t, item.Hint.Valid())

	item, ok, err = it.Next(ctx, key(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(2), item.Tuple.Key, "deleted key is skipped")

	_, ok, err = it.Next(ctx, key(3))
	require.NoError(t, err)
	assert.False(t, ok)

	raw, ok, err := it.NextRaw(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(3), raw.Tuple.Key, "a stop at end does not consume the key")

	rawIt, err := tr.OpenIterator(ctx, key(1), tr.CSN(), model.InvalidXID)
	require.NoError(t, err)
	defer rawIt.Close()
	raw, ok, err = rawIt.NextRaw(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key(1), raw.Tuple.Key)
	assert.True(t, raw.Deleted)
}

func TestVersionKeyEscaping(t *testing.T) {
	k := []byte{'a', 0x00, 0x01, 'b'}
	user, csn, err := decodeVersionKey(versionKey(k, 42))
	require.NoError(t, err)
	assert.Equal(t, k, user)
	assert.Equal(t, model.CSN(42), csn)

	_, _, err = decodeVersionKey([]byte("short"))
	require.ErrorIs(t, err, errBadVersionKey)

	// Newer and uncommitted versions sort first.
	assert.Negative(t, bytes.Compare(versionKey(k, model.CSNInProgress), versionKey(k, 42)))
	assert.Negative(t, bytes.Compare(versionKey(k, 43), versionKey(k, 42)))
	assert.Negative(t, bytes.Compare(versionKey([]byte("a"), 1), versionKey([]byte("a\x00"), 1)))
}

func TestCheckpointAndLoadBack(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t, WithMaxLeafItems(4))
	putRange(t, tr, 0, 20, "a")
	want := collect(t, tr, tr.CSN())

	gen, n, err := tr.Checkpoint(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gen)
	require.Positive(t, n)
	assert.Equal(t, n, tr.Store().LivePages(gen))

	var img page.Image
	loc, err := tr.Locate(ctx, key(0), 1, &img)
	require.NoError(t, err)
	_, onDisk := page.Classify(img.Downlink(loc.Index)).(page.OnDisk)
	assert.True(t, onDisk)

	_, err = tr.Put(ctx, key(0), val(0, "b"))
	require.NoError(t, err)
	assert.Equal(t, n-1, tr.Store().LivePages(gen))
	assert.Equal(t, int64(1), tr.Store().Stats().DiskReads)

	want[0] = string(key(0)) + "=" + string(val(0, "b"))
	assert.Equal(t, want, collect(t, tr, tr.CSN()))

	reclaimed, err := tr.Reclaim(ctx)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	gen, n, err = tr.Checkpoint(ctx, func([]byte) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, uint32(2), gen)
	assert.Zero(t, n)
}

func TestMergeLeaves(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t, WithMaxLeafItems(4))
	putRange(t, tr, 0, 8, "a")
	want := collect(t, tr, tr.CSN())
	before := tr.CSN()

	// Sequential inserts leave [0,1] [2,3] [4..7].
	require.NoError(t, tr.MergeLeaves(ctx, key(0)))
	assert.Equal(t, before+1, tr.CSN())

	var img page.Image
	_, err := tr.Locate(ctx, key(0), 0, &img)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Count())
	assert.Equal(t, key(4), img.HiKey())
	assert.Equal(t, tr.CSN(), img.CSN())

	var hist page.Image
	low, err := tr.PageImage(ctx, img.Undo(), key(3), &hist)
	require.NoError(t, err)
	assert.Equal(t, key(2), low)
	assert.Equal(t, key(2), hist.Key(0))
	low, err = tr.PageImage(ctx, img.Undo(), nil, &hist)
	require.NoError(t, err)
	assert.Nil(t, low)
	assert.Equal(t, key(0), hist.Key(0))

	require.ErrorIs(t, tr.MergeLeaves(ctx, key(0)), ErrMergeOverflow)
	require.ErrorIs(t, tr.MergeLeaves(ctx, key(7)), ErrNoSibling)
	assert.Equal(t, want, collect(t, tr, tr.CSN()))
}

func TestMergeInternal(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t, WithMaxLeafItems(4), WithMaxInternalItems(4))
	putRange(t, tr, 0, 60, "a")
	h, err := tr.Height()
	require.NoError(t, err)
	require.GreaterOrEqual(t, h, 3)
	want := collect(t, tr, tr.CSN())

	var img page.Image
	_, err = tr.Locate(ctx, key(0), 1, &img)
	require.NoError(t, err)
	count := img.Count()
	hikey := string(img.HiKey())

	require.NoError(t, tr.MergeInternal(ctx, key(0)))

	_, err = tr.Locate(ctx, key(0), 1, &img)
	require.NoError(t, err)
	assert.Greater(t, img.Count(), count)
	assert.Equal(t, hikey, string(img.Key(count)))
	assert.Equal(t, want, collect(t, tr, tr.CSN()))

	// Every key still reachable by descent.
	for i := range 60 {
		_, err := tr.Locate(ctx, key(i), 0, &img)
		require.NoError(t, err)
		assert.True(t, img.Valid(page.SearchLeaf(&img, key(i))))
	}

	single := newTree(t)
	require.ErrorIs(t, single.MergeInternal(ctx, key(0)), ErrNoSibling)
}

func TestBeginWriteBlocksWriters(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t, WithMaxLeafItems(4))
	putRange(t, tr, 0, 8, "a")

	done, err := tr.BeginWrite(ctx, key(0))
	require.NoError(t, err)

	var img page.Image
	loc, err := tr.Locate(ctx, key(0), 1, &img)
	require.NoError(t, err)
	p, ok := page.Classify(img.Downlink(loc.Index)).(page.Pending)
	require.True(t, ok)

	result := make(chan error, 1)
	go func() {
		_, err := tr.Put(ctx, key(0), val(0, "b"))
		result <- err
	}()
	select {
	case err := <-result:
		t.Fatalf("write finished while leaf pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	done()
	done()
	require.NoError(t, tr.WaitIO(ctx, p))
	require.NoError(t, <-result)

	_, err = tr.Locate(ctx, key(0), 1, &img)
	require.NoError(t, err)
	_, ok = page.Classify(img.Downlink(loc.Index)).(page.Resident)
	assert.True(t, ok)

	v, ok, err := tr.Get(ctx, key(0), tr.CSN(), model.InvalidXID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val(0, "b"), v)

	single := newTree(t)
	_, err = single.BeginWrite(ctx, key(0))
	require.ErrorIs(t, err, ErrRootLeaf)
}

func TestPruneVersions(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t)

	c1, err := tr.Put(ctx, key(1), val(1, "a"))
	require.NoError(t, err)
	_, err = tr.Put(ctx, key(1), val(1, "b"))
	require.NoError(t, err)
	_, err = tr.Put(ctx, key(2), val(2, "a"))
	require.NoError(t, err)
	_, err = tr.Delete(ctx, key(2))
	require.NoError(t, err)
	_, err = tr.Put(ctx, key(3), val(3, "a"))
	require.NoError(t, err)
	horizon, err := tr.Delete(ctx, key(3))
	require.NoError(t, err)
	_, err = tr.Put(ctx, key(3), val(3, "c"))
	require.NoError(t, err)

	// k1 loses a, k2 its put below the kept deletion, k3 both versions
	// below the newer put.
	n, err := tr.PruneVersions(ctx, horizon)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	v, ok, err := tr.Get(ctx, key(1), horizon, model.InvalidXID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, val(1, "b"), v)
	for _, k := range [][]byte{key(2), key(3)} {
		_, ok, err = tr.Get(ctx, k, horizon, model.InvalidXID)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, []string{
		string(key(1)) + "=" + string(val(1, "b")),
		string(key(3)) + "=" + string(val(3, "c")),
	}, collect(t, tr, tr.CSN()))

	_, _, err = tr.Get(ctx, key(1), c1, model.InvalidXID)
	require.ErrorIs(t, err, ErrSnapshotTooOld)
	_, err = tr.OpenIterator(ctx, nil, horizon-1, model.InvalidXID)
	require.ErrorIs(t, err, ErrSnapshotTooOld)

	n, err = tr.PruneVersions(ctx, horizon)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruneVersionsKeepsOpenTransactions(t *testing.T) {
	ctx := t.Context()
	tr := newTree(t)

	_, err := tr.Put(ctx, key(1), val(1, "a"))
	require.NoError(t, err)
	tx := tr.BeginTx()
	_, err = tr.Put(ctx, key(1), val(1, "b"))
	require.NoError(t, err)

	n, err := tr.PruneVersions(ctx, model.CSNInProgress)
	require.NoError(t, err)
	assert.Zero(t, n)
	v, ok, err := tr.Get(ctx, key(1), tx.Snapshot(), tx.XID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, val(1, "a"), v)

	require.NoError(t, tx.Rollback(ctx))
	n, err = tr.PruneVersions(ctx, model.CSNInProgress)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, _, err = tr.Get(ctx, key(1), tx.Snapshot(), model.InvalidXID)
	require.ErrorIs(t, err, ErrSnapshotTooOld)
}

func TestClosed(t *testing.T) {
	tr := newTree(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err := tr.Put(t.Context(), key(0), val(0, "a"))
	require.ErrorIs(t, err, ErrClosed)
	var img page.Image
	_, err = tr.Locate(t.Context(), key(0), 1, &img)
	require.ErrorIs(t, err, ErrClosed)
	_, err = tr.PruneVersions(t.Context(), model.CSNInProgress)
	require.ErrorIs(t, err, ErrClosed)
}

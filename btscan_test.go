package btscan

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/btscan/blobstore"
	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/scan"
	"github.com/hupe1980/btscan/internal/undo"
	"github.com/hupe1980/btscan/sampling"
	"github.com/hupe1980/btscan/testutil"
)

func openDB(t *testing.T, optFns ...Option) *DB {
	t.Helper()
	db, err := Open(t.Context(), append([]Option{WithFanOut(4, 4)}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func load(t *testing.T, db *DB, h *testutil.History, n int, rev string) {
	t.Helper()
	for i := range n {
		k := testutil.Key(i)
		v := []byte(rev)
		csn, err := db.Put(t.Context(), k, v)
		require.NoError(t, err)
		h.Put(csn, k, v)
	}
}

func collect(t *testing.T, sc *Scan) []Tuple {
	t.Helper()
	defer sc.Close()
	var items []Item
	for {
		item, ok, err := sc.Next(t.Context())
		require.NoError(t, err)
		if !ok {
			return testutil.Tuples(items)
		}
		items = append(items, item)
	}
}

func scanAt(t *testing.T, db *DB, snapshot CSN, optFns ...ScanOption) []Tuple {
	t.Helper()
	sc, err := db.NewScan(t.Context(), snapshot, optFns...)
	require.NoError(t, err)
	return collect(t, sc)
}

func TestScanSnapshots(t *testing.T) {
	db := openDB(t)
	var h testutil.History

	load(t, db, &h, 60, "a")
	s1 := db.Snapshot()
	for i := 0; i < 60; i += 3 {
		csn, err := db.Put(t.Context(), testutil.Key(i), []byte("b"))
		require.NoError(t, err)
		h.Put(csn, testutil.Key(i), []byte("b"))
	}
	for i := 1; i < 60; i += 7 {
		csn, err := db.Delete(t.Context(), testutil.Key(i))
		require.NoError(t, err)
		h.Delete(csn, testutil.Key(i))
	}
	s2 := db.Snapshot()

	assert.Equal(t, h.At(s1), scanAt(t, db, s1))
	assert.Equal(t, h.At(s2), scanAt(t, db, s2))
	assert.Equal(t, h.At(s2), scanAt(t, db, CSNLatest))
	assert.Empty(t, scanAt(t, db, CSNFrozen))
	assert.Zero(t, db.LiveScans())
}

func TestScanAcrossCheckpoint(t *testing.T) {
	db := openDB(t, WithBlobStore(blobstore.NewLocalStore(t.TempDir())), WithCompression(CompressionLZ4))
	var h testutil.History

	load(t, db, &h, 80, "a")
	s1 := db.Snapshot()
	require.NoError(t, db.Checkpoint(t.Context()))
	assert.Equal(t, uint32(1), db.Generation())

	for i := 0; i < 80; i += 2 {
		csn, err := db.Put(t.Context(), testutil.Key(i), []byte("b"))
		require.NoError(t, err)
		h.Put(csn, testutil.Key(i), []byte("b"))
	}
	require.NoError(t, db.Checkpoint(t.Context()))

	assert.Equal(t, h.At(s1), scanAt(t, db, s1))
	assert.Equal(t, h.At(db.Snapshot()), scanAt(t, db, db.Snapshot()))
	st := db.Stats()
	assert.Positive(t, st.DiskReads)
	assert.Positive(t, st.IOBytes)
	assert.Zero(t, st.LiveScans)
}

func TestGet(t *testing.T) {
	db := openDB(t)
	ctx := t.Context()

	_, err := db.Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	s1 := db.Snapshot()
	_, err = db.Put(ctx, []byte("a"), []byte("2"))
	require.NoError(t, err)

	v, ok, err := db.Get(ctx, []byte("a"), s1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	v, ok, err = db.Get(ctx, []byte("a"), db.Snapshot())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	_, ok, err = db.Get(ctx, []byte("b"), db.Snapshot())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointPrunesVersions(t *testing.T) {
	db := openDB(t)
	ctx := t.Context()

	s1, err := db.Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	s2, err := db.Put(ctx, []byte("a"), []byte("2"))
	require.NoError(t, err)

	// An open scan holds its snapshot's versions.
	sc, err := db.NewScan(ctx, s1)
	require.NoError(t, err)
	require.NoError(t, db.Checkpoint(ctx))
	v, ok, err := db.Get(ctx, []byte("a"), s1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	require.NoError(t, sc.Close())

	require.NoError(t, db.Checkpoint(ctx))
	_, _, err = db.Get(ctx, []byte("a"), s1)
	require.ErrorIs(t, err, ErrSnapshotTooOld)
	v, ok, err = db.Get(ctx, []byte("a"), s2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

func TestTransactionScanSeesOwnWrites(t *testing.T) {
	db := openDB(t)
	ctx := t.Context()
	var h testutil.History
	load(t, db, &h, 20, "a")

	tx := db.Begin()
	require.NoError(t, tx.Put(ctx, testutil.Key(3), []byte("tx")))
	require.NoError(t, tx.Delete(ctx, testutil.Key(4)))
	require.NoError(t, tx.Put(ctx, []byte("z"), []byte("tx")))

	sc, err := tx.Scan(ctx)
	require.NoError(t, err)
	got := collect(t, sc)
	require.Len(t, got, 20)
	assert.Equal(t, Tuple{Key: testutil.Key(3), Value: []byte("tx")}, got[3])
	assert.Equal(t, testutil.Key(5), got[4].Key)
	assert.Equal(t, Tuple{Key: []byte("z"), Value: []byte("tx")}, got[19])

	assert.Equal(t, h.At(db.Snapshot()), scanAt(t, db, db.Snapshot()))

	_, err = db.Put(ctx, testutil.Key(3), []byte("other"))
	require.ErrorIs(t, err, ErrWriteConflict)

	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, h.At(db.Snapshot()), scanAt(t, db, db.Snapshot()))
	require.ErrorIs(t, tx.Put(ctx, []byte("y"), nil), ErrTxDone)
}

func TestTransactionCommit(t *testing.T) {
	db := openDB(t)
	ctx := t.Context()
	var h testutil.History
	load(t, db, &h, 10, "a")
	before := db.Snapshot()

	tx := db.Begin()
	require.NoError(t, tx.Put(ctx, testutil.Key(1), []byte("tx")))
	csn, err := tx.Commit(ctx)
	require.NoError(t, err)
	h.Put(csn, testutil.Key(1), []byte("tx"))

	assert.Equal(t, h.At(before), scanAt(t, db, before))
	assert.Equal(t, h.At(csn), scanAt(t, db, csn))
}

func TestParallelScan(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 200, "a")
	snap := db.Snapshot()
	require.NoError(t, db.Checkpoint(t.Context()))
	load(t, db, &h, 100, "b")

	for _, workers := range []int{1, 3, 8} {
		var mu sync.Mutex
		var got []Tuple
		seen := make(map[int]bool)
		err := db.ParallelScan(t.Context(), snap, workers, func(worker int, item Item) error {
			mu.Lock()
			defer mu.Unlock()
			seen[worker] = true
			got = append(got, item.Tuple)
			return nil
		})
		require.NoError(t, err)
		testutil.SortTuples(got)
		assert.Equal(t, h.At(snap), got, "workers=%d", workers)
		assert.LessOrEqual(t, len(seen), workers)
	}
	assert.Zero(t, db.LiveScans())
}

func TestParallelDescriptorServesOneScan(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 100, "a")
	older := db.Snapshot()
	load(t, db, &h, 10, "b")

	par := NewParallel(2)
	got := scanAt(t, db, older, WithParallel(par))
	assert.Equal(t, h.At(older), got)
	assert.Zero(t, par.Workers())

	_, err := db.NewScan(t.Context(), older, WithParallel(par))
	require.ErrorIs(t, err, ErrInvalidArgument)

	par = NewParallel(2)
	sc, err := db.NewScan(t.Context(), older, WithParallel(par))
	require.NoError(t, err)
	defer sc.Close()
	_, err = db.NewScan(t.Context(), db.Snapshot(), WithParallel(par))
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 1, par.Workers())
}

func TestParallelScanStopsOnError(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 50, "a")
	boom := errors.New("boom")

	err := db.ParallelScan(t.Context(), db.Snapshot(), 4, func(int, Item) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, db.LiveScans())

	require.ErrorIs(t, db.ParallelScan(t.Context(), db.Snapshot(), 0, nil), ErrInvalidArgument)
}

func TestSnapshotTooOld(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 30, "a")
	s1 := db.Snapshot()
	load(t, db, &h, 30, "b")
	assert.Positive(t, db.TrimUndo())

	sc, err := db.NewScan(t.Context(), s1)
	require.NoError(t, err)
	defer sc.Close()
	for {
		_, ok, err := sc.Next(t.Context())
		if err != nil {
			require.ErrorIs(t, err, ErrSnapshotTooOld)
			return
		}
		require.True(t, ok, "scan ended without error")
	}
}

func TestSampledScan(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 100, "a")

	all := scanAt(t, db, db.Snapshot())
	none := scanAt(t, db, db.Snapshot(), WithSampler(sampling.FromOrdinals()))
	some := scanAt(t, db, db.Snapshot(), WithSampler(sampling.FromOrdinals(0, 2)))

	assert.Len(t, all, 100)
	assert.Empty(t, none)
	assert.NotEmpty(t, some)
	assert.Less(t, len(some), len(all))
	assert.Equal(t, all[0], some[0])
}

func TestRangeCallbacks(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 100, "a")
	from, to := testutil.Key(40), testutil.Key(60)

	got := scanAt(t, db, db.Snapshot(), WithCallbacks(Callbacks{
		NextKey: func(key []byte) ([]byte, bool) {
			switch {
			case string(key) < string(from):
				return from, true
			case string(key) >= string(to):
				return nil, false
			}
			return key, true
		},
	}))

	require.Len(t, got, 20)
	assert.Equal(t, from, got[0].Key)
	assert.Equal(t, testutil.Key(59), got[19].Key)
}

func TestRawScan(t *testing.T) {
	db := openDB(t)
	ctx := t.Context()
	var h testutil.History
	load(t, db, &h, 10, "a")
	_, err := db.Delete(ctx, testutil.Key(2))
	require.NoError(t, err)

	sc, err := db.NewScan(ctx, db.Snapshot())
	require.NoError(t, err)
	defer sc.Close()
	var deleted []string
	n := 0
	for {
		item, ok, err := sc.NextRaw(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		n++
		if item.Deleted {
			deleted = append(deleted, string(item.Tuple.Key))
		}
	}
	assert.Equal(t, 10, n)
	assert.Equal(t, []string{string(testutil.Key(2))}, deleted)

	_, _, err = sc.Next(ctx)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSweepScans(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 40, "a")
	require.NoError(t, db.Checkpoint(t.Context()))
	gen := db.Generation()

	a, err := db.NewScan(t.Context(), db.Snapshot())
	require.NoError(t, err)
	b, err := db.NewScan(t.Context(), db.Snapshot(), WithParallel(NewParallel(2)))
	require.NoError(t, err)
	assert.Equal(t, 2, db.LiveScans())
	assert.Equal(t, 2, db.PinnedScans(gen))

	assert.Equal(t, 2, db.SweepScans())
	assert.Zero(t, db.LiveScans())
	_, _, err = a.Next(t.Context())
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestMetrics(t *testing.T) {
	m := &BasicMetricsCollector{}
	db := openDB(t, WithMetricsCollector(m))
	var h testutil.History
	load(t, db, &h, 25, "a")
	require.NoError(t, db.Checkpoint(t.Context()))
	scanAt(t, db, db.Snapshot())

	stats := m.GetStats()
	assert.Equal(t, int64(25), stats.WriteCount)
	assert.Equal(t, int64(1), stats.ScanCount)
	assert.Equal(t, int64(25), stats.ScanTuples)
	assert.Equal(t, int64(1), stats.CheckpointCount)
	assert.Positive(t, stats.CheckpointPages)
}

func TestClosedDB(t *testing.T) {
	db, err := Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Put(t.Context(), []byte("a"), nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.NewScan(t.Context(), db.Snapshot())
	require.ErrorIs(t, err, ErrClosed)
}

func TestTranslateError(t *testing.T) {
	addr := page.OnDisk{Address: 1<<40 | 8192}
	err := translateError(&scan.PageReadError{Addr: addr, Err: errors.New("crc")})
	require.ErrorIs(t, err, ErrPageRead)
	var pre *PageReadError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, addr.Address, pre.Address)

	require.ErrorIs(t, translateError(undo.ErrReclaimed), ErrSnapshotTooOld)
	require.ErrorIs(t, translateError(scan.ErrMixedModes), ErrInvalidArgument)
	require.NoError(t, translateError(nil))
}

func TestMemoryUsage(t *testing.T) {
	db := openDB(t)
	var h testutil.History
	load(t, db, &h, 20, "a")
	load(t, db, &h, 20, "b")

	used := db.MemoryUsage()
	assert.Positive(t, used)
	assert.Equal(t, used, db.Stats().MemoryBytes)
	assert.Zero(t, db.Stats().MemoryLimit)
	db.TrimUndo()
	assert.Less(t, db.MemoryUsage(), used)

	limited := openDB(t, WithMemoryLimit(1<<30))
	assert.Equal(t, int64(1<<30), limited.Stats().MemoryLimit)
}

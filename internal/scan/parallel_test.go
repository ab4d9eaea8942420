package scan

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/vtree"
	"github.com/hupe1980/btscan/model"
)

// runParallel scans tree with workers sharing one walk and returns the
// merged output and the summed stats.
func runParallel(t *testing.T, tree Tree, reg *Registry, snapshot model.CSN, workers int) ([]string, Stats, int) {
	t.Helper()
	shared := NewShared(workers)
	scans := make([]*Scan, workers)
	for i := range scans {
		sc, err := New(tree, reg, snapshot, WithParallel(shared))
		require.NoError(t, err)
		scans[i] = sc
	}

	var (
		mu     sync.Mutex
		out    []string
		total  Stats
		leader int
	)
	g, ctx := errgroup.WithContext(t.Context())
	for _, sc := range scans {
		g.Go(func() error {
			defer sc.Close()
			got, err := drain(ctx, sc)
			mu.Lock()
			defer mu.Unlock()
			out = append(out, got...)
			total.Add(sc.Stats())
			if sc.Leader() {
				leader++
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, shared.Workers())
	return out, total, leader
}

func TestParallelPartitionsDownlinks(t *testing.T) {
	ctx := t.Context()
	tr, reg := newTree(t, vtree.WithMaxLeafItems(4), vtree.WithMaxInternalItems(4))
	putRange(t, tr, 0, 400, "a")
	snap := tr.CSN()
	putRange(t, tr, 100, 150, "b")
	_, _, err := tr.Checkpoint(ctx, func(low []byte) bool {
		return low != nil && bytes.Compare(low, key(300)) >= 0
	})
	require.NoError(t, err)

	want := lookups(t, tr, snap, 400)
	for _, workers := range []int{1, 2, 4, 8} {
		got, st, leaders := runParallel(t, tr, reg, snap, workers)
		assert.Equal(t, want, sorted(got), "workers %d", workers)
		assert.Len(t, got, len(want), "workers %d", workers)
		assert.Equal(t, 1, leaders)
		assert.Positive(t, st.SlotRotations)
		assert.Positive(t, st.DiskPages)
		assert.Positive(t, st.HistoricalPages)
		assert.Zero(t, st.FallbackIterators)
	}
	assert.Zero(t, reg.Live())
}

func TestParallelSingleLeaf(t *testing.T) {
	tr, reg := newTree(t)
	putRange(t, tr, 0, 10, "a")

	got, st, _ := runParallel(t, tr, reg, tr.CSN(), 3)
	assert.Equal(t, lookups(t, tr, tr.CSN(), 10), sorted(got))
	assert.Equal(t, 1, st.LeafPages)
	assert.Zero(t, st.DiskPages)
}

func TestParallelBoundaryMismatch(t *testing.T) {
	ctx := t.Context()
	tr, reg := newTree(t, vtree.WithMaxLeafItems(4), vtree.WithMaxInternalItems(4))
	putRange(t, tr, 0, 60, "a")
	snap := tr.CSN()
	want := lookups(t, tr, snap, 60)

	var first page.Image
	_, err := tr.Locate(ctx, nil, 1, &first)
	require.NoError(t, err)
	lastLow := bytes.Clone(first.Key(first.Count() - 1))

	// The merges land between loading the current page and reading the
	// next one ahead, so the read-ahead page starts inside a leaf.
	h := &hookedTree{Tree: tr}
	h.onLocate = func(n int) {
		if n != 1 {
			return
		}
		require.NoError(t, tr.MergeInternal(ctx, key(0)))
		require.NoError(t, tr.MergeLeaves(ctx, lastLow))
	}

	got, st, _ := runParallel(t, h, reg, snap, 1)
	assert.Equal(t, want, sorted(got))
	assert.Len(t, got, len(want))
	assert.Equal(t, 2, st.FallbackIterators)
}

func TestParallelWorkerLimit(t *testing.T) {
	tr, reg := newTree(t)
	shared := NewShared(1)
	sc, err := New(tr, reg, tr.CSN(), WithParallel(shared))
	require.NoError(t, err)
	assert.True(t, sc.Leader())
	assert.Zero(t, sc.Worker())

	_, err = New(tr, reg, tr.CSN(), WithParallel(shared))
	require.ErrorIs(t, err, ErrTooManyWorkers)
	assert.Equal(t, 1, reg.Live())

	_, err = New(tr, reg, tr.CSN(), WithParallel(NewShared(2)), WithSampler(&ordinals{0}))
	require.ErrorIs(t, err, ErrInvalidOption)

	require.NoError(t, sc.Close())
	assert.Zero(t, shared.Workers())
}

func TestParallelRejectsFinishedWalk(t *testing.T) {
	ctx := t.Context()
	tr, reg := newTree(t, vtree.WithMaxLeafItems(4), vtree.WithMaxInternalItems(4))
	putRange(t, tr, 0, 100, "a")
	snap := tr.CSN()

	shared := NewShared(2)
	sc, err := New(tr, reg, snap, WithParallel(shared))
	require.NoError(t, err)
	got, err := drain(ctx, sc)
	require.NoError(t, err)
	assert.Len(t, got, 100)
	require.NoError(t, sc.Close())

	_, err = New(tr, reg, snap, WithParallel(shared))
	require.ErrorIs(t, err, ErrInvalidOption)
	assert.Zero(t, reg.Live())
	assert.Zero(t, shared.Workers())
}

func TestParallelRejectsJoinWhileOthersFinish(t *testing.T) {
	ctx := t.Context()
	tr, reg := newTree(t, vtree.WithMaxLeafItems(4), vtree.WithMaxInternalItems(4))
	putRange(t, tr, 0, 100, "a")
	snap := tr.CSN()

	shared := NewShared(3)
	first, err := New(tr, reg, snap, WithParallel(shared))
	require.NoError(t, err)
	idle, err := New(tr, reg, snap, WithParallel(shared))
	require.NoError(t, err)

	got, err := drain(ctx, first)
	require.NoError(t, err)
	assert.Len(t, got, 100)

	_, err = New(tr, reg, snap, WithParallel(shared))
	require.ErrorIs(t, err, ErrInvalidOption)

	rest, err := drain(ctx, idle)
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.NoError(t, first.Close())
	require.NoError(t, idle.Close())
}

func TestParallelRejectsJoinAfterWorkersLeft(t *testing.T) {
	ctx := t.Context()
	tr, reg := newTree(t, vtree.WithMaxLeafItems(4), vtree.WithMaxInternalItems(4))
	putRange(t, tr, 0, 100, "a")
	snap := tr.CSN()

	shared := NewShared(2)
	sc, err := New(tr, reg, snap, WithParallel(shared))
	require.NoError(t, err)
	_, ok, err := sc.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, sc.Close())

	_, err = New(tr, reg, snap, WithParallel(shared))
	require.ErrorIs(t, err, ErrInvalidOption)
	assert.Zero(t, reg.Live())
}

func TestParallelRejectsMixedSnapshots(t *testing.T) {
	tr, reg := newTree(t, vtree.WithMaxLeafItems(4), vtree.WithMaxInternalItems(4))
	putRange(t, tr, 0, 40, "a")
	older := tr.CSN()
	putRange(t, tr, 0, 40, "b")
	newer := tr.CSN()

	shared := NewShared(3)
	leader, err := New(tr, reg, older, WithParallel(shared))
	require.NoError(t, err)
	assert.True(t, leader.Leader())

	_, err = New(tr, reg, newer, WithParallel(shared))
	require.ErrorIs(t, err, ErrInvalidOption)
	_, err = New(tr, reg, older, WithParallel(shared), WithTransaction(7))
	require.ErrorIs(t, err, ErrInvalidOption)
	assert.Equal(t, 1, shared.Workers())

	// Nothing was read yet, so the descriptor can be bound again.
	require.NoError(t, leader.Close())
	sc, err := New(tr, reg, newer, WithParallel(shared))
	require.NoError(t, err)
	assert.True(t, sc.Leader())
	assert.Equal(t, newer, sc.Snapshot())
	require.NoError(t, sc.Close())
}

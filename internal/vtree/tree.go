package vtree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/btscan/internal/checkpoint"
	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/pagestore"
	"github.com/hupe1980/btscan/internal/undo"
	"github.com/hupe1980/btscan/model"
)

const (
	// DefaultMaxLeafItems is the default leaf fan-out.
	DefaultMaxLeafItems = 128
	// DefaultMaxInternalItems is the default internal fan-out.
	DefaultMaxInternalItems = 128
)

// Option configures a Tree.
type Option func(*Tree)

// WithMaxLeafItems caps the number of tuples per leaf. Leaves also split
// when their items stop fitting into a page.
func WithMaxLeafItems(n int) Option {
	return func(t *Tree) {
		if n >= 2 {
			t.maxLeaf = n
		}
	}
}

// WithMaxInternalItems caps the number of downlinks per internal page.
func WithMaxInternalItems(n int) Option {
	return func(t *Tree) {
		if n >= 2 {
			t.maxInternal = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tree) { t.logger = l }
}

// Tree is a versioned B-tree. Writers are serialized; readers go through
// Locate, the pagestore and the undo log and hold the structure lock only
// for a descent.
type Tree struct {
	store   *pagestore.Store
	undo    *undo.Log
	tracker *checkpoint.Tracker
	index   *versionIndex
	logger  *slog.Logger

	maxLeaf     int
	maxInternal int

	// writeMu serializes logical writers so a reserved CSN stays
	// unpublished until the writer is done. mu guards the structure
	// against descents.
	writeMu sync.Mutex
	mu      sync.RWMutex
	root    page.Resident
	closed  bool

	csn     atomic.Uint64
	xid     atomic.Uint64
	commits sync.Map // model.XID -> model.CSN
	pruned  atomic.Uint64

	txMu sync.Mutex
	txs  map[model.XID]model.CSN
}

// New creates an empty tree whose root is a single leaf.
func New(store *pagestore.Store, undoLog *undo.Log, tracker *checkpoint.Tracker, optFns ...Option) (*Tree, error) {
	t := &Tree{
		store:       store,
		undo:        undoLog,
		tracker:     tracker,
		maxLeaf:     DefaultMaxLeafItems,
		maxInternal: DefaultMaxInternalItems,
		txs:         make(map[model.XID]model.CSN),
	}
	for _, fn := range optFns {
		fn(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}

	idx, err := openIndex()
	if err != nil {
		return nil, err
	}
	t.index = idx

	var img page.Image
	if err := page.NewBuilder(0).
		SetFlags(page.FlagLeftmost | page.FlagRightmost).
		SetCSN(model.CSNFrozen).
		Build(&img); err != nil {
		return nil, err
	}
	t.root = store.Alloc(&img)
	t.csn.Store(uint64(model.CSNFrozen))
	return t, nil
}

// CSN returns the CSN of the latest commit. It is the snapshot that sees
// everything committed so far.
func (t *Tree) CSN() model.CSN {
	return model.CSN(t.csn.Load())
}

func (t *Tree) nextCSN() model.CSN {
	return model.CSN(t.csn.Load() + 1)
}

func (t *Tree) publish(c model.CSN) {
	t.csn.Store(uint64(c))
}

func (t *Tree) newXID() model.XID {
	return model.XID(t.xid.Add(1))
}

// Height returns the number of levels, 1 for a single leaf.
func (t *Tree) Height() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var img page.Image
	if !t.store.Read(t.root, &img) {
		return 0, ErrCorrupt
	}
	return img.Level() + 1, nil
}

// Close releases the version index. The pagestore and undo log belong to
// the caller.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.index.close()
}

type pathEntry struct {
	ref       page.Resident
	img       page.Image
	idx       int
	low, high []byte
}

type leafCtx struct {
	path      []*pathEntry
	ref       page.Resident
	img       page.Image
	low, high []byte
}

func (lc *leafCtx) parent() *pathEntry {
	if len(lc.path) == 0 {
		return nil
	}
	return lc.path[len(lc.path)-1]
}

// childRange returns the key range of item idx of an internal page
// covering [low, high).
func childRange(img *page.Image, idx int, low, high []byte) ([]byte, []byte) {
	if idx > 0 {
		low = bytes.Clone(img.Key(idx))
	}
	if idx+1 < img.Count() {
		high = bytes.Clone(img.Key(idx + 1))
	}
	return low, high
}

// findLeaf descends to the leaf covering key, loading it from disk when
// needed. A non-nil Pending is returned when the leaf is being written.
// Callers hold t.mu.
func (t *Tree) findLeaf(ctx context.Context, key []byte) (*leafCtx, *page.Pending, error) {
	ref := t.root
	var low, high []byte
	var path []*pathEntry
	for {
		e := &pathEntry{ref: ref, low: low, high: high}
		if !t.store.Read(ref, &e.img) {
			return nil, nil, fmt.Errorf("%w: block %d", ErrCorrupt, ref.Block)
		}
		if e.img.IsLeaf() {
			return &leafCtx{path: path, ref: ref, img: e.img, low: low, high: high}, nil, nil
		}
		e.idx = page.SearchInternal(&e.img, key)
		path = append(path, e)
		low, high = childRange(&e.img, e.idx, low, high)

		switch d := page.Classify(e.img.Downlink(e.idx)).(type) {
		case page.Resident:
			ref = d
		case page.OnDisk:
			if e.img.Level() != 1 {
				return nil, nil, fmt.Errorf("%w: internal page on disk", ErrCorrupt)
			}
			r, err := t.loadLeaf(ctx, e, d)
			if err != nil {
				return nil, nil, err
			}
			ref = r
		case page.Pending:
			return nil, &d, nil
		default:
			return nil, nil, fmt.Errorf("%w: bad downlink %#x", ErrCorrupt, e.img.Downlink(e.idx))
		}
	}
}

// loadLeaf brings the on-disk child e.idx back into memory.
func (t *Tree) loadLeaf(ctx context.Context, e *pathEntry, d page.OnDisk) (page.Resident, error) {
	var img page.Image
	if err := t.store.ReadDisk(ctx, d, &img); err != nil {
		return page.Resident{}, err
	}
	r := t.store.Alloc(&img)
	e.img.SetDownlink(e.idx, r.Raw())
	if !t.store.Write(e.ref, &e.img) {
		t.store.Free(r)
		return page.Resident{}, fmt.Errorf("%w: block %d", ErrCorrupt, e.ref.Block)
	}
	gen, _ := t.tracker.Current()
	t.store.Release(d, gen)
	t.logger.Debug("leaf loaded", "addr", d, "block", r.Block)
	return r, nil
}

// modify runs fn on the leaf covering key under the writer lock, waiting
// out in-progress writes of that leaf.
func (t *Tree) modify(ctx context.Context, key []byte, fn func(lc *leafCtx) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
		lc, pending, err := t.findLeaf(ctx, key)
		if err == nil && pending == nil {
			err = fn(lc)
		}
		t.mu.Unlock()
		if err != nil {
			return err
		}
		if pending == nil {
			return nil
		}
		if err := t.store.WaitIO(ctx, *pending); err != nil {
			return err
		}
	}
}

// Locate descends towards key and stops at the first page at or below
// level. For a single-leaf tree that is the root leaf.
func (t *Tree) Locate(ctx context.Context, key []byte, level int, dst *page.Image) (page.Located, error) {
	if err := ctx.Err(); err != nil {
		return page.Located{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return page.Located{}, ErrClosed
	}

	ref := t.root
	var low []byte
	for {
		if !t.store.Read(ref, dst) {
			return page.Located{}, fmt.Errorf("%w: block %d", ErrCorrupt, ref.Block)
		}
		if dst.Level() <= level {
			break
		}
		idx := page.SearchInternal(dst, key)
		if idx > 0 {
			low = bytes.Clone(dst.Key(idx))
		}
		child, ok := page.Classify(dst.Downlink(idx)).(page.Resident)
		if !ok {
			return page.Located{}, fmt.Errorf("%w: internal page not resident", ErrCorrupt)
		}
		ref = child
	}

	loc := page.Located{
		Low:     low,
		ReadCSN: t.CSN(),
		Hint:    model.LocationHint{Block: ref.Block, ChangeCount: ref.ChangeCount},
	}
	if !dst.IsLeaf() {
		loc.Index = page.SearchInternal(dst, key)
	}
	return loc, nil
}

func (t *Tree) ReadResident(ctx context.Context, r page.Resident, dst *page.Image) (bool, error) {
	return t.store.ReadResident(ctx, r, dst)
}

func (t *Tree) ReadDisk(ctx context.Context, d page.OnDisk, dst *page.Image) error {
	return t.store.ReadDisk(ctx, d, dst)
}

func (t *Tree) WaitIO(ctx context.Context, p page.Pending) error {
	return t.store.WaitIO(ctx, p)
}

// Exists reports whether the undo record at loc is retained.
func (t *Tree) Exists(loc page.UndoLocation) bool {
	return t.undo.Exists(loc)
}

// PageImage materializes a former page version from the undo log.
func (t *Tree) PageImage(ctx context.Context, loc page.UndoLocation, key []byte, dst *page.Image) ([]byte, error) {
	return t.undo.PageImage(ctx, loc, key, dst)
}

// TrimUndo discards every undo record written so far and returns the
// number of records dropped. Scans at snapshots older than the latest
// page or tuple versions fail afterwards.
func (t *Tree) TrimUndo() int {
	return t.undo.Reclaim(t.undo.Head())
}

// Reclaim deletes checkpoint files nobody can read anymore.
func (t *Tree) Reclaim(ctx context.Context) (int, error) {
	return t.store.Reclaim(ctx, t.tracker.PinnedAtOrBelow)
}

// Store returns the underlying pagestore.
func (t *Tree) Store() *pagestore.Store { return t.store }

// Tracker returns the checkpoint tracker.
func (t *Tree) Tracker() *checkpoint.Tracker { return t.tracker }

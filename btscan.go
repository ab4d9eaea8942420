package btscan

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hupe1980/btscan/internal/cache"
	"github.com/hupe1980/btscan/internal/checkpoint"
	"github.com/hupe1980/btscan/internal/pagestore"
	"github.com/hupe1980/btscan/internal/resource"
	"github.com/hupe1980/btscan/internal/scan"
	"github.com/hupe1980/btscan/internal/undo"
	"github.com/hupe1980/btscan/internal/vtree"
	"github.com/hupe1980/btscan/model"
)

type (
	// CSN is a commit sequence number; a snapshot is the CSN of the
	// newest commit it sees.
	CSN = model.CSN
	// XID identifies a transaction.
	XID = model.XID
	// Tuple is a key and its value.
	Tuple = model.Tuple
	// Item is a tuple returned by a scan with its commit CSN and the
	// location it was read from.
	Item = model.Item
	// RawItem is a physical tuple slot returned by a raw scan.
	RawItem = model.RawItem
	// LocationHint identifies the resident block a tuple was read from.
	LocationHint = model.LocationHint
	// ScanStats counts the work done by a scan.
	ScanStats = scan.Stats
	// StoreStats describes the page store.
	StoreStats = pagestore.Stats
)

const (
	// CSNFrozen is visible to every snapshot.
	CSNFrozen = model.CSNFrozen
	// CSNLatest used as a snapshot reads the latest committed state.
	CSNLatest = model.CSNInProgress
)

// DB is a versioned B-tree with consistent sequential scans.
type DB struct {
	opts    options
	logger  *Logger
	metrics MetricsCollector

	rc      *resource.Controller
	store   *pagestore.Store
	tracker *checkpoint.Tracker
	tree    *vtree.Tree
	reg     *scan.Registry

	closed atomic.Bool
}

// Open creates an empty database.
func Open(ctx context.Context, optFns ...Option) (*DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := applyOptions(optFns)

	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:   o.memoryLimit,
		MaxWorkers:         o.maxWorkers,
		IOLimitBytesPerSec: o.ioLimit,
	})
	store := pagestore.New(
		pagestore.WithBlobStore(o.blobs),
		pagestore.WithCompression(o.compression),
		pagestore.WithCache(cache.NewLRU(o.cacheBlocks, rc)),
		pagestore.WithResourceController(rc),
		pagestore.WithLogger(o.logger.Logger),
	)
	undoLog := undo.New(undo.WithResourceController(rc))
	tracker := checkpoint.NewTracker()

	tree, err := vtree.New(store, undoLog, tracker,
		vtree.WithMaxLeafItems(o.maxLeafItems),
		vtree.WithMaxInternalItems(o.maxInternalItems),
		vtree.WithLogger(o.logger.Logger),
	)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}

	db := &DB{
		opts:    o,
		logger:  o.logger,
		metrics: o.metricsCollector,
		rc:      rc,
		store:   store,
		tracker: tracker,
		tree:    tree,
		reg:     scan.NewRegistry(tracker, o.logger.Logger),
	}
	db.logger.InfoContext(ctx, "database opened",
		"compression", o.compression.String(),
		"cache_blocks", o.cacheBlocks,
	)
	return db, nil
}

// Close releases every scan that is still open and closes the database.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := db.reg.Sweep(); n > 0 {
		db.logger.LogSweep(context.Background(), n)
		db.metrics.RecordSweep(n)
	}
	return errors.Join(db.tree.Close(), db.store.Close())
}

func (db *DB) checkOpen() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Put writes key in its own transaction and returns the commit CSN.
func (db *DB) Put(ctx context.Context, key, value []byte) (CSN, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	c, err := db.tree.Put(ctx, key, value)
	db.metrics.RecordWrite(time.Since(start), err)
	return c, translateError(err)
}

// Delete removes key in its own transaction. Deleting an absent key
// returns the current CSN.
func (db *DB) Delete(ctx context.Context, key []byte) (CSN, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	c, err := db.tree.Delete(ctx, key)
	db.metrics.RecordWrite(time.Since(start), err)
	return c, translateError(err)
}

// Load writes all tuples under a single commit.
func (db *DB) Load(ctx context.Context, tuples []Tuple) (CSN, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	c, err := db.tree.Load(ctx, tuples)
	db.metrics.RecordWrite(time.Since(start), err)
	return c, translateError(err)
}

// Get returns the value of key visible to snapshot.
func (db *DB) Get(ctx context.Context, key []byte, snapshot CSN) ([]byte, bool, error) {
	if err := db.checkOpen(); err != nil {
		return nil, false, err
	}
	v, ok, err := db.tree.Get(ctx, key, snapshot, model.InvalidXID)
	return v, ok, translateError(err)
}

// Snapshot returns the CSN of the latest commit.
func (db *DB) Snapshot() CSN {
	return db.tree.CSN()
}

// Height returns the number of tree levels.
func (db *DB) Height() (int, error) {
	h, err := db.tree.Height()
	return h, translateError(err)
}

// Checkpoint writes every leaf to a new checkpoint generation, then
// deletes the generations no open scan can read anymore and the tuple
// versions older than every open scan and transaction. Point reads below
// that horizon fail with ErrSnapshotTooOld afterwards.
func (db *DB) Checkpoint(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	gen, pages, err := db.tree.Checkpoint(ctx, nil)
	reclaimed := 0
	if err == nil {
		reclaimed, err = db.tree.Reclaim(ctx)
	}
	if err == nil {
		_, err = db.tree.PruneVersions(ctx, db.reg.OldestSnapshot())
	}
	err = translateError(err)
	db.metrics.RecordCheckpoint(pages, reclaimed, time.Since(start), err)
	db.logger.LogCheckpoint(ctx, gen, pages, reclaimed, err)
	return err
}

// Generation returns the last completed checkpoint generation.
func (db *DB) Generation() uint32 {
	gen, _ := db.tracker.Current()
	return gen
}

// TrimUndo drops all undo records written so far. Scans whose snapshot
// predates the latest versions fail with ErrSnapshotTooOld afterwards.
func (db *DB) TrimUndo() int {
	return db.tree.TrimUndo()
}

// SweepScans releases every open scan, as if its owner had closed it.
// Released scans fail with ErrClosed.
func (db *DB) SweepScans() int {
	n := db.reg.Sweep()
	db.logger.LogSweep(context.Background(), n)
	db.metrics.RecordSweep(n)
	return n
}

// LiveScans returns the number of open scans.
func (db *DB) LiveScans() int {
	return db.reg.Live()
}

// PinnedScans returns the number of open scans pinning gen.
func (db *DB) PinnedScans(gen uint32) int {
	return db.reg.Pinned(gen)
}

// MemoryUsage returns the bytes held by the undo log and the block cache.
func (db *DB) MemoryUsage() int64 {
	return db.rc.MemoryUsage()
}

// Stats describes the page store and the resources the DB holds.
type Stats struct {
	StoreStats

	// MemoryBytes is held by the undo log and the block cache.
	MemoryBytes int64
	// MemoryLimit is zero when memory is unlimited.
	MemoryLimit int64
	// IOBytes counts the bytes read from checkpoint files.
	IOBytes   int64
	LiveScans int
}

// Stats returns a snapshot of the DB's counters.
func (db *DB) Stats() Stats {
	return Stats{
		StoreStats:  db.store.Stats(),
		MemoryBytes: db.rc.MemoryUsage(),
		MemoryLimit: db.rc.MemoryLimit(),
		IOBytes:     db.rc.IOBytes(),
		LiveScans:   db.reg.Live(),
	}
}

// Tx is a transaction. Its writes are visible to its own scans and to
// others once committed.
type Tx struct {
	db *DB
	tx *vtree.Tx
}

// Begin starts a transaction reading at the latest commit.
func (db *DB) Begin() *Tx {
	return &Tx{db: db, tx: db.tree.BeginTx()}
}

// Snapshot returns the CSN the transaction reads at.
func (tx *Tx) Snapshot() CSN { return tx.tx.Snapshot() }

// XID returns the transaction id.
func (tx *Tx) XID() XID { return tx.tx.XID() }

// Put writes key within the transaction.
func (tx *Tx) Put(ctx context.Context, key, value []byte) error {
	if err := tx.db.checkOpen(); err != nil {
		return err
	}
	return translateError(tx.tx.Put(ctx, key, value))
}

// Delete removes key within the transaction.
func (tx *Tx) Delete(ctx context.Context, key []byte) error {
	if err := tx.db.checkOpen(); err != nil {
		return err
	}
	return translateError(tx.tx.Delete(ctx, key))
}

// Commit makes the transaction's writes visible and returns the commit CSN.
func (tx *Tx) Commit(ctx context.Context) (CSN, error) {
	if err := tx.db.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	c, err := tx.tx.Commit(ctx)
	tx.db.metrics.RecordWrite(time.Since(start), err)
	return c, translateError(err)
}

// Rollback discards the transaction's writes.
func (tx *Tx) Rollback(ctx context.Context) error {
	return translateError(tx.tx.Rollback(ctx))
}

// Scan opens a scan at the transaction's snapshot that also sees the
// transaction's own writes.
func (tx *Tx) Scan(ctx context.Context, optFns ...ScanOption) (*Scan, error) {
	return tx.db.NewScan(ctx, tx.Snapshot(), append(optFns, WithTransaction(tx.XID()))...)
}

package scan

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/model"
)

const noMoreSamples = math.MaxUint64

type phase int

const (
	phaseInMemory phase = iota
	phaseDisk
	phaseFinished
)

func (p phase) String() string {
	switch p {
	case phaseInMemory:
		return "in-memory"
	case phaseDisk:
		return "disk"
	case phaseFinished:
		return "finished"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type mode int

const (
	modeUnset mode = iota
	modeTuples
	modeRaw
)

// Stats counts the work done by a scan.
type Stats struct {
	InternalPages     int
	LeafPages         int
	DiskPages         int
	DiskRewinds       int
	HistoricalPages   int
	UndoImages        int
	FallbackIterators int
	IteratorTuples    int
	PendingWaits      int
	SkippedDownlinks  int
	SkippedLeaves     int
	SlotRotations     int
	Tuples            int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.InternalPages += o.InternalPages
	s.LeafPages += o.LeafPages
	s.DiskPages += o.DiskPages
	s.DiskRewinds += o.DiskRewinds
	s.HistoricalPages += o.HistoricalPages
	s.UndoImages += o.UndoImages
	s.FallbackIterators += o.FallbackIterators
	s.IteratorTuples += o.IteratorTuples
	s.PendingWaits += o.PendingWaits
	s.SkippedDownlinks += o.SkippedDownlinks
	s.SkippedLeaves += o.SkippedLeaves
	s.SlotRotations += o.SlotRotations
	s.Tuples += o.Tuples
}

// Option configures a Scan.
type Option func(*Scan)

// WithTransaction makes the scan see the uncommitted writes of xid and
// prefer them over historical versions of the same key.
func WithTransaction(xid model.XID) Option {
	return func(sc *Scan) { sc.xid = xid }
}

// WithSampler restricts the scan to the downlinks s selects.
func WithSampler(s Sampler) Option {
	return func(sc *Scan) { sc.sampler = s }
}

// WithCallbacks installs pruning callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(sc *Scan) { sc.cb = &cb }
}

// WithParallel makes the scan one worker of a parallel scan.
func WithParallel(p *Shared) Option {
	return func(sc *Scan) { sc.par = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sc *Scan) { sc.logger = l }
}

// Scan yields the tuples visible to a snapshot. A Scan is used by one
// goroutine; parallel scans use one Scan per worker.
//
// Tuples of resident leaves come in key order. Leaves read through the
// fallback iterator keep that order. On-disk leaves are replayed after all
// resident ones, in file order.
type Scan struct {
	tree     Tree
	reg      *Registry
	logger   *slog.Logger
	snapshot model.CSN
	xid      model.XID

	id     uint64
	gen    uint32
	closed atomic.Bool

	phase phase
	mode  mode

	// Leaf cursor and the historical cursor merged with it.
	leaf     page.Image
	leafLoc  int
	hint     model.LocationHint
	hist     page.Image
	histLoc  int
	haveHist bool

	// Fallback iterator stopping at iterEnd, and a range found while
	// loading an internal page that still needs one.
	iter    model.TupleIterator
	iterEnd []byte
	pending *KeyRange

	walk       localWalk
	par        *Shared
	worker     int
	leader     bool
	singleLeaf bool

	disk diskBatch

	sampler    Sampler
	sampleNo   uint64
	sampleNext uint64
	cb         *Callbacks

	stats Stats
}

// New starts a scan of tree at snapshot and registers it in reg. The scan
// must be closed.
func New(tree Tree, reg *Registry, snapshot model.CSN, optFns ...Option) (*Scan, error) {
	if snapshot == model.CSNInvalid {
		return nil, fmt.Errorf("%w: invalid snapshot", ErrInvalidOption)
	}
	sc := &Scan{
		tree:     tree,
		reg:      reg,
		snapshot: snapshot,
		leafLoc:  -1,
		hint:     model.NoHint,
	}
	for _, fn := range optFns {
		fn(sc)
	}
	if sc.logger == nil {
		sc.logger = reg.logger
	}
	if sc.par != nil && sc.sampler != nil {
		return nil, fmt.Errorf("%w: sampling is not supported by parallel scans", ErrInvalidOption)
	}
	if sc.sampler != nil {
		next, ok := sc.sampler.Next()
		if !ok {
			next = noMoreSamples
		}
		sc.sampleNext = next
	}
	if sc.par != nil {
		w, leader, err := sc.par.join(snapshot, sc.xid)
		if err != nil {
			return nil, err
		}
		sc.worker, sc.leader = w, leader
		sc.logger = sc.logger.With("worker", w)
	}

	reg.add(sc)
	sc.logger.Debug("scan started", "id", sc.id, "snapshot", snapshot, "xid", sc.xid, "gen", sc.gen)
	return sc, nil
}

// Snapshot returns the snapshot the scan reads.
func (sc *Scan) Snapshot() model.CSN { return sc.snapshot }

// Generation returns the checkpoint generation the scan pins.
func (sc *Scan) Generation() uint32 { return sc.gen }

// Worker returns the worker index of a parallel scan.
func (sc *Scan) Worker() int { return sc.worker }

// Leader reports whether the scan bound its parallel descriptor to its
// snapshot and transaction.
func (sc *Scan) Leader() bool { return sc.leader }

// Stats returns the counters collected so far.
func (sc *Scan) Stats() Stats { return sc.stats }

func (sc *Scan) enter(ctx context.Context, m mode) error {
	if sc.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	switch sc.mode {
	case modeUnset:
		sc.mode = m
	case m:
	default:
		return ErrMixedModes
	}
	return nil
}

// Next returns the next visible tuple. It returns false once the scan is
// exhausted.
func (sc *Scan) Next(ctx context.Context) (model.Item, bool, error) {
	if err := sc.enter(ctx, modeTuples); err != nil {
		return model.Item{}, false, err
	}
	for sc.phase != phaseFinished {
		if sc.iter != nil {
			item, ok, err := sc.iter.Next(ctx, sc.iterEnd)
			if err != nil {
				return model.Item{}, false, err
			}
			if ok {
				sc.stats.IteratorTuples++
				sc.stats.Tuples++
				return item, true, nil
			}
			if err := sc.closeIterator(); err != nil {
				return model.Item{}, false, err
			}
		}

		item, ok, err := sc.nextMerged(ctx)
		if err != nil {
			return model.Item{}, false, err
		}
		if ok {
			sc.stats.Tuples++
			return item, true, nil
		}
		if err := sc.advance(ctx); err != nil {
			return model.Item{}, false, err
		}
	}
	return model.Item{}, false, nil
}

// NextRaw returns the next physical tuple slot, deleted or not, ignoring
// the snapshot. Every slot of the leaves as they are now is returned once.
func (sc *Scan) NextRaw(ctx context.Context) (model.RawItem, bool, error) {
	if err := sc.enter(ctx, modeRaw); err != nil {
		return model.RawItem{}, false, err
	}
	for sc.phase != phaseFinished {
		if sc.iter != nil {
			item, ok, err := sc.iter.NextRaw(ctx, sc.iterEnd)
			if err != nil {
				return model.RawItem{}, false, err
			}
			if ok {
				sc.stats.IteratorTuples++
				sc.stats.Tuples++
				return item, true, nil
			}
			if err := sc.closeIterator(); err != nil {
				return model.RawItem{}, false, err
			}
		}

		if sc.leaf.Valid(sc.leafLoc) {
			it := sc.leaf.Leaf(sc.leafLoc)
			sc.leafLoc++
			sc.stats.Tuples++
			return model.RawItem{
				Tuple:   model.Tuple{Key: it.Key, Value: it.Value}.Clone(),
				Deleted: it.Deleted,
				Hint:    sc.hint,
			}, true, nil
		}
		if err := sc.advance(ctx); err != nil {
			return model.RawItem{}, false, err
		}
	}
	return model.RawItem{}, false, nil
}

// advance moves to the next leaf or iterator range, switching to the disk
// phase once the internal pages are exhausted.
func (sc *Scan) advance(ctx context.Context) error {
	if sc.phase == phaseInMemory {
		more, err := sc.advanceInternal(ctx)
		if err != nil || more {
			return err
		}
		if sc.singleLeaf {
			sc.finish()
			return nil
		}
		sc.switchToDisk()
	}

	more, err := sc.loadNextDiskLeaf(ctx)
	if err != nil {
		return err
	}
	if !more {
		sc.finish()
	}
	return nil
}

func (sc *Scan) switchToDisk() {
	sc.phase = phaseDisk
	sc.invalidateLeaf()
	sc.disk.sort()
	sc.logger.Debug("scan phase", "phase", sc.phase, "disk_leaves", sc.disk.len())
}

func (sc *Scan) loadNextDiskLeaf(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d, ok := sc.disk.pop()
	if !ok {
		return false, nil
	}
	if err := sc.tree.ReadDisk(ctx, d.addr, &sc.leaf); err != nil {
		return false, &PageReadError{Addr: d.addr, Err: err}
	}
	sc.stats.DiskPages++
	if tooNew(&sc.leaf, d.csn) {
		if err := sc.rewind(ctx, &sc.leaf, d.csn); err != nil {
			return false, err
		}
	}
	sc.leafLoc = 0
	sc.hint = model.NoHint
	return true, sc.loadFirstHistorical(ctx)
}

func (sc *Scan) openIterator(ctx context.Context, r KeyRange) error {
	sc.invalidateLeaf()
	it, err := sc.tree.OpenIterator(ctx, r.Low, sc.snapshot, sc.xid)
	if err != nil {
		return err
	}
	sc.iter = it
	sc.iterEnd = r.High
	sc.stats.FallbackIterators++
	sc.logger.Debug("fallback iterator", "range", r)
	return nil
}

func (sc *Scan) closeIterator() error {
	if sc.iter == nil {
		return nil
	}
	err := sc.iter.Close()
	sc.iter = nil
	sc.iterEnd = nil
	return err
}

func (sc *Scan) finish() {
	sc.phase = phaseFinished
	sc.invalidateLeaf()
	sc.logger.Debug("scan finished",
		"tuples", sc.stats.Tuples,
		"leaves", sc.stats.LeafPages,
		"disk", sc.stats.DiskPages,
		"historical", sc.stats.HistoricalPages,
		"fallbacks", sc.stats.FallbackIterators,
	)
}

// Close releases the scan's iterator, checkpoint pin and worker slot. It
// is safe to call more than once and after a sweep.
func (sc *Scan) Close() error {
	err := sc.closeIterator()
	if sc.reg.remove(sc) && sc.par != nil {
		sc.par.leave(sc.worker)
	}
	sc.closed.Store(true)
	return err
}

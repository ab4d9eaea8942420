package btscan

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/btscan/internal/scan"
	"github.com/hupe1980/btscan/model"
)

type (
	// Sampler yields the ascending ordinals of the leaves a scan reads.
	// See package sampling.
	Sampler = scan.Sampler
	// Callbacks let the caller prune a scan by key range.
	Callbacks = scan.Callbacks
)

type scanOptions struct {
	sampler Sampler
	cb      Callbacks
	xid     model.XID
	par     *Parallel
}

// ScanOption configures NewScan.
type ScanOption func(*scanOptions)

// WithSampler reads only the leaves whose ordinal s yields.
func WithSampler(s Sampler) ScanOption {
	return func(o *scanOptions) { o.sampler = s }
}

// WithCallbacks installs range and key pruning callbacks.
func WithCallbacks(cb Callbacks) ScanOption {
	return func(o *scanOptions) { o.cb = cb }
}

// WithTransaction makes the scan see the uncommitted writes of xid.
func WithTransaction(xid XID) ScanOption {
	return func(o *scanOptions) { o.xid = xid }
}

// WithParallel makes the scan one worker of p.
func WithParallel(p *Parallel) ScanOption {
	return func(o *scanOptions) { o.par = p }
}

// Parallel is shared by the workers of a parallel scan. Each leaf is
// returned by exactly one worker. A Parallel serves a single scan: all
// workers use the same snapshot and transaction, and joining after the
// scan has finished fails with ErrInvalidArgument.
type Parallel struct {
	shared *scan.Shared
}

// NewParallel creates a descriptor for up to workers scans.
func NewParallel(workers int) *Parallel {
	return &Parallel{shared: scan.NewShared(workers)}
}

// Workers returns the number of workers currently attached.
func (p *Parallel) Workers() int { return p.shared.Workers() }

// Scan returns the tuples visible to a snapshot in key order. A parallel
// worker returns its share in key order. Scans are not safe for
// concurrent use.
type Scan struct {
	db    *DB
	sc    *scan.Scan
	start time.Time
	err   error
	once  sync.Once
}

// NewScan opens a scan at snapshot. Use Snapshot for the latest commit
// or CSNLatest to read the latest state without undo.
func (db *DB) NewScan(ctx context.Context, snapshot CSN, optFns ...ScanOption) (*Scan, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o scanOptions
	for _, fn := range optFns {
		fn(&o)
	}

	opts := []scan.Option{
		scan.WithLogger(db.logger.Logger),
		scan.WithCallbacks(o.cb),
	}
	if o.sampler != nil {
		opts = append(opts, scan.WithSampler(o.sampler))
	}
	if o.xid != model.InvalidXID {
		opts = append(opts, scan.WithTransaction(o.xid))
	}
	if o.par != nil {
		opts = append(opts, scan.WithParallel(o.par.shared))
	}

	sc, err := scan.New(db.tree, db.reg, snapshot, opts...)
	if err != nil {
		return nil, translateError(err)
	}
	return &Scan{db: db, sc: sc, start: time.Now()}, nil
}

// Next returns the next visible tuple. ok is false at the end.
func (s *Scan) Next(ctx context.Context) (Item, bool, error) {
	item, ok, err := s.sc.Next(ctx)
	if err != nil {
		s.err = translateError(err)
		return Item{}, false, s.err
	}
	return item, ok, nil
}

// NextRaw returns the next physical tuple slot, deleted ones included,
// without consulting undo. A scan uses either Next or NextRaw.
func (s *Scan) NextRaw(ctx context.Context) (RawItem, bool, error) {
	item, ok, err := s.sc.NextRaw(ctx)
	if err != nil {
		s.err = translateError(err)
		return RawItem{}, false, s.err
	}
	return item, ok, nil
}

// Snapshot returns the CSN the scan reads at.
func (s *Scan) Snapshot() CSN { return s.sc.Snapshot() }

// Generation returns the checkpoint generation the scan pins.
func (s *Scan) Generation() uint32 { return s.sc.Generation() }

// Worker returns the worker number of a parallel scan, 0 otherwise.
func (s *Scan) Worker() int { return s.sc.Worker() }

// Stats returns the work done so far.
func (s *Scan) Stats() ScanStats { return s.sc.Stats() }

// Close releases the scan. It is safe to call more than once.
func (s *Scan) Close() error {
	err := s.sc.Close()
	s.once.Do(func() {
		stats := s.sc.Stats()
		s.db.metrics.RecordScan(stats, time.Since(s.start), s.err)
		s.db.logger.LogScan(context.Background(), s.sc.Snapshot(), stats, s.err)
	})
	return err
}

// ParallelScan scans snapshot with workers cooperating workers and calls fn
// for every tuple. fn is called concurrently from different workers; the
// worker argument identifies the caller. The first error stops all
// workers.
func (db *DB) ParallelScan(ctx context.Context, snapshot CSN, workers int, fn func(worker int, item Item) error) error {
	if workers < 1 {
		return ErrInvalidArgument
	}
	if limit := int(db.opts.maxWorkers); limit > 0 && workers > limit {
		workers = limit
	}
	p := NewParallel(workers)

	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			sc, err := db.NewScan(gctx, snapshot, WithParallel(p))
			if err != nil {
				return err
			}
			defer sc.Close()
			for {
				item, ok, err := sc.Next(gctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := fn(sc.Worker(), item); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

package scan

import (
	"context"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/model"
)

// Pages reads tree pages.
type Pages interface {
	// Locate descends towards key and copies the page at level (or the
	// root leaf of a single-leaf tree) into dst.
	Locate(ctx context.Context, key []byte, level int, dst *page.Image) (page.Located, error)
	// ReadResident copies a resident page. It reports false when the block
	// changed since the downlink was read.
	ReadResident(ctx context.Context, r page.Resident, dst *page.Image) (bool, error)
	ReadDisk(ctx context.Context, d page.OnDisk, dst *page.Image) error
	// WaitIO blocks until the write behind p completes.
	WaitIO(ctx context.Context, p page.Pending) error
}

// UndoLog materializes former page versions.
type UndoLog interface {
	Exists(loc page.UndoLocation) bool
	// PageImage decodes the version of the record at loc covering key
	// (the first version for a nil key) and returns its low key.
	PageImage(ctx context.Context, loc page.UndoLocation, key []byte, dst *page.Image) ([]byte, error)
}

// Resolver picks the tuple version visible to a snapshot.
type Resolver interface {
	Resolve(img *page.Image, loc int, snapshot model.CSN, xid model.XID) (model.Tuple, model.CSN, bool, error)
}

// IteratorSource opens the ordered fallback iterator.
type IteratorSource interface {
	OpenIterator(ctx context.Context, low []byte, snapshot model.CSN, xid model.XID) (model.TupleIterator, error)
}

// Tree is everything a scan needs from the tree.
type Tree interface {
	Pages
	UndoLog
	Resolver
	IteratorSource
}

// Sampler yields the ascending ordinals of the downlinks to read. All
// other downlinks are skipped without being read.
type Sampler interface {
	Next() (uint64, bool)
}

// Callbacks let the caller prune the scan.
type Callbacks struct {
	// IsRangeValid reports whether the leaf covering [low, high) is
	// needed. Nil bounds are unbounded.
	IsRangeValid func(low, high []byte) bool
	// NextKey receives the next key the scan would return and yields the
	// smallest key >= it that is wanted. Returning false skips the rest
	// of the current leaf.
	NextKey func(key []byte) ([]byte, bool)
}

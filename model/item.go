package model

import "context"

// Item is a visible tuple produced by a scan.
type Item struct {
	Tuple Tuple
	CSN   CSN
	Hint  LocationHint
}

// RawItem is a physical tuple slot produced by a raw scan. Deleted slots
// are reported rather than skipped.
type RawItem struct {
	Tuple   Tuple
	Deleted bool
	Hint    LocationHint
}

// TupleIterator walks tuples in key order. A nil end is unbounded; end may
// differ between calls, and a call that stops at end leaves the iterator
// positioned so a later call with a larger end continues from there.
type TupleIterator interface {
	Next(ctx context.Context, end []byte) (Item, bool, error)
	NextRaw(ctx context.Context, end []byte) (RawItem, bool, error)
	Close() error
}

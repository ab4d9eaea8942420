package undo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/btscan/internal/compress"
	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/resource"
	"github.com/hupe1980/btscan/model"
)

// Location addresses an undo record.
type Location = page.UndoLocation

var (
	// ErrReclaimed is returned for records discarded by Reclaim.
	ErrReclaimed = errors.New("undo: record reclaimed")
	// ErrNoVersion is returned when no version of a page record covers the key.
	ErrNoVersion = errors.New("undo: no page version covers key")
	// ErrKind is returned when a location addresses a record of the other kind.
	ErrKind = errors.New("undo: record kind mismatch")
)

// PageVersion is a former page image covering [Low, High). Nil bounds are
// unbounded.
type PageVersion struct {
	Low   []byte
	High  []byte
	Image *page.Image
}

// TupleVersion is the previous version of a tuple.
type TupleVersion struct {
	Value   []byte
	Deleted bool
	// Absent marks that the tuple did not exist before.
	Absent bool
	XID    model.XID
	CSN    model.CSN
	Prev   Location
}

type storedVersion struct {
	low, high []byte
	frame     []byte
}

type record struct {
	versions []storedVersion
	tuple    *TupleVersion
	size     int64
}

// Option configures a Log.
type Option func(*Log)

// WithCompression sets the codec for page images. Defaults to LZ4.
func WithCompression(t compress.Type) Option {
	return func(l *Log) { l.codec = t }
}

// WithResourceController accounts record memory against rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(l *Log) { l.rc = rc }
}

// Log is an append-only undo log. It is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	records []*record
	base    Location
	codec   compress.Type
	rc      *resource.Controller
	size    int64
}

// New creates an empty log. The first record gets location 1.
func New(optFns ...Option) *Log {
	l := &Log{base: 1, codec: compress.LZ4}
	for _, fn := range optFns {
		fn(l)
	}
	return l
}

func (l *Log) append(r *record) (Location, error) {
	if err := l.rc.AcquireMemory(r.size); err != nil {
		return page.InvalidUndo, fmt.Errorf("undo: append: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	l.size += r.size
	return l.base + Location(len(l.records)-1), nil
}

// AppendPage stores former page images and returns their location.
func (l *Log) AppendPage(versions ...PageVersion) (Location, error) {
	if len(versions) == 0 {
		return page.InvalidUndo, errors.New("undo: page record without versions")
	}
	r := &record{versions: make([]storedVersion, len(versions))}
	for i, v := range versions {
		frame, err := compress.Encode(l.codec, v.Image[:v.Image.Used()])
		if err != nil {
			return page.InvalidUndo, err
		}
		r.versions[i] = storedVersion{low: bytes.Clone(v.Low), high: bytes.Clone(v.High), frame: frame}
		r.size += int64(len(frame) + len(v.Low) + len(v.High))
	}
	return l.append(r)
}

// AppendTuple stores a previous tuple version and returns its location.
func (l *Log) AppendTuple(v TupleVersion) (Location, error) {
	v.Value = bytes.Clone(v.Value)
	return l.append(&record{tuple: &v, size: int64(len(v.Value)) + 48})
}

func (l *Log) lookup(loc Location) (*record, error) {
	if loc == page.InvalidUndo {
		return nil, ErrReclaimed
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if loc < l.base {
		return nil, ErrReclaimed
	}
	idx := int(loc - l.base)
	if idx >= len(l.records) {
		return nil, fmt.Errorf("undo: location %d beyond head", loc)
	}
	return l.records[idx], nil
}

// Exists reports whether loc addresses a retained record.
func (l *Log) Exists(loc Location) bool {
	_, err := l.lookup(loc)
	return err == nil
}

// PageImage decodes into dst the version of the page record at loc that
// covers key (the first version when key is nil) and returns its low key.
func (l *Log) PageImage(ctx context.Context, loc Location, key []byte, dst *page.Image) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := l.lookup(loc)
	if err != nil {
		return nil, err
	}
	if r.tuple != nil {
		return nil, ErrKind
	}
	v, ok := r.version(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q at %d", ErrNoVersion, key, loc)
	}
	clear(dst[:])
	if _, err := compress.Decode(v.frame, dst[:]); err != nil {
		return nil, fmt.Errorf("undo: decode page at %d: %w", loc, err)
	}
	return v.low, nil
}

func (r *record) version(key []byte) (storedVersion, bool) {
	if key == nil {
		return r.versions[0], true
	}
	for _, v := range r.versions {
		if (v.low == nil || bytes.Compare(v.low, key) <= 0) &&
			(v.high == nil || bytes.Compare(key, v.high) < 0) {
			return v, true
		}
	}
	return storedVersion{}, false
}

// Tuple returns the tuple version stored at loc.
func (l *Log) Tuple(loc Location) (TupleVersion, error) {
	r, err := l.lookup(loc)
	if err != nil {
		return TupleVersion{}, err
	}
	if r.tuple == nil {
		return TupleVersion{}, ErrKind
	}
	return *r.tuple, nil
}

// Head returns the location the next record will get.
func (l *Log) Head() Location {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + Location(len(l.records))
}

// Reclaim discards all records below upTo and returns how many were dropped.
func (l *Log) Reclaim(upTo Location) int {
	l.mu.Lock()
	n := min(int(max(upTo, l.base)-l.base), len(l.records))
	var freed int64
	for _, r := range l.records[:n] {
		freed += r.size
	}
	l.records = append([]*record(nil), l.records[n:]...)
	l.base += Location(n)
	l.size -= freed
	l.mu.Unlock()

	l.rc.ReleaseMemory(freed)
	return n
}

// Size returns the retained bytes.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

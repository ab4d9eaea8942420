package pagestore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/btscan/blobstore"
	"github.com/hupe1980/btscan/internal/cache"
	"github.com/hupe1980/btscan/internal/compress"
	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/resource"
)

// Option configures a Store.
type Option func(*Store)

// WithBlobStore sets where checkpoint files go. Defaults to memory.
func WithBlobStore(bs blobstore.BlobStore) Option {
	return func(s *Store) { s.blobs = bs }
}

// WithCompression sets the checkpoint page codec. Defaults to ZSTD.
func WithCompression(t compress.Type) Option {
	return func(s *Store) { s.codec = t }
}

// WithCache sets the decoded page cache.
func WithCache(c cache.PageCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithResourceController sets the controller used for IO limiting and
// checkpoint encoding concurrency.
func WithResourceController(rc *resource.Controller) Option {
	return func(s *Store) { s.rc = rc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type block struct {
	mu          sync.RWMutex
	img         page.Image
	changeCount uint32
	used        bool
}

type generation struct {
	live   *roaring.Bitmap
	diedAt uint32
	blob   blobstore.Blob
}

// Stats are cumulative store counters.
type Stats struct {
	ResidentBlocks int
	DiskReads      int64
	CacheHits      int64
	Generations    int
}

// Store manages resident blocks and checkpoint files.
type Store struct {
	blobs  blobstore.BlobStore
	codec  compress.Type
	cache  cache.PageCache
	rc     *resource.Controller
	logger *slog.Logger

	mu     sync.RWMutex
	blocks []*block
	free   []uint32
	closed bool

	ioMu   sync.Mutex
	ioNext uint32
	io     map[uint32]chan struct{}

	genMu sync.Mutex
	gens  map[uint32]*generation

	diskReads atomic.Int64
	cacheHits atomic.Int64
}

// New creates an empty store.
func New(optFns ...Option) *Store {
	s := &Store{
		codec: compress.ZSTD,
		io:    make(map[uint32]chan struct{}),
		gens:  make(map[uint32]*generation),
	}
	for _, fn := range optFns {
		fn(s)
	}
	if s.blobs == nil {
		s.blobs = blobstore.NewMemoryStore()
	}
	if s.cache == nil {
		s.cache = cache.NewLRU(0, nil)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

func (s *Store) block(n uint32) (*block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if int(n) >= len(s.blocks) {
		return nil, ErrBadBlock
	}
	return s.blocks[n], nil
}

// Alloc stores img in a free block and returns its downlink.
func (s *Store) Alloc(img *page.Image) page.Resident {
	s.mu.Lock()
	var n uint32
	var b *block
	if k := len(s.free); k > 0 {
		n = s.free[k-1]
		s.free = s.free[:k-1]
		b = s.blocks[n]
	} else {
		n = uint32(len(s.blocks))
		b = &block{}
		s.blocks = append(s.blocks, b)
	}
	s.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.img = *img
	b.used = true
	return page.Resident{Block: n, ChangeCount: b.changeCount}
}

// Read copies the page behind r into dst. It returns false when the block
// was freed or reused since r was issued.
func (s *Store) Read(r page.Resident, dst *page.Image) bool {
	b, err := s.block(r.Block)
	if err != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.used || b.changeCount != r.ChangeCount {
		return false
	}
	*dst = b.img
	return true
}

// ReadResident is Read with the error contract of the scan engine.
func (s *Store) ReadResident(ctx context.Context, r page.Resident, dst *page.Image) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return false, ErrClosed
	}
	return s.Read(r, dst), nil
}

// Write replaces the page behind r. It returns false when r is stale.
func (s *Store) Write(r page.Resident, img *page.Image) bool {
	b, err := s.block(r.Block)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.used || b.changeCount != r.ChangeCount {
		return false
	}
	b.img = *img
	return true
}

// Free releases the block behind r and invalidates outstanding downlinks.
func (s *Store) Free(r page.Resident) {
	b, err := s.block(r.Block)
	if err != nil {
		return
	}
	b.mu.Lock()
	if !b.used || b.changeCount != r.ChangeCount {
		b.mu.Unlock()
		return
	}
	b.used = false
	b.changeCount = (b.changeCount + 1) & page.ChangeCountMask
	clear(b.img[:])
	b.mu.Unlock()

	s.mu.Lock()
	s.free = append(s.free, r.Block)
	s.mu.Unlock()
}

// BeginIO registers an in-progress write and returns its downlink.
func (s *Store) BeginIO() page.Pending {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.ioNext++
	slot := s.ioNext
	s.io[slot] = make(chan struct{})
	return page.Pending{Slot: slot}
}

// EndIO completes the write registered by BeginIO and wakes its waiters.
func (s *Store) EndIO(p page.Pending) {
	s.ioMu.Lock()
	ch, ok := s.io[p.Slot]
	delete(s.io, p.Slot)
	s.ioMu.Unlock()
	if ok {
		close(ch)
	}
}

// WaitIO blocks until the write behind p completes.
func (s *Store) WaitIO(ctx context.Context, p page.Pending) error {
	s.ioMu.Lock()
	ch, ok := s.io[p.Slot]
	s.ioMu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	resident := len(s.blocks) - len(s.free)
	s.mu.RUnlock()
	s.genMu.Lock()
	gens := len(s.gens)
	s.genMu.Unlock()
	return Stats{
		ResidentBlocks: resident,
		DiskReads:      s.diskReads.Load(),
		CacheHits:      s.cacheHits.Load(),
		Generations:    gens,
	}
}

// Close releases open checkpoint files. Further reads fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.genMu.Lock()
	defer s.genMu.Unlock()
	var firstErr error
	for _, g := range s.gens {
		if g.blob != nil {
			if err := g.blob.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			g.blob = nil
		}
	}
	return firstErr
}

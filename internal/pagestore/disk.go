package pagestore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/btscan/internal/compress"
	"github.com/hupe1980/btscan/internal/page"
)

// FileName returns the blob name of a checkpoint generation.
func FileName(gen uint32) string {
	return fmt.Sprintf("pages-%08d.dat", gen)
}

// WriteCheckpoint encodes imgs into the file of generation gen and returns
// their addresses, in order.
func (s *Store) WriteCheckpoint(ctx context.Context, gen uint32, imgs []*page.Image) ([]page.OnDisk, error) {
	frames := make([][]byte, len(imgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range imgs {
		if err := s.rc.AcquireWorker(gctx); err != nil {
			break
		}
		g.Go(func() error {
			defer s.rc.ReleaseWorker()
			frame, err := compress.Encode(s.codec, img[:img.Used()])
			if err != nil {
				return err
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var size int
	for _, f := range frames {
		size += len(f)
	}
	data := make([]byte, 0, size)
	addrs := make([]page.OnDisk, len(frames))
	live := roaring.New()
	for i, f := range frames {
		off := uint64(len(data))
		addrs[i] = page.NewOnDisk(gen, off)
		live.Add(uint32(off))
		data = append(data, f...)
	}

	if err := s.blobs.Put(ctx, FileName(gen), data); err != nil {
		return nil, fmt.Errorf("pagestore: write checkpoint %d: %w", gen, err)
	}

	s.genMu.Lock()
	s.gens[gen] = &generation{live: live}
	s.genMu.Unlock()

	s.logger.Debug("checkpoint file written", "generation", gen, "pages", len(imgs), "bytes", len(data))
	return addrs, nil
}

func (s *Store) openGeneration(ctx context.Context, gen uint32) (*generation, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	g, ok := s.gens[gen]
	if !ok {
		return nil, fmt.Errorf("unknown checkpoint generation %d", gen)
	}
	if g.blob == nil {
		b, err := s.blobs.Open(ctx, FileName(gen))
		if err != nil {
			return nil, err
		}
		g.blob = b
	}
	return g, nil
}

func readFull(ctx context.Context, r interface {
	ReadAt(context.Context, []byte, int64) (int, error)
}, p []byte, off int64) error {
	n, err := r.ReadAt(ctx, p, off)
	if n == len(p) && (err == nil || errors.Is(err, io.EOF)) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// ReadDisk reads the page at d into dst.
func (s *Store) ReadDisk(ctx context.Context, d page.OnDisk, dst *page.Image) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if s.cache.Get(d, dst) {
		s.cacheHits.Add(1)
		return nil
	}

	g, err := s.openGeneration(ctx, d.Generation())
	if err != nil {
		return &PageReadError{Addr: d, Err: err}
	}

	var hdr [compress.HeaderSize]byte
	if err := readFull(ctx, g.blob, hdr[:], int64(d.Offset())); err != nil {
		return &PageReadError{Addr: d, Err: err}
	}
	size, err := compress.FrameSize(hdr[:])
	if err != nil {
		return &PageReadError{Addr: d, Err: err}
	}
	if err := s.rc.AcquireIO(ctx, size); err != nil {
		return err
	}
	frame := make([]byte, size)
	if err := readFull(ctx, g.blob, frame, int64(d.Offset())); err != nil {
		return &PageReadError{Addr: d, Err: err}
	}

	clear(dst[:])
	if _, err := compress.Decode(frame, dst[:]); err != nil {
		return &PageReadError{Addr: d, Err: err}
	}
	s.diskReads.Add(1)
	s.cache.Set(d, dst)
	return nil
}

// Release marks the page at d as no longer referenced by the tree. gen is
// the current checkpoint generation.
func (s *Store) Release(d page.OnDisk, gen uint32) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	g, ok := s.gens[d.Generation()]
	if !ok {
		return
	}
	g.live.Remove(uint32(d.Offset()))
	if g.live.IsEmpty() {
		g.diedAt = gen
	}
}

// LivePages returns the number of referenced pages in generation gen.
func (s *Store) LivePages(gen uint32) int {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	g, ok := s.gens[gen]
	if !ok {
		return 0
	}
	return int(g.live.GetCardinality())
}

// Reclaim deletes files whose pages are all released, unless pinned
// reports that a scan registered at or before the generation in which the
// last page died may still read them.
func (s *Store) Reclaim(ctx context.Context, pinned func(diedAt uint32) bool) (int, error) {
	s.genMu.Lock()
	var victims []uint32
	for gen, g := range s.gens {
		if g.live.IsEmpty() && !pinned(g.diedAt) {
			victims = append(victims, gen)
		}
	}
	s.genMu.Unlock()

	n := 0
	for _, gen := range victims {
		s.genMu.Lock()
		g := s.gens[gen]
		delete(s.gens, gen)
		s.genMu.Unlock()

		if g.blob != nil {
			_ = g.blob.Close()
		}
		s.cache.InvalidateGeneration(gen)
		if err := s.blobs.Delete(ctx, FileName(gen)); err != nil {
			return n, err
		}
		n++
		s.logger.Debug("checkpoint file reclaimed", "generation", gen)
	}
	return n, nil
}

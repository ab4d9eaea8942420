package scan

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/model"
)

// slot holds one level-1 page of the walk.
type slot struct {
	img    page.Image
	loaded bool
	// start is the item located for startLow, the high key of the previous
	// page (nil for the first page). Its range begins at startLow rather
	// than at its own key.
	start    int
	startLow []byte
	// first is the first item handed out. It is start+1 when the range of
	// start went to the fallback iterator.
	first   int
	readCSN model.CSN
	seq     uint64
}

// low returns the inclusive lower bound of item i.
func (s *slot) low(i int) []byte {
	if i == s.start {
		return s.startLow
	}
	return bytes.Clone(s.img.Key(i))
}

func (s *slot) downlink(i int) (page.Downlink, KeyRange, error) {
	raw := s.img.Downlink(i)
	dl := page.Classify(raw)
	if dl == nil {
		return nil, KeyRange{}, fmt.Errorf("%w: %#x at item %d", ErrBadDownlink, raw, i)
	}
	return dl, KeyRange{Low: s.low(i), High: itemHigh(&s.img, i)}, nil
}

type stepKind int

const (
	stepDownlink stepKind = iota
	// stepIterator: loading a page found a range that has to be read
	// through the fallback iterator, left in Scan.pending.
	stepIterator
	// stepSingleLeaf: the tree is a single leaf, now in Scan.leaf.
	stepSingleLeaf
	stepDone
)

type step struct {
	kind    stepKind
	dl      page.Downlink
	r       KeyRange
	readCSN model.CSN
}

// loadInternal reads the level-1 page that follows prev into s. When the
// tree is a single leaf the leaf is handed to the scan and false is
// returned.
//
// The item located for prev must start exactly at prev. If it does not,
// the tree changed between reading the previous page and this one, and
// the range from prev to the end of that item is left for the fallback
// iterator.
func (sc *Scan) loadInternal(ctx context.Context, prev []byte, s *slot) (bool, error) {
	loc, err := sc.tree.Locate(ctx, prev, 1, &s.img)
	if err != nil {
		return false, err
	}
	if s.img.IsLeaf() {
		if prev != nil {
			return false, fmt.Errorf("scan: level-1 page for %q is a leaf", prev)
		}
		sc.takeLeaf(&s.img, loc.Hint)
		return false, nil
	}

	s.loaded = true
	s.start = loc.Index
	s.startLow = prev
	s.first = loc.Index
	s.readCSN = loc.ReadCSN
	s.seq++
	sc.stats.InternalPages++

	if prev == nil {
		return true, nil
	}
	low := loc.Low
	if s.start > 0 {
		low = s.img.Key(s.start)
	}
	if !boundsEqual(low, prev) {
		sc.pending = &KeyRange{Low: prev, High: itemHigh(&s.img, s.start)}
		s.first = s.start + 1
		sc.logger.Debug("internal page boundary moved", "prev", prev, "low", low)
	}
	return true, nil
}

// takeLeaf makes img the current leaf of a single-leaf tree.
func (sc *Scan) takeLeaf(img *page.Image, hint model.LocationHint) {
	sc.leaf = *img
	sc.leafLoc = 0
	sc.hint = hint
	sc.singleLeaf = true
}

// localWalk is the walk state of a scan without parallel workers.
type localWalk struct {
	s       slot
	offset  int
	started bool
	done    bool
}

func (sc *Scan) nextLocal(ctx context.Context) (step, error) {
	w := &sc.walk
	for {
		if w.done {
			return step{kind: stepDone}, nil
		}
		if !w.s.loaded {
			var prev []byte
			if w.started {
				prev = bytes.Clone(w.s.img.HiKey())
			}
			internal, err := sc.loadInternal(ctx, prev, &w.s)
			if err != nil {
				return step{}, err
			}
			w.started = true
			if !internal {
				w.done = true
				return step{kind: stepSingleLeaf}, nil
			}
			w.offset = w.s.first
			if sc.pending != nil {
				return step{kind: stepIterator}, nil
			}
		}
		if w.s.img.Valid(w.offset) {
			dl, r, err := w.s.downlink(w.offset)
			if err != nil {
				return step{}, err
			}
			w.offset++
			return step{kind: stepDownlink, dl: dl, r: r, readCSN: w.s.readCSN}, nil
		}
		if w.s.img.IsRightmost() {
			w.done = true
			return step{kind: stepDone}, nil
		}
		w.s.loaded = false
	}
}

func (sc *Scan) nextDownlink(ctx context.Context) (step, error) {
	if sc.par != nil {
		return sc.nextShared(ctx)
	}
	return sc.nextLocal(ctx)
}

// advanceInternal moves the in-memory phase to the next leaf. It reports
// false when the level-1 pages are exhausted.
func (sc *Scan) advanceInternal(ctx context.Context) (bool, error) {
	for {
		st, err := sc.nextDownlink(ctx)
		if err != nil {
			return false, err
		}
		switch st.kind {
		case stepDone:
			return false, nil
		case stepSingleLeaf:
			sc.stats.LeafPages++
			return true, sc.loadFirstHistorical(ctx)
		case stepIterator:
			r := *sc.pending
			sc.pending = nil
			return true, sc.openIterator(ctx, r)
		}

		if !sc.keep(st.r) {
			sc.stats.SkippedDownlinks++
			continue
		}
		read, err := sc.follow(ctx, st.dl, st.r, st.readCSN)
		if err != nil || read {
			return read, err
		}
	}
}

// follow reads the leaf behind dl, or hands its range to the fallback
// iterator. It reports false when dl was batched for the disk phase.
func (sc *Scan) follow(ctx context.Context, dl page.Downlink, r KeyRange, readCSN model.CSN) (bool, error) {
	for {
		switch d := dl.(type) {
		case page.OnDisk:
			sc.disk.add(d, readCSN)
			return false, nil
		case page.Resident:
			return true, sc.readLeaf(ctx, d, r)
		case page.Pending:
			next, csn, err := sc.awaitPending(ctx, d, r)
			if err != nil || next == nil {
				return true, err
			}
			dl, readCSN = next, csn
		default:
			return false, fmt.Errorf("%w: %v", ErrBadDownlink, dl)
		}
	}
}

// readLeaf copies a resident leaf. A leaf whose block was reused, or whose
// high key no longer ends the expected range, is read through the fallback
// iterator instead.
func (sc *Scan) readLeaf(ctx context.Context, d page.Resident, r KeyRange) error {
	ok, err := sc.tree.ReadResident(ctx, d, &sc.leaf)
	if err != nil {
		return err
	}
	if !ok || !boundsEqual(sc.leaf.HiKey(), r.High) {
		sc.logger.Debug("leaf changed under scan", "block", d.Block, "range", r, "reused", !ok)
		return sc.openIterator(ctx, r)
	}
	sc.stats.LeafPages++
	sc.leafLoc = 0
	sc.hint = model.LocationHint{Block: d.Block, ChangeCount: d.ChangeCount}
	return sc.loadFirstHistorical(ctx)
}

// awaitPending waits for the write behind p and classifies the downlink
// covering r again. If the parent no longer holds an item with exactly
// that range, nil is returned and r is read through the fallback iterator.
func (sc *Scan) awaitPending(ctx context.Context, p page.Pending, r KeyRange) (page.Downlink, model.CSN, error) {
	if err := sc.tree.WaitIO(ctx, p); err != nil {
		return nil, 0, err
	}
	sc.stats.PendingWaits++

	var img page.Image
	loc, err := sc.tree.Locate(ctx, r.Low, 1, &img)
	if err != nil {
		return nil, 0, err
	}
	if !img.IsLeaf() {
		i := loc.Index
		low := loc.Low
		if i > 0 {
			low = img.Key(i)
		}
		if boundsEqual(low, r.Low) && boundsEqual(itemHigh(&img, i), r.High) {
			raw := img.Downlink(i)
			dl := page.Classify(raw)
			if dl == nil {
				return nil, 0, fmt.Errorf("%w: %#x", ErrBadDownlink, raw)
			}
			return dl, loc.ReadCSN, nil
		}
	}
	return nil, 0, sc.openIterator(ctx, r)
}

// keep applies the range callback or the sampler to the downlink covering
// r. The callback takes precedence.
func (sc *Scan) keep(r KeyRange) bool {
	if sc.cb != nil && sc.cb.IsRangeValid != nil {
		return sc.cb.IsRangeValid(r.Low, r.High)
	}
	if sc.sampler == nil {
		return true
	}
	n := sc.sampleNo
	sc.sampleNo++
	if n < sc.sampleNext {
		return false
	}
	next, ok := sc.sampler.Next()
	if !ok {
		next = noMoreSamples
	}
	sc.sampleNext = next
	return true
}

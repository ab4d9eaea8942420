package vtree

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/btscan/internal/page"
)

type evictee struct {
	parent *pathEntry
	idx    int
	ref    page.Resident
	img    page.Image
}

// forEachLevelOne calls fn for every level-1 page in key order. fn may
// modify e.img; the page is not written back.
func (t *Tree) forEachLevelOne(fn func(e *pathEntry) error) error {
	var walk func(ref page.Resident, low, high []byte) error
	walk = func(ref page.Resident, low, high []byte) error {
		e := &pathEntry{ref: ref, low: low, high: high}
		if !t.store.Read(ref, &e.img) {
			return fmt.Errorf("%w: block %d", ErrCorrupt, ref.Block)
		}
		switch {
		case e.img.IsLeaf():
			return nil
		case e.img.Level() == 1:
			return fn(e)
		}
		for i := range e.img.Count() {
			child, ok := page.Classify(e.img.Downlink(i)).(page.Resident)
			if !ok {
				return fmt.Errorf("%w: internal page not resident", ErrCorrupt)
			}
			clow, chigh := childRange(&e.img, i, low, high)
			if err := walk(child, clow, chigh); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.root, nil, nil)
}

// Checkpoint writes every resident leaf whose low key satisfies sel (all
// leaves when sel is nil) to the file of a new generation and points the
// parents at the on-disk copies. A single-leaf tree has nothing to evict.
// It returns the completed generation and the number of pages written.
func (t *Tree) Checkpoint(ctx context.Context, sel func(low []byte) bool) (uint32, int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	gen := t.tracker.Begin()
	t.mu.Lock()
	n, err := t.evict(ctx, gen, sel)
	t.mu.Unlock()
	if err != nil {
		t.tracker.Abort()
		return 0, 0, err
	}
	t.tracker.Complete(gen)
	t.logger.Debug("checkpoint complete", "generation", gen, "pages", n)
	return gen, n, nil
}

func (t *Tree) evict(ctx context.Context, gen uint32, sel func(low []byte) bool) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}
	var victims []*evictee
	var parents []*pathEntry
	err := t.forEachLevelOne(func(e *pathEntry) error {
		selected := false
		for i := range e.img.Count() {
			ref, ok := page.Classify(e.img.Downlink(i)).(page.Resident)
			if !ok {
				continue
			}
			low, _ := childRange(&e.img, i, e.low, e.high)
			if sel != nil && !sel(low) {
				continue
			}
			v := &evictee{parent: e, idx: i, ref: ref}
			if !t.store.Read(ref, &v.img) {
				return fmt.Errorf("%w: block %d", ErrCorrupt, ref.Block)
			}
			victims = append(victims, v)
			selected = true
		}
		if selected {
			parents = append(parents, e)
		}
		return nil
	})
	if err != nil || len(victims) == 0 {
		return 0, err
	}

	imgs := make([]*page.Image, len(victims))
	for i, v := range victims {
		imgs[i] = &v.img
	}
	addrs, err := t.store.WriteCheckpoint(ctx, gen, imgs)
	if err != nil {
		return 0, err
	}
	for i, v := range victims {
		v.parent.img.SetDownlink(v.idx, addrs[i].Raw())
	}
	for _, e := range parents {
		if !t.store.Write(e.ref, &e.img) {
			return 0, fmt.Errorf("%w: block %d", ErrCorrupt, e.ref.Block)
		}
	}
	for _, v := range victims {
		t.store.Free(v.ref)
	}
	return len(victims), nil
}

// BeginWrite marks the leaf covering key as being written. Readers that
// meet its downlink wait until the returned function runs, after which the
// downlink points at the leaf again.
func (t *Tree) BeginWrite(ctx context.Context, key []byte) (func(), error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var (
		pending page.Pending
		ref     page.Resident
	)
	err := t.modify(ctx, key, func(lc *leafCtx) error {
		parent := lc.parent()
		if parent == nil {
			return ErrRootLeaf
		}
		pending = t.store.BeginIO()
		ref = lc.ref
		parent.img.SetDownlink(parent.idx, pending.Raw())
		if !t.store.Write(parent.ref, &parent.img) {
			t.store.EndIO(pending)
			return fmt.Errorf("%w: block %d", ErrCorrupt, parent.ref.Block)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key = bytes.Clone(key)
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if err := t.replaceDownlink(key, pending.Raw(), ref.Raw()); err != nil {
				t.logger.Error("restore pending downlink", "error", err)
			}
			t.mu.Unlock()
			t.store.EndIO(pending)
		})
	}, nil
}

// replaceDownlink swaps old for new in the level-1 page covering key.
// Callers hold t.mu.
func (t *Tree) replaceDownlink(key []byte, old, new uint64) error {
	ref := t.root
	var img page.Image
	for {
		if !t.store.Read(ref, &img) {
			return fmt.Errorf("%w: block %d", ErrCorrupt, ref.Block)
		}
		if img.Level() == 1 {
			break
		}
		child, ok := page.Classify(img.Downlink(page.SearchInternal(&img, key))).(page.Resident)
		if !ok {
			return fmt.Errorf("%w: internal page not resident", ErrCorrupt)
		}
		ref = child
	}
	for i := range img.Count() {
		if img.Downlink(i) == old {
			img.SetDownlink(i, new)
			if !t.store.Write(ref, &img) {
				return fmt.Errorf("%w: block %d", ErrCorrupt, ref.Block)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: pending downlink not found", ErrCorrupt)
}

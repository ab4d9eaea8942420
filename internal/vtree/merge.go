package vtree

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/undo"
)

// MergeLeaves merges the leaf covering key with its right sibling under
// the same parent. The merged page keeps the left block and records both
// former pages in one undo record; the right block is freed.
func (t *Tree) MergeLeaves(ctx context.Context, key []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	return t.modify(ctx, key, func(lc *leafCtx) error {
		parent := lc.parent()
		if parent == nil {
			return ErrRootLeaf
		}
		ridx := parent.idx + 1
		if ridx >= parent.img.Count() {
			return ErrNoSibling
		}

		var rref page.Resident
		switch d := page.Classify(parent.img.Downlink(ridx)).(type) {
		case page.Resident:
			rref = d
		case page.OnDisk:
			// loadLeaf rewrites the parent entry at e.idx.
			sib := *parent
			sib.idx = ridx
			r, err := t.loadLeaf(ctx, &sib, d)
			if err != nil {
				return err
			}
			parent.img = sib.img
			rref = r
		default:
			return fmt.Errorf("%w: sibling is being written", ErrNoSibling)
		}
		var right page.Image
		if !t.store.Read(rref, &right) {
			return fmt.Errorf("%w: block %d", ErrCorrupt, rref.Block)
		}

		sep := bytes.Clone(parent.img.Key(ridx))
		_, rhigh := childRange(&parent.img, ridx, parent.low, parent.high)

		items := append(lc.img.LeafItems(), right.LeafItems()...)
		flags := lc.img.Flags() | right.Flags()&page.FlagRightmost
		hikey := bytes.Clone(right.HiKey())
		b := leafBuilder(flags, hikey, items)
		if len(items) > t.maxLeaf || !b.Fits() {
			return ErrMergeOverflow
		}

		left := lc.img
		loc, err := t.undo.AppendPage(
			undo.PageVersion{Low: lc.low, High: sep, Image: &left},
			undo.PageVersion{Low: sep, High: rhigh, Image: &right},
		)
		if err != nil {
			return err
		}
		c := t.nextCSN()
		var img page.Image
		if err := b.SetCSN(c).SetUndo(loc).Build(&img); err != nil {
			return err
		}
		if !t.store.Write(lc.ref, &img) {
			return fmt.Errorf("%w: block %d", ErrCorrupt, lc.ref.Block)
		}
		if err := t.removeChild(parent, ridx); err != nil {
			return err
		}
		t.store.Free(rref)
		t.publish(c)
		t.logger.Debug("leaves merged", "block", lc.ref.Block, "freed", rref.Block, "csn", c)
		return nil
	})
}

func (t *Tree) removeChild(e *pathEntry, idx int) error {
	items := slices.Delete(e.img.InternalItems(), idx, idx+1)
	var img page.Image
	if err := internalBuilder(e.img.Level(), e.img.Flags(), bytes.Clone(e.img.HiKey()), items).
		SetCSN(t.nextCSN()).
		Build(&img); err != nil {
		return err
	}
	if !t.store.Write(e.ref, &img) {
		return fmt.Errorf("%w: block %d", ErrCorrupt, e.ref.Block)
	}
	e.img = img
	return nil
}

// MergeInternal merges the level-1 page covering key with its right
// sibling under the same parent. The separator becomes the key of the
// sibling's first downlink.
func (t *Tree) MergeInternal(ctx context.Context, key []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	return t.modify(ctx, key, func(lc *leafCtx) error {
		if len(lc.path) < 2 {
			return ErrNoSibling
		}
		p := lc.path[len(lc.path)-1]
		g := lc.path[len(lc.path)-2]
		qidx := g.idx + 1
		if qidx >= g.img.Count() {
			return ErrNoSibling
		}
		qref, ok := page.Classify(g.img.Downlink(qidx)).(page.Resident)
		if !ok {
			return fmt.Errorf("%w: internal page not resident", ErrCorrupt)
		}
		var q page.Image
		if !t.store.Read(qref, &q) {
			return fmt.Errorf("%w: block %d", ErrCorrupt, qref.Block)
		}

		qitems := q.InternalItems()
		qitems[0].Key = bytes.Clone(g.img.Key(qidx))
		items := append(p.img.InternalItems(), qitems...)
		flags := p.img.Flags() | q.Flags()&page.FlagRightmost
		b := internalBuilder(p.img.Level(), flags, bytes.Clone(q.HiKey()), items)
		if !b.Fits() {
			return ErrMergeOverflow
		}
		var img page.Image
		if err := b.SetCSN(t.nextCSN()).Build(&img); err != nil {
			return err
		}
		if !t.store.Write(p.ref, &img) {
			return fmt.Errorf("%w: block %d", ErrCorrupt, p.ref.Block)
		}
		if err := t.removeChild(g, qidx); err != nil {
			return err
		}
		t.store.Free(qref)
		t.logger.Debug("internal pages merged", "block", p.ref.Block, "freed", qref.Block)
		return nil
	})
}

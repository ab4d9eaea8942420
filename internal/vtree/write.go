package vtree

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/undo"
	"github.com/hupe1980/btscan/model"
)

// maxTupleSize keeps at least two tuples per leaf.
const maxTupleSize = (page.Size - 256) / 2

func checkTuple(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", ErrTupleTooLarge)
	}
	if len(key)+len(value) > maxTupleSize {
		return fmt.Errorf("%w: %d bytes", ErrTupleTooLarge, len(key)+len(value))
	}
	return nil
}

func findItem(items []page.LeafItem, key []byte) (int, bool) {
	return slices.BinarySearchFunc(items, key, func(it page.LeafItem, k []byte) int {
		return bytes.Compare(it.Key, k)
	})
}

func previousVersion(it page.LeafItem) undo.TupleVersion {
	return undo.TupleVersion{
		Value:   it.Value,
		Deleted: it.Deleted,
		XID:     it.XID,
		CSN:     it.CSN,
		Prev:    it.Undo,
	}
}

// Put writes key in its own transaction and returns the commit CSN.
func (t *Tree) Put(ctx context.Context, key, value []byte) (model.CSN, error) {
	if err := checkTuple(key, value); err != nil {
		return 0, err
	}
	return t.autocommit(ctx, []model.Tuple{{Key: key, Value: value}}, false)
}

// Delete removes key in its own transaction. Deleting an absent key
// returns the current CSN and changes nothing.
func (t *Tree) Delete(ctx context.Context, key []byte) (model.CSN, error) {
	return t.autocommit(ctx, []model.Tuple{{Key: key}}, true)
}

// Load writes all tuples under a single commit.
func (t *Tree) Load(ctx context.Context, tuples []model.Tuple) (model.CSN, error) {
	for _, tu := range tuples {
		if err := checkTuple(tu.Key, tu.Value); err != nil {
			return 0, err
		}
	}
	return t.autocommit(ctx, tuples, false)
}

func (t *Tree) autocommit(ctx context.Context, tuples []model.Tuple, del bool) (model.CSN, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	xid := t.newXID()
	c := t.nextCSN()
	changed := false
	var err error
	for _, tu := range tuples {
		err = t.modify(ctx, tu.Key, func(lc *leafCtx) error {
			ok, err := t.writeVersion(ctx, lc, tu.Key, tu.Value, del, c, xid)
			changed = changed || ok
			return err
		})
		if err != nil {
			break
		}
	}
	if !changed {
		return t.CSN(), err
	}
	t.publish(c)
	return c, err
}

// writeVersion applies a committed write at csn with a page undo record.
func (t *Tree) writeVersion(ctx context.Context, lc *leafCtx, key, value []byte, del bool, csn model.CSN, xid model.XID) (bool, error) {
	items := lc.img.LeafItems()
	i, found := findItem(items, key)
	if found && items[i].CSN == model.CSNInProgress {
		return false, fmt.Errorf("%w: key %q", ErrWriteConflict, key)
	}
	if del && (!found || items[i].Deleted) {
		return false, nil
	}

	prev := undo.TupleVersion{Absent: true}
	if found {
		prev = previousVersion(items[i])
	}
	tloc, err := t.undo.AppendTuple(prev)
	if err != nil {
		return false, err
	}
	it := page.LeafItem{Key: bytes.Clone(key), Deleted: del, XID: xid, CSN: csn, Undo: tloc}
	if !del {
		it.Value = bytes.Clone(value)
	}
	if found {
		items[i] = it
	} else {
		items = slices.Insert(items, i, it)
	}

	if err := t.rewriteLeaf(ctx, lc, items, csn); err != nil {
		return false, err
	}
	if err := t.index.put(key, it.Value, del, csn, xid); err != nil {
		return false, err
	}
	return true, nil
}

func leafBuilder(flags page.Flags, hikey []byte, items []page.LeafItem) *page.Builder {
	b := page.NewBuilder(0).SetFlags(flags).SetHiKey(hikey)
	for _, it := range items {
		b.AddLeaf(it)
	}
	return b
}

func internalBuilder(level int, flags page.Flags, hikey []byte, items []page.InternalItem) *page.Builder {
	b := page.NewBuilder(level).SetFlags(flags).SetHiKey(hikey)
	for _, it := range items {
		b.AddInternal(it)
	}
	return b
}

// rewriteLeaf replaces the leaf with items. A valid csn makes the change
// visible at page level: the former image goes to the undo log and the
// page CSN moves to csn. An invalid csn rewrites in place, unless the leaf
// has to split, which always takes a new CSN.
func (t *Tree) rewriteLeaf(ctx context.Context, lc *leafCtx, items []page.LeafItem, csn model.CSN) error {
	pre := lc.img
	b := leafBuilder(pre.Flags(), bytes.Clone(pre.HiKey()), items)
	if len(items) > t.maxLeaf || !b.Fits() {
		return t.splitLeaf(ctx, lc, &pre, items, csn)
	}

	pageCSN, undoLoc := pre.CSN(), pre.Undo()
	if csn != model.CSNInvalid {
		loc, err := t.undo.AppendPage(undo.PageVersion{Low: lc.low, High: lc.high, Image: &pre})
		if err != nil {
			return err
		}
		pageCSN, undoLoc = csn, loc
	}

	var img page.Image
	if err := b.SetCSN(pageCSN).SetUndo(undoLoc).Build(&img); err != nil {
		return err
	}
	if !t.store.Write(lc.ref, &img) {
		return fmt.Errorf("%w: block %d", ErrCorrupt, lc.ref.Block)
	}
	lc.img = img
	return nil
}

// clip builds the part of pre inside [low, high) as a page of its own.
func clip(pre *page.Image, low, high []byte, flags page.Flags, hikey []byte) (*page.Image, error) {
	b := page.NewBuilder(0).SetFlags(flags).SetHiKey(hikey).SetCSN(pre.CSN()).SetUndo(pre.Undo())
	for i := range pre.Count() {
		k := pre.Key(i)
		if low != nil && bytes.Compare(k, low) < 0 {
			continue
		}
		if high != nil && bytes.Compare(k, high) >= 0 {
			break
		}
		b.AddLeaf(pre.Leaf(i))
	}
	img := new(page.Image)
	if err := b.Build(img); err != nil {
		return nil, err
	}
	return img, nil
}

// splitPoint returns the index at which items are divided so both halves
// fit.
func splitPoint(items []page.LeafItem, flags page.Flags, hikey []byte) int {
	mid := len(items) / 2
	for mid > 1 && !leafBuilder(flags&^page.FlagRightmost, items[mid].Key, items[:mid]).Fits() {
		mid--
	}
	for mid < len(items)-1 && !leafBuilder(flags&^page.FlagLeftmost, hikey, items[mid:]).Fits() {
		mid++
	}
	return mid
}

// splitLeaf divides the leaf in two. The left half keeps the block and its
// change counter; the right half gets a new block. Each half records its
// own clipped share of pre in the undo log.
func (t *Tree) splitLeaf(ctx context.Context, lc *leafCtx, pre *page.Image, items []page.LeafItem, csn model.CSN) error {
	structural := csn == model.CSNInvalid
	if structural {
		csn = t.nextCSN()
	}

	flags := pre.Flags()
	hikey := bytes.Clone(pre.HiKey())
	mid := splitPoint(items, flags, hikey)
	sep := bytes.Clone(items[mid].Key)
	leftFlags := flags &^ page.FlagRightmost
	rightFlags := flags &^ page.FlagLeftmost

	leftPre, err := clip(pre, nil, sep, leftFlags, sep)
	if err != nil {
		return err
	}
	rightPre, err := clip(pre, sep, nil, rightFlags, hikey)
	if err != nil {
		return err
	}
	leftUndo, err := t.undo.AppendPage(undo.PageVersion{Low: lc.low, High: sep, Image: leftPre})
	if err != nil {
		return err
	}
	rightUndo, err := t.undo.AppendPage(undo.PageVersion{Low: sep, High: lc.high, Image: rightPre})
	if err != nil {
		return err
	}

	var left, right page.Image
	if err := leafBuilder(leftFlags, sep, items[:mid]).SetCSN(csn).SetUndo(leftUndo).Build(&left); err != nil {
		return err
	}
	if err := leafBuilder(rightFlags, hikey, items[mid:]).SetCSN(csn).SetUndo(rightUndo).Build(&right); err != nil {
		return err
	}
	if !t.store.Write(lc.ref, &left) {
		return fmt.Errorf("%w: block %d", ErrCorrupt, lc.ref.Block)
	}
	rref := t.store.Alloc(&right)
	t.logger.Debug("leaf split", "block", lc.ref.Block, "right", rref.Block, "sep", sep, "csn", csn)

	if err := t.insertChild(lc.path, 0, sep, rref); err != nil {
		return err
	}
	if structural {
		t.publish(csn)
	}
	return nil
}

// insertChild adds a downlink to child right of the entry taken in the
// last element of path, splitting internal pages upwards as needed. level
// is the level of child.
func (t *Tree) insertChild(path []*pathEntry, level int, sep []byte, child page.Resident) error {
	for i := len(path) - 1; ; i-- {
		if i < 0 {
			return t.growRoot(level+1, sep, child)
		}
		e := path[i]
		level = e.img.Level()
		flags := e.img.Flags()
		hikey := bytes.Clone(e.img.HiKey())
		items := slices.Insert(e.img.InternalItems(), e.idx+1, page.InternalItem{Downlink: child.Raw(), Key: sep})

		if b := internalBuilder(level, flags, hikey, items); len(items) <= t.maxInternal && b.Fits() {
			var img page.Image
			if err := b.SetCSN(t.nextCSN()).Build(&img); err != nil {
				return err
			}
			if !t.store.Write(e.ref, &img) {
				return fmt.Errorf("%w: block %d", ErrCorrupt, e.ref.Block)
			}
			e.img = img
			return nil
		}

		mid := len(items) / 2
		newSep := bytes.Clone(items[mid].Key)
		rightItems := slices.Clone(items[mid:])
		rightItems[0].Key = nil

		var left, right page.Image
		if err := internalBuilder(level, flags&^page.FlagRightmost, newSep, items[:mid]).SetCSN(t.nextCSN()).Build(&left); err != nil {
			return err
		}
		if err := internalBuilder(level, flags&^page.FlagLeftmost, hikey, rightItems).SetCSN(t.nextCSN()).Build(&right); err != nil {
			return err
		}
		if !t.store.Write(e.ref, &left) {
			return fmt.Errorf("%w: block %d", ErrCorrupt, e.ref.Block)
		}
		e.img = left
		child = t.store.Alloc(&right)
		sep = newSep
		t.logger.Debug("internal split", "level", level, "block", e.ref.Block, "right", child.Block)
	}
}

// growRoot puts a new root at level above the current root and child.
func (t *Tree) growRoot(level int, sep []byte, child page.Resident) error {
	var img page.Image
	err := page.NewBuilder(level).
		SetFlags(page.FlagLeftmost | page.FlagRightmost).
		SetCSN(t.nextCSN()).
		AddInternal(page.InternalItem{Downlink: t.root.Raw()}).
		AddInternal(page.InternalItem{Downlink: child.Raw(), Key: sep}).
		Build(&img)
	if err != nil {
		return err
	}
	t.root = t.store.Alloc(&img)
	t.logger.Debug("root grown", "level", level, "block", t.root.Block)
	return nil
}

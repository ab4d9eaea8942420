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

// Tx is a transaction. Its writes are applied to the leaves in place,
// stamped CSNInProgress and its XID, and become visible to others when
// Commit stamps them with the commit CSN.
type Tx struct {
	t        *Tree
	xid      model.XID
	snapshot model.CSN
	keys     map[string]struct{}
	done     bool
}

// BeginTx starts a transaction reading at the current CSN.
func (t *Tree) BeginTx() *Tx {
	tx := &Tx{
		t:    t,
		xid:  t.newXID(),
		keys: make(map[string]struct{}),
	}
	t.txMu.Lock()
	tx.snapshot = t.CSN()
	t.txs[tx.xid] = tx.snapshot
	t.txMu.Unlock()
	return tx
}

func (t *Tree) endTx(xid model.XID) {
	t.txMu.Lock()
	delete(t.txs, xid)
	t.txMu.Unlock()
}

// oldestTx returns the oldest snapshot of an open transaction, or
// CSNInProgress when there is none.
func (t *Tree) oldestTx() model.CSN {
	t.txMu.Lock()
	defer t.txMu.Unlock()
	oldest := model.CSNInProgress
	for _, snap := range t.txs {
		oldest = min(oldest, snap)
	}
	return oldest
}

// XID returns the transaction id.
func (tx *Tx) XID() model.XID { return tx.xid }

// Snapshot returns the CSN the transaction reads at.
func (tx *Tx) Snapshot() model.CSN { return tx.snapshot }

// Put writes key within the transaction.
func (tx *Tx) Put(ctx context.Context, key, value []byte) error {
	if err := checkTuple(key, value); err != nil {
		return err
	}
	return tx.write(ctx, key, value, false)
}

// Delete removes key within the transaction.
func (tx *Tx) Delete(ctx context.Context, key []byte) error {
	return tx.write(ctx, key, nil, true)
}

func (tx *Tx) write(ctx context.Context, key, value []byte, del bool) error {
	if tx.done {
		return ErrTxDone
	}
	t := tx.t
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var wrote bool
	err := t.modify(ctx, key, func(lc *leafCtx) error {
		items := lc.img.LeafItems()
		i, found := findItem(items, key)
		own := found && items[i].CSN == model.CSNInProgress && items[i].XID == tx.xid
		if found && items[i].CSN == model.CSNInProgress && !own {
			return fmt.Errorf("%w: key %q", ErrWriteConflict, key)
		}
		if del && (!found || (items[i].Deleted && !own)) {
			return nil
		}

		var tloc page.UndoLocation
		switch {
		case own:
			// The chain keeps pointing at the version before the
			// transaction, which is what Rollback restores.
			tloc = items[i].Undo
		default:
			prev := undo.TupleVersion{Absent: true}
			if found {
				prev = previousVersion(items[i])
			}
			loc, err := t.undo.AppendTuple(prev)
			if err != nil {
				return err
			}
			tloc = loc
		}

		it := page.LeafItem{Key: bytes.Clone(key), Deleted: del, XID: tx.xid, CSN: model.CSNInProgress, Undo: tloc}
		if !del {
			it.Value = bytes.Clone(value)
		}
		if found {
			items[i] = it
		} else {
			items = slices.Insert(items, i, it)
		}
		if err := t.rewriteLeaf(ctx, lc, items, model.CSNInvalid); err != nil {
			return err
		}
		wrote = true
		return t.index.put(key, it.Value, del, model.CSNInProgress, tx.xid)
	})
	if wrote {
		tx.keys[string(key)] = struct{}{}
	}
	return err
}

func (tx *Tx) sortedKeys() [][]byte {
	keys := make([][]byte, 0, len(tx.keys))
	for k := range tx.keys {
		keys = append(keys, []byte(k))
	}
	slices.SortFunc(keys, bytes.Compare)
	return keys
}

// Commit stamps every write of the transaction with a new CSN and
// publishes it. A read-only transaction commits at the current CSN.
func (tx *Tx) Commit(ctx context.Context) (model.CSN, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	tx.done = true
	t := tx.t
	defer t.endTx(tx.xid)
	if len(tx.keys) == 0 {
		return t.CSN(), nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	c := t.nextCSN()
	// Readers that meet an in-progress tuple of a committed transaction
	// resolve its CSN here, so the entry must exist before c is published.
	t.commits.Store(tx.xid, c)

	for _, key := range tx.sortedKeys() {
		err := t.modify(ctx, key, func(lc *leafCtx) error {
			i, found := findItem(lc.img.LeafItems(), key)
			if !found {
				return nil
			}
			it := lc.img.Leaf(i)
			if it.CSN != model.CSNInProgress || it.XID != tx.xid {
				return nil
			}
			img := lc.img
			img.SetLeafVersion(i, c, tx.xid)
			if !t.store.Write(lc.ref, &img) {
				return fmt.Errorf("%w: block %d", ErrCorrupt, lc.ref.Block)
			}
			return t.index.commit(key, c)
		})
		if err != nil {
			t.publish(c)
			return c, err
		}
	}
	t.publish(c)
	return c, nil
}

// Rollback restores the versions the transaction overwrote.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	t := tx.t
	defer t.endTx(tx.xid)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, key := range tx.sortedKeys() {
		err := t.modify(ctx, key, func(lc *leafCtx) error {
			items := lc.img.LeafItems()
			i, found := findItem(items, key)
			if !found || items[i].CSN != model.CSNInProgress || items[i].XID != tx.xid {
				return nil
			}
			prev, err := t.undo.Tuple(items[i].Undo)
			if err != nil {
				return err
			}
			if prev.Absent {
				items = slices.Delete(items, i, i+1)
			} else {
				items[i] = page.LeafItem{
					Key:     items[i].Key,
					Value:   prev.Value,
					Deleted: prev.Deleted,
					XID:     prev.XID,
					CSN:     prev.CSN,
					Undo:    prev.Prev,
				}
			}
			if err := t.rewriteLeaf(ctx, lc, items, model.CSNInvalid); err != nil {
				return err
			}
			return t.index.rollback(key)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

package vtree

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/hupe1980/btscan/model"
)

// Version keys are the escaped user key, a two byte terminator and the
// inverted big-endian CSN, so that all versions of a key are adjacent and
// sorted newest first, with uncommitted versions ahead of committed ones.
const (
	escape     = 0x00
	escaped    = 0xff
	terminator = 0x01

	flagDeleted = 1
	valueHeader = 9
)

type versionIndex struct {
	db *pebble.DB
}

func openIndex() (*versionIndex, error) {
	db, err := pebble.Open("versions", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("vtree: open version index: %w", err)
	}
	return &versionIndex{db: db}, nil
}

func (x *versionIndex) close() error { return x.db.Close() }

func appendUserKey(dst, key []byte) []byte {
	for _, b := range key {
		if b == escape {
			dst = append(dst, escape, escaped)
			continue
		}
		dst = append(dst, b)
	}
	return append(dst, escape, terminator)
}

func versionKey(key []byte, csn model.CSN) []byte {
	k := appendUserKey(make([]byte, 0, len(key)+10), key)
	return binary.BigEndian.AppendUint64(k, ^uint64(csn))
}

// keyBounds returns the pebble range holding every version of key.
func keyBounds(key []byte) (lower, upper []byte) {
	lower = appendUserKey(nil, key)
	upper = bytes.Clone(lower)
	upper[len(upper)-1]++
	return lower, upper
}

var errBadVersionKey = errors.New("vtree: malformed version key")

func decodeVersionKey(k []byte) ([]byte, model.CSN, error) {
	if len(k) < 10 {
		return nil, 0, errBadVersionKey
	}
	csn := model.CSN(^binary.BigEndian.Uint64(k[len(k)-8:]))
	body := k[:len(k)-8]
	user := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		if body[i] != escape {
			user = append(user, body[i])
			continue
		}
		if i+1 >= len(body) {
			return nil, 0, errBadVersionKey
		}
		switch body[i+1] {
		case escaped:
			user = append(user, escape)
			i++
		case terminator:
			if i+2 != len(body) {
				return nil, 0, errBadVersionKey
			}
			return user, csn, nil
		default:
			return nil, 0, errBadVersionKey
		}
	}
	return nil, 0, errBadVersionKey
}

type version struct {
	value   []byte
	deleted bool
	xid     model.XID
	csn     model.CSN
}

func encodeValue(value []byte, deleted bool, xid model.XID) []byte {
	v := make([]byte, valueHeader, valueHeader+len(value))
	if deleted {
		v[0] = flagDeleted
	}
	binary.LittleEndian.PutUint64(v[1:], uint64(xid))
	return append(v, value...)
}

func decodeValue(v []byte, csn model.CSN) (version, error) {
	if len(v) < valueHeader {
		return version{}, errBadVersionKey
	}
	return version{
		value:   bytes.Clone(v[valueHeader:]),
		deleted: v[0]&flagDeleted != 0,
		xid:     model.XID(binary.LittleEndian.Uint64(v[1:])),
		csn:     csn,
	}, nil
}

func (x *versionIndex) put(key, value []byte, deleted bool, csn model.CSN, xid model.XID) error {
	return x.db.Set(versionKey(key, csn), encodeValue(value, deleted, xid), pebble.NoSync)
}

// commit moves the uncommitted version of key to csn.
func (x *versionIndex) commit(key []byte, csn model.CSN) error {
	from := versionKey(key, model.CSNInProgress)
	v, closer, err := x.db.Get(from)
	if err != nil {
		return fmt.Errorf("vtree: commit %q: %w", key, err)
	}
	v = bytes.Clone(v)
	if err := closer.Close(); err != nil {
		return err
	}
	b := x.db.NewBatch()
	if err := b.Delete(from, nil); err != nil {
		return err
	}
	if err := b.Set(versionKey(key, csn), v, nil); err != nil {
		return err
	}
	return b.Commit(pebble.NoSync)
}

func (x *versionIndex) rollback(key []byte) error {
	return x.db.Delete(versionKey(key, model.CSNInProgress), pebble.NoSync)
}

// prune drops the versions no snapshot at or above horizon can see: all
// but the newest committed version at or below horizon, and that one as
// well when it is a deletion with a newer committed version above it.
func (x *versionIndex) prune(horizon model.CSN) (n int, err error) {
	iter, err := x.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		err = errors.Join(err, iter.Close())
	}()
	b := x.db.NewBatch()
	defer b.Close()

	var (
		cur   []byte
		newer bool
		kept  bool
	)
	for valid := iter.First(); valid; valid = iter.Next() {
		user, csn, err := decodeVersionKey(iter.Key())
		if err != nil {
			return 0, err
		}
		if !bytes.Equal(user, cur) {
			cur, newer, kept = user, false, false
		}
		if csn == model.CSNInProgress {
			continue
		}
		if csn > horizon {
			newer = true
			continue
		}
		drop := kept
		if !kept {
			v := iter.Value()
			if len(v) < valueHeader {
				return 0, errBadVersionKey
			}
			kept = true
			drop = newer && v[0]&flagDeleted != 0
		}
		if drop {
			if err := b.Delete(iter.Key(), nil); err != nil {
				return 0, err
			}
			n++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, b.Commit(pebble.NoSync)
}

// PruneVersions drops the versions only snapshots below horizon could
// read. The horizon is lowered to the oldest snapshot of an open
// transaction. Reads of the version index below the horizon fail with
// ErrSnapshotTooOld afterwards.
func (t *Tree) PruneVersions(ctx context.Context, horizon model.CSN) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, ErrClosed
	}

	horizon = min(horizon, t.CSN(), t.oldestTx())
	if horizon <= model.CSN(t.pruned.Load()) {
		return 0, nil
	}
	// Readers opened from here on check the new horizon.
	t.pruned.Store(uint64(horizon))
	n, err := t.index.prune(horizon)
	if err != nil {
		return 0, fmt.Errorf("vtree: prune versions: %w", err)
	}
	t.logger.Debug("versions pruned", "horizon", horizon, "versions", n)
	return n, nil
}

// checkHorizon fails for snapshots the version index may no longer
// answer. Callers check after opening their pebble iterator, which then
// predates any prune that could affect snapshot.
func (t *Tree) checkHorizon(snapshot model.CSN) error {
	if h := model.CSN(t.pruned.Load()); snapshot < h {
		return fmt.Errorf("%w: snapshot %d, horizon %d", ErrSnapshotTooOld, snapshot, h)
	}
	return nil
}

// Get returns the value of key visible to snapshot for transaction xid.
func (t *Tree) Get(ctx context.Context, key []byte, snapshot model.CSN, xid model.XID) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	lower, upper := keyBounds(key)
	iter, err := t.index.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()
	if err := t.checkHorizon(snapshot); err != nil {
		return nil, false, err
	}

	for valid := iter.First(); valid; valid = iter.Next() {
		_, csn, err := decodeVersionKey(iter.Key())
		if err != nil {
			return nil, false, err
		}
		v, err := decodeValue(iter.Value(), csn)
		if err != nil {
			return nil, false, err
		}
		if _, ok := t.visible(v.csn, v.xid, snapshot, xid); ok {
			if v.deleted {
				return nil, false, nil
			}
			return v.value, true, nil
		}
	}
	return nil, false, iter.Error()
}

// Iterator is the ordered fallback iterator over the version index.
type Iterator struct {
	t        *Tree
	iter     *pebble.Iterator
	snapshot model.CSN
	xid      model.XID
	valid    bool
}

var _ model.TupleIterator = (*Iterator)(nil)

// OpenIterator returns an iterator over keys >= low (all keys when low is
// nil) as seen by snapshot and transaction xid.
func (t *Tree) OpenIterator(ctx context.Context, low []byte, snapshot model.CSN, xid model.XID) (model.TupleIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := &pebble.IterOptions{}
	if low != nil {
		opts.LowerBound = appendUserKey(nil, low)
	}
	iter, err := t.index.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	if err := t.checkHorizon(snapshot); err != nil {
		return nil, errors.Join(err, iter.Close())
	}
	return &Iterator{t: t, iter: iter, snapshot: snapshot, xid: xid, valid: iter.First()}, nil
}

// versions collects all versions of the key under the cursor and leaves
// the cursor on the next key. It stops without moving when that key is at
// or beyond end.
func (it *Iterator) versions(end []byte) ([]byte, []version, bool, error) {
	if !it.valid {
		return nil, nil, false, it.iter.Error()
	}
	user, csn, err := decodeVersionKey(it.iter.Key())
	if err != nil {
		return nil, nil, false, err
	}
	if end != nil && bytes.Compare(user, end) >= 0 {
		return nil, nil, false, nil
	}
	var vs []version
	for {
		v, err := decodeValue(it.iter.Value(), csn)
		if err != nil {
			return nil, nil, false, err
		}
		vs = append(vs, v)
		if it.valid = it.iter.Next(); !it.valid {
			break
		}
		var next []byte
		next, csn, err = decodeVersionKey(it.iter.Key())
		if err != nil {
			return nil, nil, false, err
		}
		if !bytes.Equal(next, user) {
			break
		}
	}
	return user, vs, true, nil
}

// Next returns the next visible tuple below end.
func (it *Iterator) Next(ctx context.Context, end []byte) (model.Item, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Item{}, false, err
		}
		key, vs, ok, err := it.versions(end)
		if !ok || err != nil {
			return model.Item{}, false, err
		}
		for _, v := range vs {
			csn, visible := it.t.visible(v.csn, v.xid, it.snapshot, it.xid)
			if !visible {
				continue
			}
			if v.deleted {
				break
			}
			return model.Item{
				Tuple: model.Tuple{Key: key, Value: v.value},
				CSN:   csn,
				Hint:  model.NoHint,
			}, true, nil
		}
	}
}

// NextRaw returns the newest physical version of the next key below end,
// deleted or not.
func (it *Iterator) NextRaw(ctx context.Context, end []byte) (model.RawItem, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.RawItem{}, false, err
	}
	key, vs, ok, err := it.versions(end)
	if !ok || err != nil {
		return model.RawItem{}, false, err
	}
	return model.RawItem{
		Tuple:   model.Tuple{Key: key, Value: vs[0].value},
		Deleted: vs[0].deleted,
		Hint:    model.NoHint,
	}, true, nil
}

func (it *Iterator) Close() error {
	return it.iter.Close()
}

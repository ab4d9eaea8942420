package vtree

import (
	"bytes"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/model"
)

// visible decides whether a version written by writer at csn is visible to
// snapshot for transaction own, and returns its effective CSN.
func (t *Tree) visible(csn model.CSN, writer model.XID, snapshot model.CSN, own model.XID) (model.CSN, bool) {
	if csn == model.CSNInProgress {
		if own != model.InvalidXID && writer == own {
			return csn, true
		}
		c, ok := t.commits.Load(writer)
		if !ok {
			return csn, false
		}
		csn = c.(model.CSN)
	}
	return csn, snapshot.Sees(csn)
}

// Resolve returns the version of leaf item loc of img that is visible to
// snapshot for transaction xid, walking the tuple's undo chain as needed.
// A reclaimed chain fails with undo.ErrReclaimed.
func (t *Tree) Resolve(img *page.Image, loc int, snapshot model.CSN, xid model.XID) (model.Tuple, model.CSN, bool, error) {
	it := img.Leaf(loc)
	v := previousVersion(it)
	for {
		if csn, ok := t.visible(v.CSN, v.XID, snapshot, xid); ok {
			if v.Deleted {
				return model.Tuple{}, 0, false, nil
			}
			return model.Tuple{Key: bytes.Clone(it.Key), Value: bytes.Clone(v.Value)}, csn, true, nil
		}
		if v.Prev == page.InvalidUndo {
			return model.Tuple{}, 0, false, nil
		}
		prev, err := t.undo.Tuple(v.Prev)
		if err != nil {
			return model.Tuple{}, 0, false, err
		}
		if prev.Absent {
			return model.Tuple{}, 0, false, nil
		}
		v = prev
	}
}

package scan

import (
	"bytes"
	"context"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/model"
)

func (sc *Scan) invalidateLeaf() {
	sc.leafLoc = -1
	sc.haveHist = false
}

func (sc *Scan) resolve(img *page.Image, loc int) (model.Item, bool, error) {
	t, csn, ok, err := sc.tree.Resolve(img, loc, sc.snapshot, sc.xid)
	if err != nil {
		return model.Item{}, false, translateUndo(err)
	}
	return model.Item{Tuple: t, CSN: csn, Hint: sc.hint}, ok, nil
}

// ownsLeafTuple reports whether the tuple under the leaf cursor was written
// by the scan's own transaction.
func (sc *Scan) ownsLeafTuple() bool {
	return sc.xid != model.InvalidXID && sc.leaf.Leaf(sc.leafLoc).XID == sc.xid
}

// histValid reports whether the historical cursor is on an item.
func (sc *Scan) histValid() bool {
	return sc.haveHist && sc.hist.Valid(sc.histLoc)
}

// nextMerged returns the next visible tuple of the current leaf, merging
// the leaf with its historical version in key order. Both cursors being
// exhausted ends the leaf.
func (sc *Scan) nextMerged(ctx context.Context) (model.Item, bool, error) {
	for {
		for sc.haveHist {
			if !sc.hist.Valid(sc.histLoc) {
				switch {
				case sc.hist.IsRightmost():
					sc.haveHist = false
				case !sc.leaf.IsRightmost() && bytes.Compare(sc.hist.HiKey(), sc.leaf.HiKey()) >= 0:
					sc.haveHist = false
				default:
					if err := sc.loadNextHistorical(ctx); err != nil {
						return model.Item{}, false, err
					}
				}
				continue
			}
			if sc.cb != nil && sc.cb.NextKey != nil {
				sc.applyNextKey()
				if !sc.histValid() {
					continue
				}
			}

			hk := sc.hist.Key(sc.histLoc)
			if !sc.leaf.Valid(sc.leafLoc) {
				if !sc.leaf.IsRightmost() && bytes.Compare(hk, sc.leaf.HiKey()) >= 0 {
					sc.haveHist = false
					break
				}
			} else {
				c := bytes.Compare(hk, sc.leaf.Key(sc.leafLoc))
				if c > 0 {
					break
				}
				if c == 0 {
					if sc.ownsLeafTuple() {
						sc.histLoc++
						break
					}
					sc.leafLoc++
				}
			}

			item, ok, err := sc.resolve(&sc.hist, sc.histLoc)
			sc.histLoc++
			if err != nil || ok {
				return item, ok, err
			}
		}

		if sc.leaf.Valid(sc.leafLoc) && sc.cb != nil && sc.cb.NextKey != nil {
			sc.applyNextKey()
		}
		if !sc.leaf.Valid(sc.leafLoc) {
			if sc.histValid() {
				continue
			}
			return model.Item{}, false, nil
		}
		item, ok, err := sc.resolve(&sc.leaf, sc.leafLoc)
		sc.leafLoc++
		if err != nil || ok {
			return item, ok, err
		}
	}
}

// seek moves *loc forward to the first item of img >= key and reports
// whether that item equals key.
func seek(img *page.Image, loc *int, key []byte) bool {
	if !img.Valid(*loc) {
		return false
	}
	switch c := bytes.Compare(img.Key(*loc), key); {
	case c == 0:
		return true
	case c > 0:
		return false
	}
	*loc = max(*loc, page.SearchLeaf(img, key))
	return img.Valid(*loc) && bytes.Equal(img.Key(*loc), key)
}

// applyNextKey asks the key-skip callback for the next wanted key and
// moves both cursors up to it, until one of them sits on a wanted key or
// both are exhausted.
func (sc *Scan) applyNextKey() {
	for {
		var key []byte
		if sc.leaf.Valid(sc.leafLoc) {
			key = sc.leaf.Key(sc.leafLoc)
		}
		if sc.histValid() {
			if hk := sc.hist.Key(sc.histLoc); key == nil || bytes.Compare(hk, key) < 0 {
				key = hk
			}
		}
		if key == nil {
			return
		}

		next, ok := sc.cb.NextKey(bytes.Clone(key))
		if !ok {
			sc.invalidateLeaf()
			sc.stats.SkippedLeaves++
			return
		}
		leafHit := seek(&sc.leaf, &sc.leafLoc, next)
		histHit := sc.haveHist && seek(&sc.hist, &sc.histLoc, next)
		if leafHit || histHit {
			return
		}
		if !sc.leaf.Valid(sc.leafLoc) && !sc.histValid() {
			return
		}
	}
}

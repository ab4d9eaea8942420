package scan

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/model"
)

// undoImage replaces dst with the version of the page that preceded it in
// the undo log, selected by key.
func (sc *Scan) undoImage(ctx context.Context, from *page.Image, key []byte, dst *page.Image) ([]byte, error) {
	loc := from.Undo()
	if !sc.tree.Exists(loc) {
		return nil, fmt.Errorf("%w: page undo %d reclaimed", ErrSnapshotTooOld, loc)
	}
	low, err := sc.tree.PageImage(ctx, loc, key, dst)
	if err != nil {
		return nil, translateUndo(err)
	}
	sc.stats.UndoImages++
	return low, nil
}

// tooNew reports whether img was last changed after csn.
func tooNew(img *page.Image, csn model.CSN) bool {
	c := img.CSN()
	return c.IsNormal() && c > csn
}

// loadFirstHistorical rebuilds the version of the current leaf that the
// snapshot saw, if the leaf changed since. The first undo version found
// fixes the low key used to select versions further back.
func (sc *Scan) loadFirstHistorical(ctx context.Context) error {
	sc.haveHist = false
	if sc.mode == modeRaw || sc.snapshot == model.CSNInProgress {
		return nil
	}

	from := &sc.leaf
	var key, low []byte
	first := true
	for tooNew(from, sc.snapshot) {
		l, err := sc.undoImage(ctx, from, key, &sc.hist)
		if err != nil {
			return err
		}
		if first {
			low = bytes.Clone(l)
			key = low
			first = false
		}
		from = &sc.hist
		sc.haveHist = true
	}
	if !sc.haveHist {
		return nil
	}

	sc.stats.HistoricalPages++
	sc.histLoc = 0
	if low != nil {
		sc.histLoc = page.SearchLeaf(&sc.hist, low)
	}
	return nil
}

// loadNextHistorical continues the historical cursor past the high key of
// the exhausted historical page, for leaves that absorbed a right sibling.
func (sc *Scan) loadNextHistorical(ctx context.Context) error {
	prev := bytes.Clone(sc.hist.HiKey())
	from := &sc.leaf
	loaded := false
	for tooNew(from, sc.snapshot) {
		if _, err := sc.undoImage(ctx, from, prev, &sc.hist); err != nil {
			return err
		}
		from = &sc.hist
		loaded = true
	}
	if !loaded || (!sc.hist.IsRightmost() && bytes.Compare(sc.hist.HiKey(), prev) <= 0) {
		sc.haveHist = false
		return nil
	}
	sc.stats.HistoricalPages++
	sc.histLoc = page.SearchLeaf(&sc.hist, prev)
	return nil
}

// rewind rolls an on-disk leaf back to the version current at csn.
func (sc *Scan) rewind(ctx context.Context, img *page.Image, csn model.CSN) error {
	for tooNew(img, csn) {
		if _, err := sc.undoImage(ctx, img, nil, img); err != nil {
			return err
		}
	}
	sc.stats.DiskRewinds++
	return nil
}

package scan

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/btscan/model"
)

const (
	slotCurrent = iota
	slotNext
)

// Shared coordinates the workers of a parallel scan. Workers take
// downlinks of the current level-1 page one at a time under a lock; the
// following page is read ahead into a second slot, and the slots swap
// when the current page runs out.
//
// A descriptor serves one walk. The leader binds it to a snapshot and
// transaction; later workers must match them, and no worker may join
// once the walk has handed out its last downlink or every worker has
// left a started walk. The first level-1 page is loaded by whichever
// worker asks first, so no worker waits for the leader to start.
type Shared struct {
	maxWorkers int

	regMu    sync.Mutex
	workers  []bool
	snapshot model.CSN
	xid      model.XID

	mu         sync.Mutex
	slots      [2]slot
	cur        int
	offset     int
	started    bool
	done       bool
	singleLeaf bool
}

// NewShared returns a descriptor for up to workers parallel scans.
func NewShared(workers int) *Shared {
	workers = max(workers, 1)
	return &Shared{
		maxWorkers: workers,
		workers:    make([]bool, workers),
	}
}

// join assigns the first free worker index to a scan of snapshot as xid.
// The first worker to join leads and binds the descriptor; a descriptor
// nobody has started yet is bound again once all its workers have left.
func (p *Shared) join(snapshot model.CSN, xid model.XID) (int, bool, error) {
	p.regMu.Lock()
	defer p.regMu.Unlock()

	p.mu.Lock()
	started, done := p.started, p.done
	p.mu.Unlock()

	active := p.activeLocked()
	if started && (done || active == 0) {
		return 0, false, fmt.Errorf("%w: parallel scan already finished", ErrInvalidOption)
	}
	leader := active == 0
	if leader {
		p.snapshot, p.xid = snapshot, xid
	} else if snapshot != p.snapshot || xid != p.xid {
		return 0, false, fmt.Errorf("%w: parallel scan is bound to snapshot %d xid %d, got snapshot %d xid %d",
			ErrInvalidOption, p.snapshot, p.xid, snapshot, xid)
	}
	for i, busy := range p.workers {
		if !busy {
			p.workers[i] = true
			return i, leader, nil
		}
	}
	return 0, false, fmt.Errorf("%w: %d", ErrTooManyWorkers, p.maxWorkers)
}

func (p *Shared) leave(worker int) {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	p.workers[worker] = false
}

// Workers returns the number of workers currently joined.
func (p *Shared) Workers() int {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	return p.activeLocked()
}

func (p *Shared) activeLocked() int {
	n := 0
	for _, busy := range p.workers {
		if busy {
			n++
		}
	}
	return n
}

func (p *Shared) slot(which int) *slot {
	return &p.slots[(p.cur+which)%2]
}

// nextShared hands the calling worker the next downlink of the shared
// walk. A downlink is never handed out twice: the offset is taken and
// advanced under the lock, and ranges given to a worker's fallback
// iterator are skipped by the offset before the lock is released.
func (sc *Scan) nextShared(ctx context.Context) (step, error) {
	p := sc.par
	p.mu.Lock()
	defer p.mu.Unlock()

	needPage := !p.started
	for {
		if p.singleLeaf {
			sc.singleLeaf = true
			return step{kind: stepDone}, nil
		}
		if needPage {
			if err := sc.loadShared(ctx); err != nil {
				return step{}, err
			}
			if p.singleLeaf {
				return step{kind: stepSingleLeaf}, nil
			}
			if sc.pending != nil {
				return step{kind: stepIterator}, nil
			}
			needPage = false
		}

		cur := p.slot(slotCurrent)
		if cur.img.Valid(p.offset) {
			dl, r, err := cur.downlink(p.offset)
			if err != nil {
				return step{}, err
			}
			p.offset++
			return step{kind: stepDownlink, dl: dl, r: r, readCSN: cur.readCSN}, nil
		}
		if cur.img.IsRightmost() {
			p.done = true
			return step{kind: stepDone}, nil
		}
		cur.loaded = false
		needPage = true
	}
}

// loadShared makes the next level-1 page current, either by rotating in
// the page read ahead or by reading it, then reads ahead the page after
// it. Callers hold p.mu.
func (sc *Scan) loadShared(ctx context.Context) error {
	p := sc.par
	cur, next := p.slot(slotCurrent), p.slot(slotNext)

	if next.loaded {
		p.cur = 1 - p.cur
		cur = next
		sc.stats.SlotRotations++
		sc.logger.Debug("parallel slots rotated", "seq", cur.seq)
	} else {
		var prev []byte
		if p.started {
			prev = bytes.Clone(cur.img.HiKey())
		}
		internal, err := sc.loadInternal(ctx, prev, cur)
		p.started = true
		if err != nil {
			return err
		}
		if !internal {
			p.singleLeaf = true
			p.done = true
			return nil
		}
	}
	p.offset = cur.first

	// A worker holding a range for the fallback iterator reads nothing
	// ahead, so that at most one such range is pending per worker.
	next = p.slot(slotNext)
	if !next.loaded && !cur.img.IsRightmost() && sc.pending == nil {
		if _, err := sc.loadInternal(ctx, bytes.Clone(cur.img.HiKey()), next); err != nil {
			return err
		}
	}
	return nil
}

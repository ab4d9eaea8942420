package scan

import (
	"cmp"
	"slices"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/model"
)

const initialBatch = 16

// diskDownlink is an on-disk leaf found during the in-memory pass with the
// CSN at which its parent was read.
type diskDownlink struct {
	addr page.OnDisk
	csn  model.CSN
}

// diskBatch collects on-disk downlinks and replays them in address order.
type diskBatch struct {
	items []diskDownlink
	next  int
}

func (b *diskBatch) add(addr page.OnDisk, csn model.CSN) {
	if len(b.items) == cap(b.items) {
		grown := make([]diskDownlink, len(b.items), max(initialBatch, 2*cap(b.items)))
		copy(grown, b.items)
		b.items = grown
	}
	b.items = append(b.items, diskDownlink{addr: addr, csn: csn})
}

// sort orders the batch by file address, not by key.
func (b *diskBatch) sort() {
	slices.SortFunc(b.items, func(x, y diskDownlink) int {
		return cmp.Compare(x.addr.Address, y.addr.Address)
	})
}

func (b *diskBatch) pop() (diskDownlink, bool) {
	if b.next >= len(b.items) {
		return diskDownlink{}, false
	}
	d := b.items[b.next]
	b.next++
	return d, true
}

func (b *diskBatch) len() int { return len(b.items) }

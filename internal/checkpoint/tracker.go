package checkpoint

import (
	"sync"
	"sync/atomic"
)

// NumPinSlots is the number of generations whose pins are tracked
// separately. Generation g shares a counter with g+NumPinSlots.
const NumPinSlots = 8

// Tracker holds the current generation and the pin counters.
type Tracker struct {
	mu         sync.Mutex
	current    atomic.Uint32
	inProgress atomic.Bool
	pins       [NumPinSlots]atomic.Int32
}

// NewTracker returns a tracker at generation 0.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Current returns the last completed generation and whether a checkpoint
// is running.
func (t *Tracker) Current() (uint32, bool) {
	return t.current.Load(), t.inProgress.Load()
}

// Begin marks a checkpoint as running and returns the generation it will
// complete.
func (t *Tracker) Begin() uint32 {
	t.mu.Lock()
	t.inProgress.Store(true)
	return t.current.Load() + 1
}

// Complete publishes the generation started by Begin.
func (t *Tracker) Complete(gen uint32) {
	t.current.Store(gen)
	t.inProgress.Store(false)
	t.mu.Unlock()
}

// Abort ends a checkpoint started by Begin without advancing.
func (t *Tracker) Abort() {
	t.inProgress.Store(false)
	t.mu.Unlock()
}

func (t *Tracker) Pin(gen uint32) { t.pins[gen%NumPinSlots].Add(1) }

func (t *Tracker) Unpin(gen uint32) {
	if t.pins[gen%NumPinSlots].Add(-1) < 0 {
		panic("checkpoint: unbalanced unpin")
	}
}

// Pins returns the pin count of the slot gen maps to.
func (t *Tracker) Pins(gen uint32) int32 { return t.pins[gen%NumPinSlots].Load() }

// PinnedAtOrBelow reports whether a pin may be held on a generation <= gen.
// Generations sharing a slot cannot be told apart, so the answer errs
// towards true.
func (t *Tracker) PinnedAtOrBelow(gen uint32) bool {
	n := uint32(NumPinSlots)
	if gen+1 < n {
		n = gen + 1
	}
	for g := range n {
		if t.pins[g].Load() > 0 {
			return true
		}
	}
	return false
}

// PinCurrent pins the current generation. A concurrent checkpoint may
// complete between reading and pinning; the pin is retried until it lands
// on the generation that is still current.
func (t *Tracker) PinCurrent() uint32 {
	gen := t.current.Load()
	for {
		t.Pin(gen)
		after := t.current.Load()
		if after == gen {
			return gen
		}
		t.Unpin(gen)
		gen = after
	}
}

package scan

import (
	"log/slog"
	"sync"

	"github.com/hupe1980/btscan/internal/checkpoint"
	"github.com/hupe1980/btscan/model"
)

// Registry tracks live scans. Every registered scan holds a pin on the
// checkpoint generation that was current when it started, so checkpoint
// files it may still read are not reclaimed under it.
type Registry struct {
	tracker *checkpoint.Tracker
	logger  *slog.Logger

	mu     sync.Mutex
	scans  map[uint64]*Scan
	nextID uint64
}

// NewRegistry returns an empty registry pinning generations of tracker.
func NewRegistry(tracker *checkpoint.Tracker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		tracker: tracker,
		logger:  logger,
		scans:   make(map[uint64]*Scan),
	}
}

func (r *Registry) add(sc *Scan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sc.id = r.nextID
	sc.gen = r.tracker.PinCurrent()
	r.scans[sc.id] = sc
}

// remove unregisters sc and drops its pin. It reports false when sc was
// already removed, by Close or by Sweep.
func (r *Registry) remove(sc *Scan) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scans[sc.id]; !ok {
		return false
	}
	delete(r.scans, sc.id)
	r.tracker.Unpin(sc.gen)
	return true
}

// Sweep releases every registered scan, parallel workers included, and
// returns how many there were. Swept scans fail with ErrClosed; closing
// them afterwards only frees their iterator.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	swept := make([]*Scan, 0, len(r.scans))
	for id, sc := range r.scans {
		delete(r.scans, id)
		r.tracker.Unpin(sc.gen)
		swept = append(swept, sc)
	}
	r.mu.Unlock()

	for _, sc := range swept {
		sc.closed.Store(true)
		if sc.par != nil {
			sc.par.leave(sc.worker)
		}
	}
	if len(swept) > 0 {
		r.logger.Warn("swept live scans", "count", len(swept))
	}
	return len(swept)
}

// Live returns the number of registered scans.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans)
}

// Pinned returns the number of registered scans pinning gen.
func (r *Registry) Pinned(gen uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sc := range r.scans {
		if sc.gen == gen {
			n++
		}
	}
	return n
}

// OldestSnapshot returns the oldest snapshot a registered scan reads, or
// CSNInProgress when no scan is registered.
func (r *Registry) OldestSnapshot() model.CSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldest := model.CSNInProgress
	for _, sc := range r.scans {
		oldest = min(oldest, sc.snapshot)
	}
	return oldest
}

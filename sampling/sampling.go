// Package sampling provides Samplers that choose which leaves a scan
// reads. A scan numbers the level-1 downlinks it meets from 0 and asks the
// sampler for the next ordinal to read; everything in between is skipped
// without I/O.
package sampling

import (
	"math"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Bernoulli keeps every ordinal independently with probability p.
type Bernoulli struct {
	rng  *rand.Rand
	p    float64
	next uint64
	done bool
}

// NewBernoulli returns a sampler keeping each ordinal with probability p.
// The same seed yields the same ordinals.
func NewBernoulli(p float64, seed uint64) *Bernoulli {
	b := &Bernoulli{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), p: p}
	if p <= 0 {
		b.done = true
	}
	return b
}

// Next returns the next kept ordinal.
func (b *Bernoulli) Next() (uint64, bool) {
	if b.done {
		return 0, false
	}
	if b.p >= 1 {
		n := b.next
		b.next++
		return n, true
	}
	// Geometric gap between kept ordinals.
	gap := math.Floor(math.Log(1-b.rng.Float64()) / math.Log(1-b.p))
	if gap >= float64(math.MaxUint64-b.next) {
		b.done = true
		return 0, false
	}
	n := b.next + uint64(gap)
	b.next = n + 1
	return n, true
}

// Selection keeps exactly n of the first total ordinals, chosen uniformly
// (Knuth's algorithm S).
type Selection struct {
	rng    *rand.Rand
	want   uint64
	total  uint64
	seen   uint64
	picked uint64
}

// NewSelection returns a sampler choosing n of total ordinals. n is capped
// at total.
func NewSelection(n, total uint64, seed uint64) *Selection {
	return &Selection{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		want:  min(n, total),
		total: total,
	}
}

// Next returns the next chosen ordinal.
func (s *Selection) Next() (uint64, bool) {
	for s.picked < s.want && s.seen < s.total {
		t := s.seen
		s.seen++
		if float64(s.total-t)*s.rng.Float64() < float64(s.want-s.picked) {
			s.picked++
			return t, true
		}
	}
	return 0, false
}

// Bitmap yields the ordinals of a roaring bitmap in ascending order.
type Bitmap struct {
	it roaring64.IntPeekable64
}

// NewBitmap returns a sampler over the ordinals set in bm. bm must not be
// modified while the sampler is in use.
func NewBitmap(bm *roaring64.Bitmap) *Bitmap {
	return &Bitmap{it: bm.Iterator()}
}

// FromOrdinals builds a Bitmap sampler from a list of ordinals in any
// order.
func FromOrdinals(ordinals ...uint64) *Bitmap {
	return NewBitmap(roaring64.BitmapOf(ordinals...))
}

// Next returns the next ordinal.
func (b *Bitmap) Next() (uint64, bool) {
	if !b.it.HasNext() {
		return 0, false
	}
	return b.it.Next(), true
}

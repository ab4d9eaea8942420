package testutil

import (
	"bytes"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/btscan/model"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Value returns n random lowercase letters.
func (r *RNG) Value(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := make([]byte, n)
	for i := range v {
		v[i] = byte('a' + r.rand.Intn(26))
	}
	return v
}

// Shuffle permutes keys in place.
func (r *RNG) Shuffle(keys [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
}

// Key returns the i-th key of Keys.
func Key(i int) []byte {
	return fmt.Appendf(nil, "k%06d", i)
}

// Keys returns n ascending fixed-width keys.
func Keys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = Key(i)
	}
	return keys
}

type version struct {
	csn     model.CSN
	value   []byte
	deleted bool
}

// History records committed writes per key.
type History struct {
	mu   sync.Mutex
	keys map[string][]version
}

func (h *History) record(csn model.CSN, key []byte, v version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keys == nil {
		h.keys = make(map[string][]version)
	}
	v.csn = csn
	h.keys[string(key)] = append(h.keys[string(key)], v)
}

// Put records a write committed at csn.
func (h *History) Put(csn model.CSN, key, value []byte) {
	h.record(csn, key, version{value: bytes.Clone(value)})
}

// Delete records a delete committed at csn.
func (h *History) Delete(csn model.CSN, key []byte) {
	h.record(csn, key, version{deleted: true})
}

// At returns the tuples visible to snapshot in key order.
func (h *History) At(snapshot model.CSN) []model.Tuple {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.Tuple
	for k, vs := range h.keys {
		var last *version
		for i := range vs {
			if snapshot.Sees(vs[i].csn) && (last == nil || vs[i].csn >= last.csn) {
				last = &vs[i]
			}
		}
		if last != nil && !last.deleted {
			out = append(out, model.Tuple{Key: []byte(k), Value: last.value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// Tuples strips scan items down to their tuples.
func Tuples(items []model.Item) []model.Tuple {
	out := make([]model.Tuple, len(items))
	for i, it := range items {
		out[i] = it.Tuple
	}
	return out
}

// SortTuples orders tuples by key, for comparing parallel scan output.
func SortTuples(ts []model.Tuple) {
	slices.SortFunc(ts, func(a, b model.Tuple) int { return bytes.Compare(a.Key, b.Key) })
}

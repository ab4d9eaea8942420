package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/resource"
)

// PageCache caches page images by on-disk address.
type PageCache interface {
	// Get copies the cached image into dst.
	Get(addr page.OnDisk, dst *page.Image) bool
	Set(addr page.OnDisk, img *page.Image)
	// InvalidateGeneration drops the pages of a checkpoint generation.
	InvalidateGeneration(gen uint32)
	Stats() (hits, misses int64)
}

// LRU is a PageCache bounded by a number of pages.
type LRU struct {
	mu       sync.Mutex
	capacity int
	items    map[page.OnDisk]*list.Element
	order    *list.List
	rc       *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	addr page.OnDisk
	img  *page.Image
}

var _ PageCache = (*LRU)(nil)

// NewLRU creates a cache holding up to capacity pages. Cached pages are
// accounted against rc; a page is not cached when rc refuses the memory.
func NewLRU(capacity int, rc *resource.Controller) *LRU {
	return &LRU{
		capacity: capacity,
		items:    make(map[page.OnDisk]*list.Element),
		order:    list.New(),
		rc:       rc,
	}
}

func (c *LRU) Get(addr page.OnDisk, dst *page.Image) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[addr]
	if !ok {
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	c.order.MoveToFront(el)
	*dst = *el.Value.(*entry).img
	return true
}

func (c *LRU) Set(addr page.OnDisk, img *page.Image) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[addr]; ok {
		// Checkpoint pages are immutable; the cached copy is current.
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		c.remove(c.order.Back())
	}
	if err := c.rc.AcquireMemory(page.Size); err != nil {
		return
	}
	cp := new(page.Image)
	*cp = *img
	c.items[addr] = c.order.PushFront(&entry{addr: addr, img: cp})
}

func (c *LRU) InvalidateGeneration(gen uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, el := range c.items {
		if addr.Generation() == gen {
			c.remove(el)
		}
	}
}

func (c *LRU) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).addr)
	c.rc.ReleaseMemory(page.Size)
}

func (c *LRU) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached pages.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

package scan

import (
	"bytes"
	"fmt"

	"github.com/hupe1980/btscan/internal/page"
)

// KeyRange is the key space [Low, High) a downlink covers. Nil bounds are
// unbounded.
type KeyRange struct {
	Low  []byte
	High []byte
}

// Contains reports whether key lies in r.
func (r KeyRange) Contains(key []byte) bool {
	if r.Low != nil && bytes.Compare(key, r.Low) < 0 {
		return false
	}
	return r.High == nil || bytes.Compare(key, r.High) < 0
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%q, %q)", r.Low, r.High)
}

// boundsEqual compares two bounds where nil is unbounded.
func boundsEqual(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}

// itemHigh returns the exclusive upper bound of internal item i: the next
// item's key, or the page high key for the last item.
func itemHigh(img *page.Image, i int) []byte {
	if i+1 < img.Count() {
		return bytes.Clone(img.Key(i + 1))
	}
	return bytes.Clone(img.HiKey())
}

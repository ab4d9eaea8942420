package page

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/hupe1980/btscan/model"
)

// Size is the size of a page image in bytes.
const Size = 8192

const (
	headerSize = 32

	offFlags    = 0
	offLevel    = 2
	offCount    = 4
	offHiKeyLen = 6
	offCSN      = 8
	offUndo     = 16
	offDataEnd  = 24
)

const (
	leafItemHeader     = 29
	internalItemHeader = 10

	leafFlagDeleted = 1
)

// ErrPageOverflow is returned by Builder.Build when the items do not fit.
var ErrPageOverflow = errors.New("page: items do not fit into page")

// Flags are page header flags.
type Flags uint16

const (
	// FlagLeftmost marks the leftmost page of its level.
	FlagLeftmost Flags = 1 << iota
	// FlagRightmost marks the rightmost page of its level. Rightmost pages
	// have no high key.
	FlagRightmost
)

// UndoLocation addresses a record in the undo log.
type UndoLocation uint64

// InvalidUndo is the location of no undo record.
const InvalidUndo UndoLocation = 0

// Image is a page image.
type Image [Size]byte

// LeafItem is a decoded leaf tuple slot. Key and Value alias the image
// they were decoded from unless produced by LeafItems.
type LeafItem struct {
	Key     []byte
	Value   []byte
	Deleted bool
	XID     model.XID
	CSN     model.CSN
	Undo    UndoLocation
}

// InternalItem is a decoded internal page entry.
type InternalItem struct {
	Downlink uint64
	Key      []byte
}

func (p *Image) u16(off int) int { return int(binary.LittleEndian.Uint16(p[off:])) }

func (p *Image) Flags() Flags { return Flags(binary.LittleEndian.Uint16(p[offFlags:])) }

func (p *Image) IsLeftmost() bool { return p.Flags()&FlagLeftmost != 0 }

func (p *Image) IsRightmost() bool { return p.Flags()&FlagRightmost != 0 }

// Level returns the page level; leaves are level 0.
func (p *Image) Level() int { return p.u16(offLevel) }

func (p *Image) IsLeaf() bool { return p.Level() == 0 }

// Count returns the number of items.
func (p *Image) Count() int { return p.u16(offCount) }

// Valid reports whether loc addresses an item.
func (p *Image) Valid(loc int) bool { return loc >= 0 && loc < p.Count() }

func (p *Image) CSN() model.CSN { return model.CSN(binary.LittleEndian.Uint64(p[offCSN:])) }

func (p *Image) SetCSN(c model.CSN) { binary.LittleEndian.PutUint64(p[offCSN:], uint64(c)) }

func (p *Image) Undo() UndoLocation {
	return UndoLocation(binary.LittleEndian.Uint64(p[offUndo:]))
}

func (p *Image) SetUndo(loc UndoLocation) { binary.LittleEndian.PutUint64(p[offUndo:], uint64(loc)) }

// HiKey returns the exclusive upper bound of the page, or nil for the
// rightmost page.
func (p *Image) HiKey() []byte {
	if p.IsRightmost() {
		return nil
	}
	n := p.u16(offHiKeyLen)
	return p[headerSize : headerSize+n : headerSize+n]
}

// Used returns the number of bytes occupied by the encoded page.
func (p *Image) Used() int { return p.u16(offDataEnd) }

func (p *Image) itemOffset(i int) int {
	base := headerSize + p.u16(offHiKeyLen)
	return p.u16(base + 2*i)
}

// Key returns the key of item i.
func (p *Image) Key(i int) []byte {
	o := p.itemOffset(i)
	if p.IsLeaf() {
		kl := int(binary.LittleEndian.Uint16(p[o+25:]))
		s := o + leafItemHeader
		return p[s : s+kl : s+kl]
	}
	kl := int(binary.LittleEndian.Uint16(p[o+8:]))
	s := o + internalItemHeader
	return p[s : s+kl : s+kl]
}

// Leaf decodes leaf item i.
func (p *Image) Leaf(i int) LeafItem {
	o := p.itemOffset(i)
	kl := int(binary.LittleEndian.Uint16(p[o+25:]))
	vl := int(binary.LittleEndian.Uint16(p[o+27:]))
	ks := o + leafItemHeader
	vs := ks + kl
	return LeafItem{
		Key:     p[ks:vs:vs],
		Value:   p[vs : vs+vl : vs+vl],
		Deleted: p[o]&leafFlagDeleted != 0,
		XID:     model.XID(binary.LittleEndian.Uint64(p[o+1:])),
		CSN:     model.CSN(binary.LittleEndian.Uint64(p[o+9:])),
		Undo:    UndoLocation(binary.LittleEndian.Uint64(p[o+17:])),
	}
}

// SetLeafVersion rewrites the CSN and XID of leaf item i in place.
func (p *Image) SetLeafVersion(i int, csn model.CSN, xid model.XID) {
	o := p.itemOffset(i)
	binary.LittleEndian.PutUint64(p[o+1:], uint64(xid))
	binary.LittleEndian.PutUint64(p[o+9:], uint64(csn))
}

// Downlink returns the raw downlink of internal item i.
func (p *Image) Downlink(i int) uint64 {
	return binary.LittleEndian.Uint64(p[p.itemOffset(i):])
}

// SetDownlink rewrites the downlink of internal item i in place.
func (p *Image) SetDownlink(i int, raw uint64) {
	binary.LittleEndian.PutUint64(p[p.itemOffset(i):], raw)
}

// LeafItems returns deep copies of all leaf items.
func (p *Image) LeafItems() []LeafItem {
	n := p.Count()
	out := make([]LeafItem, n)
	for i := range n {
		it := p.Leaf(i)
		it.Key = bytes.Clone(it.Key)
		it.Value = bytes.Clone(it.Value)
		out[i] = it
	}
	return out
}

// InternalItems returns deep copies of all internal items.
func (p *Image) InternalItems() []InternalItem {
	n := p.Count()
	out := make([]InternalItem, n)
	for i := range n {
		out[i] = InternalItem{Downlink: p.Downlink(i), Key: bytes.Clone(p.Key(i))}
	}
	return out
}

// SearchLeaf returns the index of the first item whose key is >= key, or
// Count() when there is none.
func SearchLeaf(p *Image, key []byte) int {
	lo, hi := 0, p.Count()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(p.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// SearchInternal returns the index of the last item whose key is <= key.
// Item 0 stands for the page low key and always qualifies; a nil key
// selects item 0.
func SearchInternal(p *Image, key []byte) int {
	if key == nil {
		return 0
	}
	lo, hi := 1, p.Count()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if bytes.Compare(p.Key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

package page

import (
	"encoding/binary"

	"github.com/hupe1980/btscan/model"
)

// Builder assembles a page image.
type Builder struct {
	level    int
	flags    Flags
	hikey    []byte
	csn      model.CSN
	undo     UndoLocation
	leaf     []LeafItem
	internal []InternalItem
}

// NewBuilder returns a builder for a page at the given level.
func NewBuilder(level int) *Builder {
	return &Builder{level: level}
}

func (b *Builder) SetFlags(f Flags) *Builder { b.flags = f; return b }

// SetHiKey sets the high key. It is ignored for rightmost pages.
func (b *Builder) SetHiKey(k []byte) *Builder { b.hikey = k; return b }

func (b *Builder) SetCSN(c model.CSN) *Builder { b.csn = c; return b }

func (b *Builder) SetUndo(loc UndoLocation) *Builder { b.undo = loc; return b }

// AddLeaf appends a leaf item. Items must be added in key order.
func (b *Builder) AddLeaf(it LeafItem) *Builder { b.leaf = append(b.leaf, it); return b }

// AddInternal appends an internal item. Items must be added in key order.
func (b *Builder) AddInternal(it InternalItem) *Builder {
	b.internal = append(b.internal, it)
	return b
}

// Len returns the number of items added so far.
func (b *Builder) Len() int {
	if b.level == 0 {
		return len(b.leaf)
	}
	return len(b.internal)
}

// Fits reports whether the items added so far fit into a page.
func (b *Builder) Fits() bool { return b.size() <= Size }

func (b *Builder) size() int {
	n := headerSize
	if b.flags&FlagRightmost == 0 {
		n += len(b.hikey)
	}
	if b.level == 0 {
		for _, it := range b.leaf {
			n += 2 + leafItemHeader + len(it.Key) + len(it.Value)
		}
		return n
	}
	for _, it := range b.internal {
		n += 2 + internalItemHeader + len(it.Key)
	}
	return n
}

// Build encodes the page into dst.
func (b *Builder) Build(dst *Image) error {
	if !b.Fits() {
		return ErrPageOverflow
	}
	clear(dst[:])

	hikey := b.hikey
	if b.flags&FlagRightmost != 0 {
		hikey = nil
	}
	count := b.Len()

	le := binary.LittleEndian
	le.PutUint16(dst[offFlags:], uint16(b.flags))
	le.PutUint16(dst[offLevel:], uint16(b.level))
	le.PutUint16(dst[offCount:], uint16(count))
	le.PutUint16(dst[offHiKeyLen:], uint16(len(hikey)))
	le.PutUint64(dst[offCSN:], uint64(b.csn))
	le.PutUint64(dst[offUndo:], uint64(b.undo))
	copy(dst[headerSize:], hikey)

	offs := headerSize + len(hikey)
	pos := offs + 2*count
	for i := range count {
		le.PutUint16(dst[offs+2*i:], uint16(pos))
		if b.level == 0 {
			it := b.leaf[i]
			var flags byte
			if it.Deleted {
				flags |= leafFlagDeleted
			}
			dst[pos] = flags
			le.PutUint64(dst[pos+1:], uint64(it.XID))
			le.PutUint64(dst[pos+9:], uint64(it.CSN))
			le.PutUint64(dst[pos+17:], uint64(it.Undo))
			le.PutUint16(dst[pos+25:], uint16(len(it.Key)))
			le.PutUint16(dst[pos+27:], uint16(len(it.Value)))
			pos += leafItemHeader
			pos += copy(dst[pos:], it.Key)
			pos += copy(dst[pos:], it.Value)
			continue
		}
		it := b.internal[i]
		le.PutUint64(dst[pos:], it.Downlink)
		le.PutUint16(dst[pos+8:], uint16(len(it.Key)))
		pos += internalItemHeader
		pos += copy(dst[pos:], it.Key)
	}
	le.PutUint16(dst[offDataEnd:], uint16(pos))
	return nil
}

package page

import "fmt"

// Downlink is the decoded form of an internal page entry's child pointer.
// It is one of Resident, OnDisk or Pending.
type Downlink interface {
	// Raw returns the encoded value stored in internal pages.
	Raw() uint64
	isDownlink()
}

const (
	tagShift = 62
	tagMask  = uint64(3) << tagShift

	tagResident = uint64(1) << tagShift
	tagOnDisk   = uint64(2) << tagShift
	tagPending  = uint64(3) << tagShift

	// ChangeCountMask bounds the change counter carried by a resident
	// downlink. Counters wrap within it.
	ChangeCountMask = 1<<30 - 1

	offsetBits = 40
	offsetMask = 1<<offsetBits - 1
)

// Resident points at an in-memory block. The change counter detects
// blocks that were reused or restructured after the downlink was read.
type Resident struct {
	Block       uint32
	ChangeCount uint32
}

func (r Resident) Raw() uint64 {
	return tagResident | uint64(r.ChangeCount&ChangeCountMask)<<32 | uint64(r.Block)
}

func (Resident) isDownlink() {}

func (r Resident) String() string { return fmt.Sprintf("resident(%d:%d)", r.Block, r.ChangeCount) }

// OnDisk points at a page written by a checkpoint. Ordering addresses
// orders reads sequentially within and across checkpoint files.
type OnDisk struct {
	Address uint64
}

// NewOnDisk builds the address of the page at byte offset off of the
// checkpoint file written in generation gen.
func NewOnDisk(gen uint32, off uint64) OnDisk {
	return OnDisk{Address: uint64(gen)<<offsetBits | off&offsetMask}
}

// Generation returns the checkpoint generation that wrote the page.
func (d OnDisk) Generation() uint32 { return uint32(d.Address >> offsetBits) }

// Offset returns the byte offset within the checkpoint file.
func (d OnDisk) Offset() uint64 { return d.Address & offsetMask }

func (d OnDisk) Raw() uint64 { return tagOnDisk | d.Address&^tagMask }

func (OnDisk) isDownlink() {}

func (d OnDisk) String() string { return fmt.Sprintf("disk(%d@%d)", d.Offset(), d.Generation()) }

// Pending points at a page whose write is in progress.
type Pending struct {
	Slot uint32
}

func (p Pending) Raw() uint64 { return tagPending | uint64(p.Slot) }

func (Pending) isDownlink() {}

func (p Pending) String() string { return fmt.Sprintf("pending(%d)", p.Slot) }

// Classify decodes a raw downlink. It returns nil for values that carry no
// valid tag.
func Classify(raw uint64) Downlink {
	switch raw & tagMask {
	case tagResident:
		return Resident{Block: uint32(raw), ChangeCount: uint32(raw>>32) & ChangeCountMask}
	case tagOnDisk:
		return OnDisk{Address: raw &^ tagMask}
	case tagPending:
		return Pending{Slot: uint32(raw)}
	}
	return nil
}

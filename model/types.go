package model

import (
	"fmt"
	"math"
)

// CSN is a commit sequence number. A snapshot is represented by the CSN of
// the newest commit it observes.
type CSN uint64

const (
	// CSNInvalid marks an absent CSN.
	CSNInvalid CSN = 0
	// CSNFrozen is visible to every snapshot.
	CSNFrozen CSN = 1
	// CSNFirstNormal is the first CSN assigned to a commit.
	CSNFirstNormal CSN = 2
	// CSNInProgress marks an uncommitted tuple. Used as a snapshot it reads
	// the latest committed state without walking undo.
	CSNInProgress CSN = math.MaxUint64
)

// IsNormal reports whether c is an ordinary commit number.
func (c CSN) IsNormal() bool {
	return c >= CSNFirstNormal && c != CSNInProgress
}

// Sees reports whether a version committed at v is visible to snapshot c.
func (c CSN) Sees(v CSN) bool {
	switch {
	case v == CSNFrozen:
		return true
	case !v.IsNormal():
		return false
	case c == CSNInProgress:
		return true
	default:
		return v <= c
	}
}

func (c CSN) String() string {
	switch c {
	case CSNInvalid:
		return "csn(invalid)"
	case CSNFrozen:
		return "csn(frozen)"
	case CSNInProgress:
		return "csn(in-progress)"
	}
	return fmt.Sprintf("csn(%d)", uint64(c))
}

// XID identifies a transaction.
type XID uint64

// InvalidXID is never assigned to a transaction.
const InvalidXID XID = 0

// Tuple is a key/value pair.
type Tuple struct {
	Key   []byte
	Value []byte
}

// Clone returns a deep copy of t.
func (t Tuple) Clone() Tuple {
	return Tuple{
		Key:   append([]byte(nil), t.Key...),
		Value: append([]byte(nil), t.Value...),
	}
}

// InvalidBlock is the block number of an absent hint.
const InvalidBlock = math.MaxUint32

// LocationHint identifies the in-memory leaf a tuple was read from.
// Tuples produced by the fallback iterator or by on-disk leaves carry an
// invalid hint.
type LocationHint struct {
	Block       uint32
	ChangeCount uint32
}

// NoHint is the invalid location hint.
var NoHint = LocationHint{Block: InvalidBlock}

// Valid reports whether h points at a block.
func (h LocationHint) Valid() bool {
	return h.Block != InvalidBlock
}

// String returns a string representation of the hint.
func (h LocationHint) String() string {
	if !h.Valid() {
		return "Hint(-)"
	}
	return fmt.Sprintf("Hint(%d:%d)", h.Block, h.ChangeCount)
}

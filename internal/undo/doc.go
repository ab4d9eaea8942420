// Package undo implements the in-memory undo log of a versioned tree.
//
// Page records keep the image of a leaf as it was before a change. A record
// may hold several versions, each covering a key range: a leaf that
// absorbed its right sibling keeps both former images. Tuple records keep
// the previous version of a single tuple.
//
// Records are addressed by monotonically increasing locations. Reclaim
// discards every record below a location; later lookups fail with
// ErrReclaimed.
package undo

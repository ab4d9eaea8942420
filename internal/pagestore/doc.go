// Package pagestore is the buffer manager behind the tree.
//
// Resident pages live in numbered blocks. Every block carries a change
// counter that is bumped whenever the block is freed, so a downlink read
// before the block was reused fails its check instead of returning a
// different page.
//
// Checkpoints write pages to one immutable blob per generation. A page
// address combines the generation and the byte offset of the page frame
// within that blob. Blobs are deleted by Reclaim once none of their pages
// is referenced and no scan that could still hold an address into them is
// registered.
package pagestore

// Package page implements the fixed-size page image shared by leaves and
// internal pages, the downlink encoding stored in internal pages, and the
// binary searches the tree and the scan engine run over images.
//
// Layout (little endian):
//
//	[0:32)    header: flags, level, item count, high key length, CSN, undo location
//	[32:32+h) high key
//	[..]      item offset array (uint16 per item)
//	[..]      items
package page

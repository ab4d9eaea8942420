// Package cache keeps decoded checkpoint pages in memory so repeated disk
// phase reads of the same page skip the blob read and decompression.
package cache

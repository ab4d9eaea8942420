// Package mmap maps checkpoint files read-only into memory. On platforms
// without mmap support the file is read into a heap buffer instead.
package mmap

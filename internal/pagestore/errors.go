package pagestore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/btscan/internal/page"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pagestore: closed")
	// ErrBadBlock is returned for block numbers that were never allocated.
	ErrBadBlock = errors.New("pagestore: invalid block")
)

// PageReadError reports a failed read of an on-disk page.
type PageReadError struct {
	Addr page.OnDisk
	Err  error
}

func (e *PageReadError) Error() string {
	return fmt.Sprintf("pagestore: read %s: %v", e.Addr, e.Err)
}

func (e *PageReadError) Unwrap() error { return e.Err }

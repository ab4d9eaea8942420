package scan

import (
	"errors"
	"fmt"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/undo"
)

var (
	// ErrSnapshotTooOld is returned when an undo record needed to rebuild
	// what the snapshot saw has been reclaimed.
	ErrSnapshotTooOld = errors.New("scan: snapshot too old")
	// ErrClosed is returned by scans that were closed or swept.
	ErrClosed = errors.New("scan: closed")
	// ErrBadDownlink is returned for internal items without a valid tag.
	ErrBadDownlink = errors.New("scan: invalid downlink")
	// ErrTooManyWorkers is returned when a parallel descriptor is full.
	ErrTooManyWorkers = errors.New("scan: too many parallel workers")
	// ErrInvalidOption is returned for conflicting options.
	ErrInvalidOption = errors.New("scan: invalid option")
	// ErrMixedModes is returned when Next and NextRaw are mixed on a scan.
	ErrMixedModes = errors.New("scan: Next and NextRaw cannot be mixed")
)

// PageReadError reports a failed read of a batched on-disk leaf. Under
// correct checkpoint pinning it does not happen.
type PageReadError struct {
	Addr page.OnDisk
	Err  error
}

func (e *PageReadError) Error() string {
	return fmt.Sprintf("scan: read leaf %v: %v", e.Addr, e.Err)
}

func (e *PageReadError) Unwrap() error { return e.Err }

func translateUndo(err error) error {
	if errors.Is(err, undo.ErrReclaimed) {
		return fmt.Errorf("%w: %w", ErrSnapshotTooOld, err)
	}
	return err
}

package btscan

import (
	"errors"
	"fmt"

	"github.com/hupe1980/btscan/internal/page"
	"github.com/hupe1980/btscan/internal/pagestore"
	"github.com/hupe1980/btscan/internal/scan"
	"github.com/hupe1980/btscan/internal/undo"
	"github.com/hupe1980/btscan/internal/vtree"
)

var (
	// ErrClosed is returned after the database or a scan was closed.
	ErrClosed = errors.New("btscan: closed")
	// ErrSnapshotTooOld is returned when undo records a scan needs were
	// trimmed.
	ErrSnapshotTooOld = errors.New("btscan: snapshot too old")
	// ErrPageRead is returned when a checkpointed page cannot be read.
	ErrPageRead = errors.New("btscan: page read failed")
	// ErrInvalidArgument is returned for bad keys, values or options.
	ErrInvalidArgument = errors.New("btscan: invalid argument")
	// ErrWriteConflict is returned when a key holds another transaction's
	// uncommitted write.
	ErrWriteConflict = errors.New("btscan: write conflict")
	// ErrTxDone is returned for operations on a finished transaction.
	ErrTxDone = errors.New("btscan: transaction done")
)

// PageReadError reports the checkpoint page a read failed on.
//
// The original underlying error can be accessed via errors.Unwrap.
type PageReadError struct {
	Address uint64
	cause   error
}

func (e *PageReadError) Error() string {
	d := page.OnDisk{Address: e.Address}
	return fmt.Sprintf("btscan: read page %d of generation %d: %v", d.Offset(), d.Generation(), e.cause)
}

func (e *PageReadError) Unwrap() error { return e.cause }

// Is lets errors.Is(err, ErrPageRead) match.
func (e *PageReadError) Is(target error) bool { return target == ErrPageRead }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var spr *scan.PageReadError
	if errors.As(err, &spr) {
		return &PageReadError{Address: spr.Addr.Address, cause: err}
	}
	var ppr *pagestore.PageReadError
	if errors.As(err, &ppr) {
		return &PageReadError{Address: ppr.Addr.Address, cause: err}
	}

	switch {
	case errors.Is(err, scan.ErrSnapshotTooOld), errors.Is(err, undo.ErrReclaimed), errors.Is(err, vtree.ErrSnapshotTooOld):
		return fmt.Errorf("%w: %w", ErrSnapshotTooOld, err)
	case errors.Is(err, scan.ErrClosed), errors.Is(err, vtree.ErrClosed), errors.Is(err, pagestore.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, vtree.ErrWriteConflict):
		return fmt.Errorf("%w: %w", ErrWriteConflict, err)
	case errors.Is(err, vtree.ErrTxDone):
		return fmt.Errorf("%w: %w", ErrTxDone, err)
	case errors.Is(err, vtree.ErrTupleTooLarge),
		errors.Is(err, scan.ErrInvalidOption),
		errors.Is(err, scan.ErrTooManyWorkers),
		errors.Is(err, scan.ErrMixedModes):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return err
}

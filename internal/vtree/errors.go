package vtree

import "errors"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vtree: closed")
	// ErrWriteConflict is returned when a key holds another transaction's
	// uncommitted version.
	ErrWriteConflict = errors.New("vtree: write conflict")
	// ErrTxDone is returned for operations on a finished transaction.
	ErrTxDone = errors.New("vtree: transaction already committed or rolled back")
	// ErrNoSibling is returned by merges when the page has no right
	// sibling under the same parent.
	ErrNoSibling = errors.New("vtree: no right sibling under the same parent")
	// ErrMergeOverflow is returned when merged items do not fit into a page.
	ErrMergeOverflow = errors.New("vtree: merged page would overflow")
	// ErrRootLeaf is returned for operations that need a parent page.
	ErrRootLeaf = errors.New("vtree: tree has a single leaf")
	// ErrCorrupt is returned when a page cannot be read back.
	ErrCorrupt = errors.New("vtree: corrupt tree")
	// ErrSnapshotTooOld is returned for reads below the horizon the
	// version index was pruned to.
	ErrSnapshotTooOld = errors.New("vtree: snapshot older than the pruned versions")
	// ErrTupleTooLarge is returned for tuples that cannot fit into a page.
	ErrTupleTooLarge = errors.New("vtree: tuple too large")
)

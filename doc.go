// Package btscan is an embeddable versioned B-tree whose centrepiece is a
// sequential scan that stays consistent while the tree changes.
//
// A scan returns every tuple visible to a snapshot. It walks the tree's
// level-1 pages, reads resident leaves directly and rebuilds the version of
// a leaf the snapshot saw from the undo log when the leaf changed since.
// Leaves that were checkpointed to disk are read in a second phase in file
// order. Ranges the tree restructured under the walk are read through an
// ordered iterator instead, so no tuple is lost or returned twice.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := btscan.Open(ctx)
//	defer db.Close()
//
//	db.Put(ctx, []byte("a"), []byte("1"))
//	snap := db.Snapshot()
//	db.Put(ctx, []byte("a"), []byte("2"))
//
//	sc, _ := db.NewScan(ctx, snap)
//	defer sc.Close()
//	for {
//	    item, ok, err := sc.Next(ctx)
//	    if err != nil || !ok {
//	        break
//	    }
//	    fmt.Println(string(item.Tuple.Key), string(item.Tuple.Value)) // a 1
//	}
//
// # Parallel Scans
//
// Workers sharing a Parallel descriptor split the leaves between them:
//
//	err := db.ParallelScan(ctx, snap, 4, func(worker int, item btscan.Item) error {
//	    return nil
//	})
//
// A Parallel descriptor serves one scan: every worker must use the same
// snapshot, and it cannot be joined again once the scan has finished.
//
// # Checkpoints
//
// Checkpoint writes resident leaves to a generation file in the configured
// blob store (memory, local disk, MinIO or S3). A scan pins the generation
// that was current when it started; files it may read are not deleted
// until it is closed. Checkpoint also drops tuple versions older than every
// open scan and transaction, so later point reads at such snapshots fail
// with ErrSnapshotTooOld.
package btscan

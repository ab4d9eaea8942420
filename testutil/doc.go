// Package testutil provides testing utilities for btscan.
//
// This package is intended for use in tests and benchmarks only.
//
// # Keys and Values
//
//	rng := testutil.NewRNG(seed)
//	keys := testutil.Keys(1000)       // "k000000", "k000001", ...
//	rng.Shuffle(keys)
//	v := rng.Value(32)
//
// # Expected Scan Output
//
// History records every committed write and answers what a scan at a
// given snapshot must return:
//
//	var h testutil.History
//	csn, _ := db.Put(ctx, k, v)
//	h.Put(csn, k, v)
//	want := h.At(snap)
package testutil

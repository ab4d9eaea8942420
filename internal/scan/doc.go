// Package scan implements sequential scans over a versioned B-tree.
//
// A scan walks the level-1 internal pages left to right and classifies
// every downlink. Resident leaves are read and merged with the page version
// the snapshot saw, rebuilt from the undo log. On-disk leaves are batched
// and replayed after the in-memory pass in file order. Downlinks that are
// being written are waited for and classified again. Whenever the tree
// changed under the walk so that a key range can no longer be read
// directly, the range is handed to the tree's ordered iterator instead.
//
// Several workers can share one walk through a Shared descriptor; each
// downlink is then handed to exactly one worker.
package scan

// Package vtree is a versioned B-tree over pagestore pages.
//
// Leaves carry tuple versions stamped with a CSN and the writing XID.
// Autocommit writes record the former page image in the undo log and bump
// the page CSN, so readers at older snapshots can rebuild the page as they
// saw it. Transactional writes are applied in place with CSNInProgress and
// only record tuple undo; Commit stamps the CSN.
//
// Every logical version is mirrored into an in-memory Pebble database that
// serves point lookups and the ordered fallback iterator.
package vtree

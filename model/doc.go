// Package model defines core types shared by the tree, the scan engine and
// the public API.
//
// # Versioning
//
//   - CSN: commit sequence number, also used as a snapshot token
//   - XID: transaction identifier
//
// # Data Types
//
//   - Tuple: key/value pair returned by scans and lookups
//   - LocationHint: block and change counter of the leaf a tuple came from
package model

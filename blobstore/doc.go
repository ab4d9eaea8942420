// Package blobstore stores the immutable files written by checkpoints.
//
// Every checkpoint generation publishes one file of framed page images.
// Files are written whole with Put and read with positional reads, so
// object stores work as well as local disks.
//
// # Built-in Implementations
//
//   - MemoryStore: in-memory, for tests and ephemeral trees
//   - LocalStore: local directory, reads through mmap
//   - minio.Store: MinIO and other S3-compatible servers
//   - s3.Store: Amazon S3 with ranged reads and multipart uploads
package blobstore

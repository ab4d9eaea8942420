// Package fs abstracts the file operations the local blob store performs
// when it publishes checkpoint files, so tests can inject write and sync
// failures.
//
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(fs.NewFaultyFS(nil)))
package fs

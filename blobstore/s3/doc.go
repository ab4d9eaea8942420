// Package s3 stores checkpoint files in Amazon S3.
//
//	store, err := s3.New(ctx, "my-bucket", s3.WithPrefix("trees/orders"))
//	db, err := btscan.Open(ctx, btscan.WithBlobStore(store))
//
// Pages are fetched with ranged GETs. Files larger than the part size are
// uploaded with the multipart upload manager; smaller files use a single
// PUT carrying a CRC32C checksum.
package s3

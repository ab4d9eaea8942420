// Package compress frames page-sized blocks for storage: each frame carries
// the raw and stored sizes, a CRC32C of the raw bytes and the codec used.
//
// Frame format:
//
//	[raw u32][stored u32][crc32c u32][type u8][pad 3][data...]
//
// A stored size of 0 means the data follows uncompressed. Blocks whose
// compressed form saves less than 10% are stored raw.
package compress

package btscan

import (
	"log/slog"

	"github.com/hupe1980/btscan/blobstore"
	"github.com/hupe1980/btscan/internal/compress"
	"github.com/hupe1980/btscan/internal/vtree"
)

// Compression selects the codec for checkpoint pages.
type Compression = compress.Type

const (
	CompressionNone = compress.None
	CompressionLZ4  = compress.LZ4
	CompressionZSTD = compress.ZSTD
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	return compress.ParseType(s)
}

// DefaultCacheBlocks is the default number of checkpoint pages kept in the
// block cache.
const DefaultCacheBlocks = 1024

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	blobs            blobstore.BlobStore
	compression      Compression
	cacheBlocks      int
	ioLimit          int64
	memoryLimit      int64
	maxWorkers       int64
	maxLeafItems     int
	maxInternalItems int
}

// Option configures Open.
type Option func(*options)

// WithMetricsCollector enables metrics collection.
//
//	metrics := &btscan.BasicMetricsCollector{}
//	db, _ := btscan.Open(ctx, btscan.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Scans: %d, tuples: %d\n", stats.ScanCount, stats.ScanTuples)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging. Pass nil to disable logging.
//
//	logger := btscan.NewJSONLogger(slog.LevelDebug)
//	db, _ := btscan.Open(ctx, btscan.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithBlobStore sets where checkpoint generations are written. The default
// keeps them in memory.
//
//	db, _ := btscan.Open(ctx, btscan.WithBlobStore(blobstore.NewLocalStore("/var/lib/btscan")))
func WithBlobStore(bs blobstore.BlobStore) Option {
	return func(o *options) {
		o.blobs = bs
	}
}

// WithCompression selects the checkpoint page codec (default ZSTD).
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithCacheBlocks sets the capacity of the checkpoint block cache. Zero
// disables caching.
func WithCacheBlocks(n int) Option {
	return func(o *options) {
		o.cacheBlocks = n
	}
}

// WithIOLimit caps checkpoint reads at bytesPerSec. Zero is unlimited.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithMemoryLimit caps the memory held by the undo log and the block
// cache. Writes fail once the undo log cannot grow. Zero is unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithMaxWorkers caps the number of ParallelScan workers running at once.
func WithMaxWorkers(n int) Option {
	return func(o *options) {
		o.maxWorkers = int64(n)
	}
}

// WithFanOut sets the maximum number of items per leaf and internal page.
// Small values build deep trees from few keys.
func WithFanOut(leaf, internal int) Option {
	return func(o *options) {
		o.maxLeafItems = leaf
		o.maxInternalItems = internal
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		compression:      CompressionZSTD,
		cacheBlocks:      DefaultCacheBlocks,
		maxLeafItems:     vtree.DefaultMaxLeafItems,
		maxInternalItems: vtree.DefaultMaxInternalItems,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.blobs == nil {
		o.blobs = blobstore.NewMemoryStore()
	}
	return o
}

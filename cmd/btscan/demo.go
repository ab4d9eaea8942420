package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/hupe1980/btscan"
	"github.com/hupe1980/btscan/blobstore"
	miniostore "github.com/hupe1980/btscan/blobstore/minio"
	s3store "github.com/hupe1980/btscan/blobstore/s3"
	"github.com/hupe1980/btscan/testutil"
)

type demoConfig struct {
	keys        int
	workers     int
	fanOut      int
	compression string
	store       string
	dir         string
	bucket      string
	prefix      string
	region      string
	endpoint    string
	accessKey   string
	secretKey   string
	secure      bool
	verbose     bool
}

func newDemoCmd() *cobra.Command {
	cfg := demoConfig{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Load keys, mutate and checkpoint them, then scan an old snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.keys, "keys", 10000, "number of keys to load")
	f.IntVar(&cfg.workers, "workers", 4, "parallel scan workers")
	f.IntVar(&cfg.fanOut, "fanout", 32, "maximum items per page")
	f.StringVar(&cfg.compression, "compression", "zstd", "checkpoint compression (none, lz4, zstd)")
	f.StringVar(&cfg.store, "store", "memory", "checkpoint store (memory, local, minio, s3)")
	f.StringVar(&cfg.dir, "dir", "", "directory of the local store")
	f.StringVar(&cfg.bucket, "bucket", "", "bucket of the minio or s3 store")
	f.StringVar(&cfg.prefix, "prefix", "btscan/", "object key prefix")
	f.StringVar(&cfg.region, "region", "", "s3 region")
	f.StringVar(&cfg.endpoint, "endpoint", "localhost:9000", "minio endpoint")
	f.StringVar(&cfg.accessKey, "access-key", "", "minio access key")
	f.StringVar(&cfg.secretKey, "secret-key", "", "minio secret key")
	f.BoolVar(&cfg.secure, "secure", false, "use TLS for minio")
	f.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func openStore(ctx context.Context, cfg demoConfig) (blobstore.BlobStore, error) {
	switch cfg.store {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	case "local":
		if cfg.dir == "" {
			return nil, fmt.Errorf("--dir is required for the local store")
		}
		return blobstore.NewLocalStore(cfg.dir), nil
	case "minio":
		client, err := minio.New(cfg.endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretKey, ""),
			Secure: cfg.secure,
		})
		if err != nil {
			return nil, err
		}
		return miniostore.NewStore(client, cfg.bucket, cfg.prefix), nil
	case "s3":
		opts := []s3store.Option{s3store.WithPrefix(cfg.prefix)}
		if cfg.region != "" {
			opts = append(opts, s3store.WithRegion(cfg.region))
		}
		return s3store.New(ctx, cfg.bucket, opts...)
	}
	return nil, fmt.Errorf("unknown store %q", cfg.store)
}

func runDemo(ctx context.Context, out io.Writer, cfg demoConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	codec, err := btscan.ParseCompression(cfg.compression)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	metrics := &btscan.BasicMetricsCollector{}

	db, err := btscan.Open(ctx,
		btscan.WithBlobStore(store),
		btscan.WithCompression(codec),
		btscan.WithFanOut(cfg.fanOut, cfg.fanOut),
		btscan.WithMetricsCollector(metrics),
		btscan.WithLogLevel(level),
	)
	if err != nil {
		return err
	}
	defer db.Close()

	rng := testutil.NewRNG(42)
	keys := testutil.Keys(cfg.keys)
	tuples := make([]btscan.Tuple, len(keys))
	for i, k := range keys {
		tuples[i] = btscan.Tuple{Key: k, Value: rng.Value(16)}
	}
	start := time.Now()
	if _, err := db.Load(ctx, tuples); err != nil {
		return err
	}
	snap := db.Snapshot()
	height, err := db.Height()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "loaded %d keys in %s, height %d, snapshot %d\n", cfg.keys, time.Since(start), height, snap)

	if err := db.Checkpoint(ctx); err != nil {
		return err
	}
	rng.Shuffle(keys)
	for i, k := range keys[:len(keys)/2] {
		if i%5 == 0 {
			_, err = db.Delete(ctx, k)
		} else {
			_, err = db.Put(ctx, k, rng.Value(16))
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "mutated %d keys after checkpoint generation %d\n", len(keys)/2, db.Generation())

	var n atomic.Int64
	start = time.Now()
	err = db.ParallelScan(ctx, snap, cfg.workers, func(_ int, _ btscan.Item) error {
		n.Add(1)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "scanned %d tuples at snapshot %d with %d workers in %s\n", n.Load(), snap, cfg.workers, time.Since(start))

	sc, err := db.NewScan(ctx, db.Snapshot())
	if err != nil {
		return err
	}
	latest := 0
	for {
		_, ok, err := sc.Next(ctx)
		if err != nil {
			sc.Close()
			return err
		}
		if !ok {
			break
		}
		latest++
	}
	stats := sc.Stats()
	if err := sc.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "latest snapshot: %d tuples, %d leaves, %d disk pages, %d historical pages, %d fallbacks\n",
		latest, stats.LeafPages, stats.DiskPages, stats.HistoricalPages, stats.FallbackIterators)

	ms := metrics.GetStats()
	fmt.Fprintf(out, "metrics: %d writes, %d scans, %d checkpoint pages\n", ms.WriteCount, ms.ScanCount, ms.CheckpointPages)
	return nil
}

package btscan

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; see
// metrics/prometheus for a Prometheus adapter.
type MetricsCollector interface {
	// RecordWrite is called after each Put, Delete and transaction commit.
	RecordWrite(duration time.Duration, err error)

	// RecordScan is called when a scan is closed with the tuples it
	// returned and the work it did.
	RecordScan(stats ScanStats, duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint.
	RecordCheckpoint(pages, reclaimed int, duration time.Duration, err error)

	// RecordSweep is called with the number of scans SweepScans released.
	RecordSweep(released int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordWrite(time.Duration, error)                {}
func (NoopMetricsCollector) RecordScan(ScanStats, time.Duration, error)      {}
func (NoopMetricsCollector) RecordCheckpoint(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordSweep(int)                                 {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	WriteCount       atomic.Int64
	WriteErrors      atomic.Int64
	WriteTotalNanos  atomic.Int64
	ScanCount        atomic.Int64
	ScanErrors       atomic.Int64
	ScanTotalNanos   atomic.Int64
	ScanTuples       atomic.Int64
	ScanDiskPages    atomic.Int64
	ScanFallbacks    atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
	CheckpointPages  atomic.Int64
	ReclaimedBlobs   atomic.Int64
	SweptScans       atomic.Int64
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordScan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScan(stats ScanStats, duration time.Duration, err error) {
	b.ScanCount.Add(1)
	b.ScanTotalNanos.Add(duration.Nanoseconds())
	b.ScanTuples.Add(int64(stats.Tuples))
	b.ScanDiskPages.Add(int64(stats.DiskPages))
	b.ScanFallbacks.Add(int64(stats.FallbackIterators))
	if err != nil {
		b.ScanErrors.Add(1)
	}
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(pages, reclaimed int, _ time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
		return
	}
	b.CheckpointPages.Add(int64(pages))
	b.ReclaimedBlobs.Add(int64(reclaimed))
}

// RecordSweep implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSweep(released int) {
	b.SweptScans.Add(int64(released))
}

// BasicMetricsStats is a point-in-time copy of BasicMetricsCollector.
type BasicMetricsStats struct {
	WriteCount       int64
	WriteErrors      int64
	AvgWriteNanos    int64
	ScanCount        int64
	ScanErrors       int64
	AvgScanNanos     int64
	ScanTuples       int64
	ScanDiskPages    int64
	ScanFallbacks    int64
	CheckpointCount  int64
	CheckpointErrors int64
	CheckpointPages  int64
	ReclaimedBlobs   int64
	SweptScans       int64
}

// GetStats returns a snapshot of the current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		WriteCount:       b.WriteCount.Load(),
		WriteErrors:      b.WriteErrors.Load(),
		AvgWriteNanos:    avg(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		ScanCount:        b.ScanCount.Load(),
		ScanErrors:       b.ScanErrors.Load(),
		AvgScanNanos:     avg(b.ScanTotalNanos.Load(), b.ScanCount.Load()),
		ScanTuples:       b.ScanTuples.Load(),
		ScanDiskPages:    b.ScanDiskPages.Load(),
		ScanFallbacks:    b.ScanFallbacks.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
		CheckpointPages:  b.CheckpointPages.Load(),
		ReclaimedBlobs:   b.ReclaimedBlobs.Load(),
		SweptScans:       b.SweptScans.Load(),
	}
}

func avg(total, n int64) int64 {
	if n == 0 {
		return 0
	}
	return total / n
}

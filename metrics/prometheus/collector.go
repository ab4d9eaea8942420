// Package prometheus exports btscan metrics to Prometheus.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/btscan"
)

// Collector implements btscan.MetricsCollector with Prometheus metrics.
type Collector struct {
	opLatency   *prometheus.HistogramVec
	scanTuples  prometheus.Counter
	scanPages   *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
	ckptPages   prometheus.Counter
	reclaimed   prometheus.Counter
	swept       prometheus.Counter
}

var _ btscan.MetricsCollector = (*Collector)(nil)

// New creates a Collector and registers its metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "btscan_operation_latency_seconds",
			Help:    "Latency of database operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		scanTuples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btscan_scan_tuples_total",
			Help: "Tuples returned by scans",
		}),
		scanPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "btscan_scan_pages_total",
			Help: "Pages read by scans",
		}, []string{"kind"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "btscan_checkpoints_total",
			Help: "Checkpoints completed",
		}, []string{"status"}),
		ckptPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btscan_checkpoint_pages_total",
			Help: "Pages written by checkpoints",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btscan_reclaimed_generations_total",
			Help: "Checkpoint generation files deleted",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btscan_swept_scans_total",
			Help: "Abandoned scans released",
		}),
	}
	reg.MustRegister(c.opLatency, c.scanTuples, c.scanPages, c.checkpoints, c.ckptPages, c.reclaimed, c.swept)
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordWrite implements btscan.MetricsCollector.
func (c *Collector) RecordWrite(d time.Duration, err error) {
	c.opLatency.WithLabelValues("write", status(err)).Observe(d.Seconds())
}

// RecordScan implements btscan.MetricsCollector.
func (c *Collector) RecordScan(stats btscan.ScanStats, d time.Duration, err error) {
	c.opLatency.WithLabelValues("scan", status(err)).Observe(d.Seconds())
	c.scanTuples.Add(float64(stats.Tuples))
	c.scanPages.WithLabelValues("leaf").Add(float64(stats.LeafPages))
	c.scanPages.WithLabelValues("disk").Add(float64(stats.DiskPages))
	c.scanPages.WithLabelValues("historical").Add(float64(stats.HistoricalPages))
	c.scanPages.WithLabelValues("internal").Add(float64(stats.InternalPages))
}

// RecordCheckpoint implements btscan.MetricsCollector.
func (c *Collector) RecordCheckpoint(pages, reclaimed int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("checkpoint", status(err)).Observe(d.Seconds())
	c.checkpoints.WithLabelValues(status(err)).Inc()
	c.ckptPages.Add(float64(pages))
	c.reclaimed.Add(float64(reclaimed))
}

// RecordSweep implements btscan.MetricsCollector.
func (c *Collector) RecordSweep(released int) {
	c.swept.Add(float64(released))
}

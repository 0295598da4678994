package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/taildispatch/taildispatch/internal/protocol"
)

// Collector aggregates per-component latency distributions and the global
// request/miss counters. All methods are safe for concurrent use.
type Collector struct {
	e2e        *LatencyHistogram
	lbOverhead *LatencyHistogram
	perWorker  [protocol.MaxWorkers]*LatencyHistogram

	totalRequests  atomic.Uint64
	deadlineMisses atomic.Uint64
}

func NewCollector() *Collector {
	c := &Collector{
		e2e:        NewLatencyHistogram(),
		lbOverhead: NewLatencyHistogram(),
	}
	for i := range c.perWorker {
		c.perWorker[i] = NewLatencyHistogram()
	}
	return c
}

// RecordLatency records one end-to-end observation.
func (c *Collector) RecordLatency(latencyNS int64) {
	c.e2e.Record(latencyNS)
	c.totalRequests.Add(1)
}

// RecordWorkerLatency attributes an end-to-end observation to a worker.
func (c *Collector) RecordWorkerLatency(workerID uint8, latencyNS int64) {
	c.perWorker[int(workerID)%protocol.MaxWorkers].Record(latencyNS)
}

// RecordOverhead records the dispatch decision cost at the LB.
func (c *Collector) RecordOverhead(overheadNS int64) {
	c.lbOverhead.Record(overheadNS)
}

// RecordDeadlineMiss bumps the miss counter.
func (c *Collector) RecordDeadlineMiss() {
	c.deadlineMisses.Add(1)
}

func (c *Collector) TotalRequests() uint64 { return c.totalRequests.Load() }
func (c *Collector) DeadlineMisses() uint64 { return c.deadlineMisses.Load() }

// MissRate returns misses/total, zero when nothing was recorded.
func (c *Collector) MissRate() float64 {
	total := c.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(c.deadlineMisses.Load()) / float64(total)
}

func (c *Collector) E2E() *LatencyHistogram        { return c.e2e }
func (c *Collector) LBOverhead() *LatencyHistogram { return c.lbOverhead }

func (c *Collector) WorkerLatency(workerID uint8) *LatencyHistogram {
	return c.perWorker[int(workerID)%protocol.MaxWorkers]
}

// Reset clears the histograms and counters; called at warmup end.
func (c *Collector) Reset() {
	c.e2e.Reset()
	c.lbOverhead.Reset()
	for _, h := range c.perWorker {
		h.Reset()
	}
	c.totalRequests.Store(0)
	c.deadlineMisses.Store(0)
}

// ExportAll writes summary.txt, the overall and per-worker CDF CSVs and the
// histogram snapshots under dir.
func (c *Collector) ExportAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating output dir %s", dir)
	}

	if err := c.e2e.ExportCDF(filepath.Join(dir, "e2e_latency_cdf.csv"), 10000); err != nil {
		return err
	}
	if err := c.e2e.ExportSnapshot(filepath.Join(dir, "e2e_latency.hdr")); err != nil {
		return err
	}
	if err := c.lbOverhead.ExportSnapshot(filepath.Join(dir, "lb_overhead.hdr")); err != nil {
		return err
	}

	for i, h := range c.perWorker {
		if h.TotalCount() == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("worker_%d_latency_cdf.csv", i))
		if err := h.ExportCDF(path, 10000); err != nil {
			return err
		}
	}

	f, err := os.Create(filepath.Join(dir, "summary.txt"))
	if err != nil {
		return errors.Wrap(err, "creating summary")
	}
	defer f.Close()

	fmt.Fprintf(f, "Run ID: %s\n", uuid.New())
	fmt.Fprintf(f, "Exported: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "Total Requests: %d\n", c.TotalRequests())
	fmt.Fprintf(f, "Deadline Misses: %d\n", c.DeadlineMisses())
	fmt.Fprintf(f, "Deadline Miss Rate: %.4f%%\n", c.MissRate()*100)
	fmt.Fprintf(f, "P50 Latency (us): %.2f\n", float64(c.e2e.Percentile(50))/1000)
	fmt.Fprintf(f, "P99 Latency (us): %.2f\n", float64(c.e2e.Percentile(99))/1000)
	fmt.Fprintf(f, "P99.9 Latency (us): %.2f\n", float64(c.e2e.Percentile(99.9))/1000)
	fmt.Fprintf(f, "P99.99 Latency (us): %.2f\n", float64(c.e2e.Percentile(99.99))/1000)

	log.Infof("metrics exported to %s", dir)
	return nil
}

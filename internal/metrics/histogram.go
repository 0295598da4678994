// Package metrics collects latency distributions and counters for all three
// components and writes the stop-time exports (summary, CDF CSVs, histogram
// snapshots).
package metrics

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"
)

// LatencyHistogram is a thread-safe wrapper over a log-compressed HDR
// histogram tracking 1ns .. 10s at three significant figures.
type LatencyHistogram struct {
	mu sync.Mutex
	h  *hdrhistogram.Histogram
}

const (
	lowestTrackableNS  = 1
	highestTrackableNS = 10_000_000_000
	significantFigures = 3
)

func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		h: hdrhistogram.New(lowestTrackableNS, highestTrackableNS, significantFigures),
	}
}

// Record adds one latency observation in nanoseconds. Values outside the
// trackable range are clamped rather than dropped.
func (l *LatencyHistogram) Record(valueNS int64) {
	if valueNS < lowestTrackableNS {
		valueNS = lowestTrackableNS
	}
	if valueNS > highestTrackableNS {
		valueNS = highestTrackableNS
	}
	l.mu.Lock()
	_ = l.h.RecordValue(valueNS)
	l.mu.Unlock()
}

// Percentile returns the latency at the given percentile (0-100) in ns.
func (l *LatencyHistogram) Percentile(p float64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.ValueAtQuantile(p)
}

func (l *LatencyHistogram) Mean() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Mean()
}

func (l *LatencyHistogram) Max() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.Max()
}

func (l *LatencyHistogram) TotalCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.h.TotalCount()
}

func (l *LatencyHistogram) Reset() {
	l.mu.Lock()
	l.h.Reset()
	l.mu.Unlock()
}

// Merge folds another histogram into this one.
func (l *LatencyHistogram) Merge(other *LatencyHistogram) {
	other.mu.Lock()
	snapshot := hdrhistogram.Import(other.h.Export())
	other.mu.Unlock()

	l.mu.Lock()
	l.h.Merge(snapshot)
	l.mu.Unlock()
}

// Summary formats the headline percentiles in microseconds.
func (l *LatencyHistogram) Summary(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf(
		"[%s] count=%d mean=%.2fus p50=%.2fus p99=%.2fus p99.9=%.2fus p99.99=%.2fus max=%.2fus",
		name,
		l.h.TotalCount(),
		l.h.Mean()/1000,
		float64(l.h.ValueAtQuantile(50))/1000,
		float64(l.h.ValueAtQuantile(99))/1000,
		float64(l.h.ValueAtQuantile(99.9))/1000,
		float64(l.h.ValueAtQuantile(99.99))/1000,
		float64(l.h.Max())/1000,
	)
}

// WriteCDF emits "percentile,latency_ns,latency_us" rows over numPoints
// evenly spaced percentiles.
func (l *LatencyHistogram) WriteCDF(w io.Writer, numPoints int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintln(w, "percentile,latency_ns,latency_us"); err != nil {
		return errors.WithStack(err)
	}
	for i := 0; i <= numPoints; i++ {
		p := 100 * float64(i) / float64(numPoints)
		v := l.h.ValueAtQuantile(p)
		if _, err := fmt.Fprintf(w, "%g,%d,%.3f\n", p, v, float64(v)/1000); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// WriteSnapshot emits the cumulative distribution brackets, one per line, in
// the classic value/percentile/count layout.
func (l *LatencyHistogram) WriteSnapshot(w io.Writer) error {
	l.mu.Lock()
	brackets := l.h.CumulativeDistribution()
	total := l.h.TotalCount()
	l.mu.Unlock()

	if _, err := fmt.Fprintf(w, "%12s %14s %10s\n", "Value(ns)", "Percentile", "TotalCount"); err != nil {
		return errors.WithStack(err)
	}
	for _, b := range brackets {
		if _, err := fmt.Fprintf(w, "%12d %14.6f %10d\n", b.ValueAt, b.Quantile/100, b.Count); err != nil {
			return errors.WithStack(err)
		}
	}
	_, err := fmt.Fprintf(w, "#[TotalCount=%d]\n", total)
	return errors.WithStack(err)
}

// ExportCDF writes the CDF CSV to path.
func (l *LatencyHistogram) ExportCDF(path string, numPoints int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()
	return l.WriteCDF(f, numPoints)
}

// ExportSnapshot writes the histogram snapshot to path.
func (l *LatencyHistogram) ExportSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()
	return l.WriteSnapshot(f)
}

package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramPercentiles(t *testing.T) {
	h := NewLatencyHistogram()
	for i := int64(1); i <= 1000; i++ {
		h.Record(i * 1000) // 1us .. 1ms
	}
	assert.Equal(t, int64(1000), h.TotalCount())

	p50 := h.Percentile(50)
	assert.InDelta(t, 500_000, float64(p50), 5_000)
	p99 := h.Percentile(99)
	assert.InDelta(t, 990_000, float64(p99), 10_000)
}

func TestHistogramClampsOutOfRange(t *testing.T) {
	h := NewLatencyHistogram()
	h.Record(0)
	h.Record(-5)
	h.Record(100_000_000_000)
	assert.Equal(t, int64(3), h.TotalCount())
}

func TestHistogramMerge(t *testing.T) {
	a := NewLatencyHistogram()
	b := NewLatencyHistogram()
	for i := 0; i < 100; i++ {
		a.Record(1000)
		b.Record(2000)
	}
	a.Merge(b)
	assert.Equal(t, int64(200), a.TotalCount())
}

func TestWriteCDFFormat(t *testing.T) {
	h := NewLatencyHistogram()
	for i := 0; i < 100; i++ {
		h.Record(int64(i+1) * 1000)
	}
	var buf bytes.Buffer
	require.NoError(t, h.WriteCDF(&buf, 100))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "percentile,latency_ns,latency_us", lines[0])
	assert.Len(t, lines, 102)
}

func TestCollectorMissRate(t *testing.T) {
	c := NewCollector()
	assert.Zero(t, c.MissRate())

	for i := 0; i < 100; i++ {
		c.RecordLatency(1000)
	}
	for i := 0; i < 5; i++ {
		c.RecordDeadlineMiss()
	}
	assert.InDelta(t, 0.05, c.MissRate(), 1e-9)
	assert.Equal(t, uint64(100), c.TotalRequests())
	assert.Equal(t, uint64(5), c.DeadlineMisses())

	c.Reset()
	assert.Zero(t, c.TotalRequests())
	assert.Zero(t, c.MissRate())
}

func TestCollectorExportAll(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector()
	for i := 0; i < 1000; i++ {
		c.RecordLatency(int64(i+1) * 100)
		c.RecordWorkerLatency(2, int64(i+1)*100)
	}
	c.RecordDeadlineMiss()
	require.NoError(t, c.ExportAll(dir))

	for _, name := range []string{
		"summary.txt", "e2e_latency_cdf.csv", "e2e_latency.hdr",
		"lb_overhead.hdr", "worker_2_latency_cdf.csv",
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	summary, err := os.ReadFile(filepath.Join(dir, "summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Total Requests: 1000")
	assert.Contains(t, string(summary), "Deadline Miss Rate:")
}

func TestThroughputCounterWindow(t *testing.T) {
	tc := NewThroughputCounter()
	base := int64(1_000_000_000_000)
	for i := 0; i < 500; i++ {
		tc.Record(base + int64(i)*1_000_000) // 500 events over 500ms
	}
	// 500 events in a 1s window.
	assert.InDelta(t, 500, tc.RPS(), 1)
}

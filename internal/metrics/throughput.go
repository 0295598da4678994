package metrics

import "sync/atomic"

// ThroughputCounter maintains a ring of fixed-width time buckets updated
// atomically on completion; the current RPS is the window sum divided by the
// window length.
type ThroughputCounter struct {
	buckets    []atomic.Uint64
	bucketNS   int64
	lastBucket atomic.Int64
}

const (
	defaultThroughputWindow   = 10
	defaultThroughputBucketNS = 100_000_000 // 100ms
)

func NewThroughputCounter() *ThroughputCounter {
	return &ThroughputCounter{
		buckets:  make([]atomic.Uint64, defaultThroughputWindow),
		bucketNS: defaultThroughputBucketNS,
	}
}

// Record counts one completion at the given instant.
func (t *ThroughputCounter) Record(nowNS int64) {
	bucket := (nowNS / t.bucketNS) % int64(len(t.buckets))
	t.buckets[bucket].Add(1)

	// On entering a new bucket, clear the one ahead of it so the window
	// never accumulates stale counts.
	if t.lastBucket.Swap(bucket) != bucket {
		t.buckets[(bucket+1)%int64(len(t.buckets))].Store(0)
	}
}

// RPS returns the completion rate over the ring window.
func (t *ThroughputCounter) RPS() float64 {
	var total uint64
	for i := range t.buckets {
		total += t.buckets[i].Load()
	}
	windowSec := float64(int64(len(t.buckets))*t.bucketNS) / 1e9
	return float64(total) / windowSec
}

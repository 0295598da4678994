package edf

import (
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
)

// WheelQueue is a fixed-ring timing wheel. Insert hashes the deadline into a
// bucket under that bucket's lock; pop scans backwards from the current-time
// bucket and serves the minimum deadline within the first non-empty bucket.
// Tasks in one bucket are deadline-ordered only by that scan selection, a
// precision trade against per-bucket locking.
type WheelQueue struct {
	clock       clockwork.Clock
	bucketWidth int64
	buckets     []wheelBucket
	size        atomic.Int64
}

type wheelBucket struct {
	mu    sync.Mutex
	tasks []Task
}

const (
	// DefaultWheelBuckets x DefaultBucketWidthNS gives a ~1ms horizon.
	DefaultWheelBuckets  = 1024
	DefaultBucketWidthNS = 1000
	wheelScanFraction    = 8 // scan up to len/8 buckets backwards
)

// NewWheelQueue builds a wheel with the given bucket count and width; zero
// values select the defaults.
func NewWheelQueue(buckets int, bucketWidthNS int64, clock clockwork.Clock) *WheelQueue {
	if buckets <= 0 {
		buckets = DefaultWheelBuckets
	}
	if bucketWidthNS <= 0 {
		bucketWidthNS = DefaultBucketWidthNS
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WheelQueue{
		clock:       clock,
		bucketWidth: bucketWidthNS,
		buckets:     make([]wheelBucket, buckets),
	}
}

func (q *WheelQueue) bucketFor(deadline int64) *wheelBucket {
	idx := (deadline / q.bucketWidth) % int64(len(q.buckets))
	if idx < 0 {
		idx += int64(len(q.buckets))
	}
	return &q.buckets[idx]
}

func (q *WheelQueue) Push(t Task) {
	b := q.bucketFor(t.Deadline)
	b.mu.Lock()
	b.tasks = append(b.tasks, t)
	b.mu.Unlock()
	q.size.Add(1)
}

func (q *WheelQueue) TryPop() (Task, bool) {
	now := q.clock.Now().UnixNano()
	n := int64(len(q.buckets))
	current := (now / q.bucketWidth) % n

	for offset := int64(0); offset < n/wheelScanFraction; offset++ {
		idx := (current - offset + n) % n
		b := &q.buckets[idx]
		b.mu.Lock()
		if len(b.tasks) == 0 {
			b.mu.Unlock()
			continue
		}
		min := 0
		for i := 1; i < len(b.tasks); i++ {
			if b.tasks[i].Deadline < b.tasks[min].Deadline {
				min = i
			}
		}
		t := b.tasks[min]
		b.tasks[min] = b.tasks[len(b.tasks)-1]
		b.tasks = b.tasks[:len(b.tasks)-1]
		b.mu.Unlock()
		q.size.Add(-1)
		return t, true
	}
	return Task{}, false
}

func (q *WheelQueue) Len() int {
	return int(q.size.Load())
}

func (q *WheelQueue) SlackHistogram(nowNS int64) []uint32 {
	hist := make([]uint32, HistogramBins)
	for i := range q.buckets {
		b := &q.buckets[i]
		b.mu.Lock()
		for j := range b.tasks {
			hist[slackBin(b.tasks[j].Slack(nowNS))]++
		}
		b.mu.Unlock()
	}
	return hist
}

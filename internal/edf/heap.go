package edf

import (
	"container/heap"
	"sync"
)

// HeapQueue is a mutex-protected min-heap keyed by absolute deadline.
// Push/pop are O(log n), peek O(1). The sequence of popped deadlines is
// non-decreasing between any two pushes.
type HeapQueue struct {
	mu sync.Mutex
	h  taskHeap
}

func NewHeapQueue() *HeapQueue {
	return &HeapQueue{}
}

func (q *HeapQueue) Push(t Task) {
	q.mu.Lock()
	heap.Push(&q.h, t)
	q.mu.Unlock()
}

func (q *HeapQueue) TryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Task{}, false
	}
	return heap.Pop(&q.h).(Task), true
}

// Peek returns the earliest-deadline task without removing it.
func (q *HeapQueue) Peek() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Task{}, false
	}
	return q.h[0], true
}

func (q *HeapQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// PopExpired removes and returns every task whose deadline is at or before
// now. The heap ordering makes this a prefix of pops.
func (q *HeapQueue) PopExpired(nowNS int64) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []Task
	for len(q.h) > 0 && q.h[0].Deadline <= nowNS {
		expired = append(expired, heap.Pop(&q.h).(Task))
	}
	return expired
}

func (q *HeapQueue) SlackHistogram(nowNS int64) []uint32 {
	hist := make([]uint32, HistogramBins)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.h {
		hist[slackBin(q.h[i].Slack(nowNS))]++
	}
	return hist
}

type taskHeap []Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].Deadline < h[j].Deadline }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

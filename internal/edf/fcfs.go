package edf

import "sync"

// FCFSQueue is a mutex-protected FIFO. Push and pop are O(1). Used by the
// baseline policies, where arrival order is the service order.
type FCFSQueue struct {
	mu    sync.Mutex
	tasks []Task
}

func NewFCFSQueue() *FCFSQueue {
	return &FCFSQueue{}
}

func (q *FCFSQueue) Push(t Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

func (q *FCFSQueue) TryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *FCFSQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *FCFSQueue) SlackHistogram(nowNS int64) []uint32 {
	hist := make([]uint32, HistogramBins)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tasks {
		hist[slackBin(q.tasks[i].Slack(nowNS))]++
	}
	return hist
}

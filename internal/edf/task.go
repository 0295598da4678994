// Package edf holds the worker-local ready queues: a FIFO used by the
// baselines, a deadline-ordered heap, and a timing-wheel variant for high
// push rates, plus the slack-histogram extractor the dispatch policies feed
// on.
package edf

import "github.com/taildispatch/taildispatch/internal/protocol"

// Task is one dispatched request inside a worker. It traverses
// receive -> ready queue -> compute -> completion exactly once. Handle is a
// non-owning reference to the transport request handle; only the I/O
// goroutine may use it to touch the network.
type Task struct {
	ID            uint64
	Deadline      int64 // absolute, advisory copy of the client deadline
	ArrivalNS     int64
	ClientSendNS  uint64
	ServiceHintUS uint32
	Type          protocol.RequestType
	PayloadSize   uint16
	Handle        interface{}

	// Filled in by the compute task before the completion hand-off.
	DoneNS          int64
	ActualServiceNS int64
	QueueWaitNS     int64
}

// Slack returns deadline - now; non-positive means the deadline has passed.
func (t *Task) Slack(nowNS int64) int64 {
	return t.Deadline - nowNS
}

// Expired reports whether the task's deadline has passed.
func (t *Task) Expired(nowNS int64) bool {
	return t.Deadline <= nowNS
}

// Queue is the ready-queue contract shared by all variants.
type Queue interface {
	Push(Task)
	// TryPop removes the next task according to the variant's ordering.
	TryPop() (Task, bool)
	Len() int
	// SlackHistogram bins deadline-now over the queued tasks at this
	// instant. Bin 0 counts expired tasks; the bins always sum to Len at
	// the query instant.
	SlackHistogram(nowNS int64) []uint32
}

// Slack-histogram shape. Bin 0 holds non-positive slack; bins 1..Bins-1
// cover successive BinWidthNS intervals, with the last bin open-ended.
const (
	HistogramBins = 32
	BinWidthNS    = 100_000 // 100us
)

func slackBin(slack int64) int {
	if slack <= 0 {
		return 0
	}
	bin := int(slack/BinWidthNS) + 1
	if bin > HistogramBins-1 {
		bin = HistogramBins - 1
	}
	return bin
}

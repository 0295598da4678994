package dispatch

import (
	"sync"

	"github.com/taildispatch/taildispatch/internal/transport"
)

// PendingKey composes the in-flight table key. Client ids are distinct by
// configuration, so keys cannot collide.
func PendingKey(clientID uint8, requestID uint64) uint64 {
	return uint64(clientID)<<32 | (requestID & 0xFFFFFFFF)
}

// PendingEntry records one in-flight request between dispatch and response
// correlation.
type PendingEntry struct {
	ID           uint64
	ClientID     uint8
	SendNS       int64
	Deadline     int64
	LBRecvNS     int64
	TargetWorker int
	ClientHandle *transport.ReqHandle
	RequestBuf   *transport.MsgBuffer
	ResponseBuf  *transport.MsgBuffer
}

// PendingTable tracks in-flight requests under its own mutex, disjoint from
// the worker-state lock. A response whose key is absent is the caller's cue
// to log and discard.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*PendingEntry
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint64]*PendingEntry)}
}

func (t *PendingTable) Insert(key uint64, e *PendingEntry) {
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
}

// Remove returns and deletes the entry, reporting whether it existed.
func (t *PendingTable) Remove(key uint64) (*PendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return e, ok
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Expire removes and returns every entry dispatched before cutoffNS, and
// every entry aimed at the given worker when workerFilter is non-negative.
// Used to synthesise failure responses after worker timeouts and session
// loss.
func (t *PendingTable) Expire(cutoffNS int64, workerFilter int) []*PendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*PendingEntry
	for key, e := range t.entries {
		if e.LBRecvNS < cutoffNS || (workerFilter >= 0 && e.TargetWorker == workerFilter) {
			out = append(out, e)
			delete(t.entries, key)
		}
	}
	return out
}

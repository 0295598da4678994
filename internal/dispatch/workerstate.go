package dispatch

import (
	"sync"

	"github.com/taildispatch/taildispatch/internal/edf"
	"github.com/taildispatch/taildispatch/internal/protocol"
)

// WorkerState is the LB-side view of one worker. QueueLen is the LB's own
// estimate (incremented on dispatch, decremented on response); the slack
// histogram arrives through state updates.
type WorkerState struct {
	ID             uint8
	Addr           string
	QueueLen       int
	LoadEMA        float64
	AvgServiceNS   float64
	P99NS          float64
	MissRate       float64
	CapacityFactor float64
	Healthy        bool
	LastEventNS    int64
	SlackHistogram []uint32
}

const (
	loadEMAAlpha    = 0.1
	loadDecayFactor = 0.99
	avgServiceAlpha = 0.1
	missRateAlpha   = 0.05
)

// StateTable guards the worker-state vector. Policy evaluation reads a
// snapshot under the same mutex that dispatch, response and tick updates
// take.
type StateTable struct {
	mu      sync.Mutex
	workers []WorkerState

	// unhealthyTimeoutNS bounds the silence after which a worker is
	// excluded from selection.
	unhealthyTimeoutNS int64
}

func NewStateTable(addrs []string, unhealthyTimeoutNS int64, nowNS int64) *StateTable {
	t := &StateTable{unhealthyTimeoutNS: unhealthyTimeoutNS}
	for i, addr := range addrs {
		t.workers = append(t.workers, WorkerState{
			ID:             uint8(i),
			Addr:           addr,
			CapacityFactor: 1.0,
			Healthy:        true,
			LastEventNS:    nowNS,
			SlackHistogram: make([]uint32, edf.HistogramBins),
		})
	}
	return t
}

func (t *StateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.workers)
}

// Snapshot copies the state vector for a policy evaluation.
func (t *StateTable) Snapshot() []WorkerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]WorkerState, len(t.workers))
	copy(out, t.workers)
	return out
}

// OnDispatch bumps the target's queue estimate and load EMA.
func (t *StateTable) OnDispatch(worker int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if worker < 0 || worker >= len(t.workers) {
		return
	}
	w := &t.workers[worker]
	w.QueueLen++
	w.LoadEMA = loadEMAAlpha*float64(w.QueueLen) + (1-loadEMAAlpha)*w.LoadEMA
}

// OnResponse folds a worker response into the view.
func (t *StateTable) OnResponse(worker int, serviceNS float64, deadlineMet bool, nowNS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if worker < 0 || worker >= len(t.workers) {
		return
	}
	w := &t.workers[worker]
	if w.QueueLen > 0 {
		w.QueueLen--
	}
	w.LoadEMA = loadEMAAlpha*float64(w.QueueLen) + (1-loadEMAAlpha)*w.LoadEMA
	w.AvgServiceNS = (1-avgServiceAlpha)*w.AvgServiceNS + avgServiceAlpha*serviceNS
	miss := 0.0
	if !deadlineMet {
		miss = 1.0
	}
	w.MissRate = (1-missRateAlpha)*w.MissRate + missRateAlpha*miss
	w.LastEventNS = nowNS
	w.Healthy = true
}

// ObserveP99 records the latest per-worker p99 estimate.
func (t *StateTable) ObserveP99(worker int, p99NS float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if worker < 0 || worker >= len(t.workers) {
		return
	}
	t.workers[worker].P99NS = p99NS
}

// SetCapacity overrides the capacity factor learned from configuration.
func (t *StateTable) SetCapacity(worker int, capacity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if worker < 0 || worker >= len(t.workers) {
		return
	}
	t.workers[worker].CapacityFactor = capacity
}

// ApplyStateUpdate folds a pulled worker state update into the view. The
// worker's own queue length replaces the LB estimate.
func (t *StateTable) ApplyStateUpdate(worker int, upd *protocol.StateUpdate, nowNS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if worker < 0 || worker >= len(t.workers) {
		return
	}
	w := &t.workers[worker]
	w.QueueLen = int(upd.QueueLen)
	if len(upd.SlackHistogram) == len(w.SlackHistogram) {
		copy(w.SlackHistogram, upd.SlackHistogram)
	}
	w.LastEventNS = nowNS
	w.Healthy = upd.Healthy != 0
}

// MarkUnhealthy excludes a worker from selection, typically on session loss.
func (t *StateTable) MarkUnhealthy(worker int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if worker < 0 || worker >= len(t.workers) {
		return
	}
	t.workers[worker].Healthy = false
}

// Tick applies the passive load decay and sweeps workers whose last event is
// older than the unhealthy timeout. Runs on the background state thread.
func (t *StateTable) Tick(nowNS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.workers {
		w := &t.workers[i]
		w.LoadEMA *= loadDecayFactor
		if t.unhealthyTimeoutNS > 0 && nowNS-w.LastEventNS > t.unhealthyTimeoutNS {
			w.Healthy = false
		}
	}
}

// Package worker implements the node-local half of the dispatcher: a single
// I/O goroutine that owns the transport endpoint and a pool of compute
// goroutines that execute the service-time simulation. The two sides meet
// only at the ready queue and the completion queue; compute code never
// touches the network.
package worker

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/taildispatch/taildispatch/internal/edf"
	"github.com/taildispatch/taildispatch/internal/metrics"
	"github.com/taildispatch/taildispatch/internal/protocol"
	"github.com/taildispatch/taildispatch/internal/transport"
)

// Config parameterises one worker process.
type Config struct {
	ListenAddr     string
	WorkerID       uint8
	ComputeThreads int
	QueueVariant   edf.Variant

	CapacityFactor  float64
	ArtificialDelay time.Duration

	OutputDir string
}

func (c *Config) applyDefaults() {
	if c.ComputeThreads <= 0 {
		c.ComputeThreads = 4
	}
	if c.CapacityFactor <= 0 {
		c.CapacityFactor = 1.0
	}
	if c.QueueVariant == "" {
		c.QueueVariant = edf.VariantFCFS
	}
}

// completionBatchSize bounds how many responses one event-loop iteration
// sends, so a burst of completions cannot starve receives.
const completionBatchSize = 32

// Worker runs the split I/O / compute node.
type Worker struct {
	cfg       Config
	ready     edf.Queue
	completed chan edf.Task
	simulator *Simulator

	nexus *transport.Nexus
	ep    *transport.Endpoint

	collector  *metrics.Collector
	throughput *metrics.ThroughputCounter

	activeRequests atomic.Int64
	completedTotal atomic.Uint64
	running        atomic.Bool
}

func NewWorker(cfg Config) (*Worker, error) {
	cfg.applyDefaults()
	if cfg.ListenAddr == "" {
		return nil, errors.New("worker requires a listen address")
	}
	nexus, err := transport.NewNexus(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:        cfg,
		ready:      edf.NewQueue(cfg.QueueVariant, clockwork.NewRealClock()),
		completed:  make(chan edf.Task, 8192),
		simulator:  NewSimulator(cfg.CapacityFactor),
		nexus:      nexus,
		collector:  metrics.NewCollector(),
		throughput: metrics.NewThroughputCounter(),
	}, nil
}

// Addr returns the bound listen address.
func (w *Worker) Addr() string { return w.nexus.Addr() }

// Collector exposes the worker-local metrics for export.
func (w *Worker) Collector() *metrics.Collector { return w.collector }

// QueueLen reports the current ready-queue length.
func (w *Worker) QueueLen() int { return w.ready.Len() }

// Run registers the handlers on the listener bound by NewWorker, starts the
// compute pool and drives the event loop until Stop. It owns the only
// goroutine allowed to touch the endpoint.
func (w *Worker) Run() error {
	defer w.nexus.Close()

	w.nexus.RegisterReqFunc(protocol.ReqLBToWorker, w.onRequest)
	w.nexus.RegisterReqFunc(protocol.ReqStateUpdate, w.onStateQuery)
	w.ep = transport.NewEndpoint(w.nexus, 0, nil)
	defer w.ep.Close()

	log.Infof("worker %d listening on %s (queue=%s, capacity=%.2f, compute=%d)",
		w.cfg.WorkerID, w.nexus.Addr(), w.cfg.QueueVariant, w.cfg.CapacityFactor, w.cfg.ComputeThreads)

	w.running.Store(true)
	var group errgroup.Group
	for i := 0; i < w.cfg.ComputeThreads; i++ {
		group.Go(func() error {
			w.computeLoop()
			return nil
		})
	}

	for w.running.Load() {
		w.ep.RunEventLoopOnce()
		w.drainCompletions()
	}

	err := group.Wait()
	log.Infof("worker %d stopped", w.cfg.WorkerID)
	return err
}

// Stop makes Run return; compute goroutines exit before their next pop,
// after finishing any task already in progress.
func (w *Worker) Stop() {
	w.running.Store(false)
}

// onRequest is the receive callback: stamp arrival, wrap the request into a
// task and hand it to the compute side. No simulation work happens here.
func (w *Worker) onRequest(h *transport.ReqHandle) {
	arrival := protocol.NowNS()

	var req protocol.WorkerRequest
	if err := req.Decode(h.Req.B); err != nil {
		log.WithError(err).Warn("dropping malformed worker request")
		w.ep.FreeMsgBuffer(h.Req)
		w.ep.FreeMsgBuffer(h.PreResp)
		return
	}

	w.ready.Push(edf.Task{
		ID:            req.ID,
		Deadline:      int64(req.Deadline),
		ArrivalNS:     arrival,
		ClientSendNS:  req.ClientSendNS,
		ServiceHintUS: req.ServiceHint,
		Type:          req.Type,
		PayloadSize:   req.PayloadSize,
		Handle:        h,
	})
	w.activeRequests.Add(1)
	metrics.QueueLength.WithLabelValues("worker", string(w.cfg.QueueVariant)).
		Set(float64(w.ready.Len()))
}

// onStateQuery answers the LB's periodic pull with queue length and the
// current slack histogram.
func (w *Worker) onStateQuery(h *transport.ReqHandle) {
	now := protocol.NowNS()
	upd := protocol.StateUpdate{
		QueueLen:       uint32(w.ready.Len()),
		ActiveRequests: uint32(w.activeRequests.Load()),
		CompletedTotal: w.completedTotal.Load(),
		LoadEMA:        float64(w.ready.Len()),
		WorkerID:       w.cfg.WorkerID,
		Healthy:        1,
		SlackHistogram: w.ready.SlackHistogram(now),
	}
	h.PreResp.Resize(protocol.StateUpdateSize(len(upd.SlackHistogram)))
	if _, err := upd.Encode(h.PreResp.B); err != nil {
		log.WithError(err).Error("encoding state update")
		return
	}
	w.ep.EnqueueResponse(h, h.PreResp)
	w.ep.FreeMsgBuffer(h.Req)
	w.ep.FreeMsgBuffer(h.PreResp)
}

// computeLoop pops tasks, runs the service simulation and pushes completions.
// It must never invoke a transport primitive; the handle rides along opaque.
func (w *Worker) computeLoop() {
	for w.running.Load() {
		task, ok := w.ready.TryPop()
		if !ok {
			time.Sleep(time.Microsecond)
			continue
		}

		start := protocol.NowNS()
		task.QueueWaitNS = start - task.ArrivalNS

		elapsed := w.simulator.Process(task.Type, task.ServiceHintUS)
		BusyWait(w.cfg.ArtificialDelay)

		done := protocol.NowNS()
		task.DoneNS = done
		task.ActualServiceNS = elapsed.Nanoseconds()

		// Local bookkeeping only; the client's slot table stays the
		// authority on deadline hits.
		localLatency := done - task.ArrivalNS
		w.collector.RecordLatency(localLatency)
		if done > task.Deadline {
			w.collector.RecordDeadlineMiss()
		}
		w.throughput.Record(done)
		w.activeRequests.Add(-1)
		w.completedTotal.Add(1)

		w.pushCompletion(task)
	}
}

// pushCompletion hands a finished task to the I/O side, backing off briefly
// when the queue is full and dropping with a miss when the overflow
// persists.
func (w *Worker) pushCompletion(task edf.Task) {
	for attempt := 0; attempt < 1000; attempt++ {
		select {
		case w.completed <- task:
			return
		default:
		}
		if !w.running.Load() {
			return
		}
		time.Sleep(time.Microsecond)
	}
	log.Warnf("completion queue overflow, dropping request %d", task.ID)
	w.collector.RecordDeadlineMiss()
}

// drainCompletions moves up to one batch of finished tasks back onto the
// wire. Runs on the I/O goroutine, the only place EnqueueResponse is legal.
func (w *Worker) drainCompletions() {
	for i := 0; i < completionBatchSize; i++ {
		select {
		case task := <-w.completed:
			w.respond(task)
		default:
			return
		}
	}
}

func (w *Worker) respond(task edf.Task) {
	h, ok := task.Handle.(*transport.ReqHandle)
	if !ok || h == nil {
		return
	}
	resp := protocol.WorkerResponse{
		ID:            task.ID,
		WorkerRecvNS:  uint64(task.ArrivalNS),
		WorkerDoneNS:  uint64(task.DoneNS),
		QueueTimeNS:   uint64(task.QueueWaitNS),
		ServiceTimeUS: uint32(task.ActualServiceNS / 1000),
		QueueLen:      uint16(w.ready.Len()),
		WorkerID:      w.cfg.WorkerID,
		Success:       1,
	}
	h.PreResp.Resize(protocol.WorkerResponseSize)
	if _, err := resp.Encode(h.PreResp.B); err != nil {
		log.WithError(err).Error("encoding worker response")
		return
	}
	w.ep.EnqueueResponse(h, h.PreResp)
	w.ep.FreeMsgBuffer(h.Req)
	w.ep.FreeMsgBuffer(h.PreResp)
}

// ExportMetrics writes the stop-time exports when an output dir is set.
func (w *Worker) ExportMetrics() {
	if w.cfg.OutputDir == "" {
		return
	}
	if err := w.collector.ExportAll(w.cfg.OutputDir); err != nil {
		log.WithError(err).Error("exporting worker metrics")
	}
}

package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/taildispatch/taildispatch/internal/common/task"
	"github.com/taildispatch/taildispatch/internal/metrics"
	"github.com/taildispatch/taildispatch/internal/protocol"
	"github.com/taildispatch/taildispatch/internal/transport"
)

// Config parameterises the load balancer.
type Config struct {
	ListenAddr       string
	WorkerAddrs      []string
	WorkerCapacities []float64
	Policy           Kind
	ModelPath        string
	Seed             int64

	StateUpdateInterval time.Duration // load decay + unhealthy sweep tick
	StatePollInterval   time.Duration // slack-histogram pull from workers
	UnhealthyTimeout    time.Duration
	PendingTimeout      time.Duration

	OutputDir string
}

func (c *Config) applyDefaults() {
	if c.StateUpdateInterval <= 0 {
		c.StateUpdateInterval = 100 * time.Microsecond
	}
	if c.StatePollInterval <= 0 {
		c.StatePollInterval = 10 * time.Millisecond
	}
	if c.UnhealthyTimeout <= 0 {
		c.UnhealthyTimeout = time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 2 * time.Second
	}
}

// LoadBalancer accepts client requests, picks a worker per request through
// the configured policy, forwards, and relays responses back. All transport
// activity happens on the goroutine running Run.
type LoadBalancer struct {
	cfg     Config
	policy  Policy
	states  *StateTable
	pending *PendingTable

	nexus    *transport.Nexus
	ep       *transport.Endpoint
	sessions []int       // worker index -> session id
	workerOf map[int]int // session id -> worker index

	collector *metrics.Collector
	tasks     *task.BackgroundTaskManager

	pollBusy    []bool
	nextPollNS  int64
	nextSweepNS int64

	responseCount uint64
	running       atomic.Bool
}

// NewLoadBalancer validates the configuration and builds the dispatcher. The
// worker list must be non-empty.
func NewLoadBalancer(cfg Config) (*LoadBalancer, error) {
	cfg.applyDefaults()
	if len(cfg.WorkerAddrs) == 0 {
		return nil, errors.New("load balancer requires at least one worker address")
	}
	if len(cfg.WorkerAddrs) > protocol.MaxWorkers {
		return nil, errors.Errorf("at most %d workers supported", protocol.MaxWorkers)
	}
	policy, err := New(cfg.Policy, cfg.ModelPath, cfg.Seed)
	if err != nil {
		return nil, err
	}

	lb := &LoadBalancer{
		cfg:       cfg,
		policy:    policy,
		states:    NewStateTable(cfg.WorkerAddrs, cfg.UnhealthyTimeout.Nanoseconds(), protocol.NowNS()),
		pending:   NewPendingTable(),
		workerOf:  make(map[int]int),
		collector: metrics.NewCollector(),
		tasks:     task.NewBackgroundTaskManager("taildispatch_lb_"),
		pollBusy:  make([]bool, len(cfg.WorkerAddrs)),
	}
	for i, capacity := range cfg.WorkerCapacities {
		if i < len(cfg.WorkerAddrs) && capacity > 0 {
			lb.states.SetCapacity(i, capacity)
		}
	}
	nexus, err := transport.NewNexus(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	lb.nexus = nexus
	return lb, nil
}

// Addr returns the bound listen address.
func (lb *LoadBalancer) Addr() string { return lb.nexus.Addr() }

// Collector exposes the run metrics for export at shutdown.
func (lb *LoadBalancer) Collector() *metrics.Collector { return lb.collector }

// Run registers the client handler on the listener bound by NewLoadBalancer,
// connects every worker session and drives the event loop until Stop.
// Transport init errors are returned before steady state.
func (lb *LoadBalancer) Run() error {
	defer lb.nexus.Close()

	lb.nexus.RegisterReqFunc(protocol.ReqClientToLB, lb.onClientRequest)
	lb.ep = transport.NewEndpoint(lb.nexus, 0, lb.onSessionEvent)
	defer lb.ep.Close()

	log.Infof("load balancer listening on %s, policy=%s, workers=%d",
		lb.nexus.Addr(), lb.policy.Name(), len(lb.cfg.WorkerAddrs))

	for i, addr := range lb.cfg.WorkerAddrs {
		session, err := lb.ep.CreateSession(addr)
		if err != nil {
			return errors.Wrapf(err, "worker %d", i)
		}
		lb.sessions = append(lb.sessions, session)
		lb.workerOf[session] = i
		log.Infof("connected to worker %d at %s (session=%d)", i, addr, session)
	}

	// The background tick only touches the state table; no transport calls
	// leave this goroutine.
	lb.tasks.Register(func() {
		lb.states.Tick(protocol.NowNS())
	}, lb.cfg.StateUpdateInterval, "state_update")
	defer lb.tasks.StopAll(5 * time.Second)

	lb.running.Store(true)
	for lb.running.Load() {
		lb.ep.RunEventLoopOnce()
		now := protocol.NowNS()
		lb.maybePollWorkers(now)
		lb.maybeSweepPending(now)
	}
	log.Info("load balancer event loop stopped")
	return nil
}

// Stop makes Run return after its current iteration.
func (lb *LoadBalancer) Stop() {
	lb.running.Store(false)
}

func (lb *LoadBalancer) onSessionEvent(session int, ev transport.SMEvent) {
	worker, ok := lb.workerOf[session]
	if !ok || ev != transport.SessionClosed {
		return
	}
	log.Warnf("lost session to worker %d, marking unhealthy", worker)
	lb.states.MarkUnhealthy(worker)
	for _, entry := range lb.pending.Expire(0, worker) {
		lb.failPending(entry)
	}
}

func (lb *LoadBalancer) onClientRequest(h *transport.ReqHandle) {
	recvNS := protocol.NowNS()

	var creq protocol.ClientRequest
	if err := creq.Decode(h.Req.B); err != nil {
		log.WithError(err).Warn("dropping malformed client request")
		lb.ep.FreeMsgBuffer(h.Req)
		lb.ep.FreeMsgBuffer(h.PreResp)
		return
	}

	deadline := int64(creq.Deadline)
	if deadline <= recvNS {
		// Already violated on arrival: no worker work, miss recorded.
		lb.collector.RecordDeadlineMiss()
		metrics.RequestsTotal.WithLabelValues("lb", "early_drop").Inc()
		lb.respondFailure(h, &creq, recvNS)
		return
	}

	req := Request{
		ID:            creq.ID,
		ClientID:      creq.ClientID,
		Type:          creq.Type,
		PayloadSize:   creq.PayloadSize,
		ServiceHintUS: creq.ServiceHint,
		Deadline:      deadline,
	}
	decision := lb.policy.Schedule(&req, lb.states.Snapshot())
	lb.collector.RecordOverhead(decision.DecisionNS)
	metrics.DispatchDecisionSeconds.Observe(float64(decision.DecisionNS) / 1e9)

	if decision.Target < 0 {
		log.Warn("no eligible worker, synthesising failure response")
		lb.collector.RecordDeadlineMiss()
		metrics.RequestsTotal.WithLabelValues("lb", "no_worker").Inc()
		lb.respondFailure(h, &creq, recvNS)
		return
	}

	lb.states.OnDispatch(decision.Target)

	wreq := protocol.WorkerRequest{
		ID:           creq.ID,
		ClientSendNS: creq.ClientSendNS,
		Deadline:     creq.Deadline,
		LBForwardNS:  uint64(recvNS),
		ServiceHint:  creq.ServiceHint,
		WorkerID:     uint8(decision.Target),
		Type:         creq.Type,
		PayloadSize:  creq.PayloadSize,
	}
	reqBuf := lb.ep.AllocMsgBuffer(protocol.WorkerRequestSize + int(creq.PayloadSize))
	if _, err := wreq.Encode(reqBuf.B); err != nil {
		lb.ep.FreeMsgBuffer(reqBuf)
		lb.respondFailure(h, &creq, recvNS)
		return
	}
	copy(reqBuf.B[protocol.WorkerRequestSize:], h.Req.B[protocol.ClientRequestSize:])
	respBuf := lb.ep.AllocMsgBuffer(0)

	key := PendingKey(creq.ClientID, creq.ID)
	lb.pending.Insert(key, &PendingEntry{
		ID:           creq.ID,
		ClientID:     creq.ClientID,
		SendNS:       int64(creq.ClientSendNS),
		Deadline:     deadline,
		LBRecvNS:     recvNS,
		TargetWorker: decision.Target,
		ClientHandle: h,
		RequestBuf:   reqBuf,
		ResponseBuf:  respBuf,
	})

	err := lb.ep.EnqueueRequest(lb.sessions[decision.Target], protocol.ReqLBToWorker,
		reqBuf, respBuf, lb.onWorkerResponse, key)
	if err != nil {
		log.WithError(err).Warnf("dispatch to worker %d failed", decision.Target)
		if entry, ok := lb.pending.Remove(key); ok {
			lb.failPending(entry)
		}
		return
	}
	metrics.RequestsTotal.WithLabelValues("lb", "dispatched").Inc()
}

func (lb *LoadBalancer) onWorkerResponse(tag uint64) {
	completeNS := protocol.NowNS()

	entry, ok := lb.pending.Remove(tag)
	if !ok {
		log.WithField("key", tag).Warn("response for unknown pending request, discarding")
		return
	}

	var wresp protocol.WorkerResponse
	if err := wresp.Decode(entry.ResponseBuf.B); err != nil {
		log.WithError(err).Warn("malformed worker response")
		lb.failPending(entry)
		return
	}

	worker := int(wresp.WorkerID)
	deadlineMet := completeNS <= entry.Deadline
	lb.states.OnResponse(worker, float64(wresp.ServiceTimeUS)*1000, deadlineMet, completeNS)

	relayNS := completeNS - entry.LBRecvNS
	lb.collector.RecordLatency(relayNS)
	lb.collector.RecordWorkerLatency(wresp.WorkerID, relayNS)
	if !deadlineMet {
		lb.collector.RecordDeadlineMiss()
		metrics.DeadlineMissesTotal.WithLabelValues("lb").Inc()
	}

	// Refreshing the per-worker p99 from the histogram is amortised; every
	// response would put a histogram scan on the hot path.
	lb.responseCount++
	if lb.responseCount%128 == 0 {
		lb.states.ObserveP99(worker, float64(lb.collector.WorkerLatency(wresp.WorkerID).Percentile(99)))
	}

	lb.policy.OnComplete(Trace{
		ID:           entry.ID,
		Worker:       wresp.WorkerID,
		Deadline:     entry.Deadline,
		ClientSendNS: entry.SendNS,
		WorkerRecvNS: int64(wresp.WorkerRecvNS),
		WorkerDoneNS: int64(wresp.WorkerDoneNS),
		LBResponseNS: completeNS,
		DeadlineMet:  deadlineMet,
	})

	advisory := uint8(0)
	if deadlineMet {
		advisory = 1
	}
	cresp := protocol.ClientResponse{
		ID:                  entry.ID,
		ClientSendNS:        uint64(entry.SendNS),
		E2ELatencyNS:        uint64(completeNS - entry.SendNS),
		ServiceTimeUS:       wresp.ServiceTimeUS,
		WorkerID:            wresp.WorkerID,
		DeadlineMetAdvisory: advisory,
		Success:             wresp.Success,
	}
	lb.sendClientResponse(entry.ClientHandle, &cresp)

	lb.ep.FreeMsgBuffer(entry.RequestBuf)
	lb.ep.FreeMsgBuffer(entry.ResponseBuf)
}

// respondFailure answers a client request that never reached a worker.
func (lb *LoadBalancer) respondFailure(h *transport.ReqHandle, creq *protocol.ClientRequest, nowNS int64) {
	cresp := protocol.ClientResponse{
		ID:           creq.ID,
		ClientSendNS: creq.ClientSendNS,
		E2ELatencyNS: uint64(nowNS) - creq.ClientSendNS,
		Success:      0,
	}
	lb.sendClientResponse(h, &cresp)
}

// failPending synthesises a failure response for an in-flight entry whose
// worker timed out or vanished. Transport errors never cross the wire as RPC
// errors; the client just sees success=0.
func (lb *LoadBalancer) failPending(entry *PendingEntry) {
	lb.collector.RecordDeadlineMiss()
	metrics.RequestsTotal.WithLabelValues("lb", "worker_timeout").Inc()
	cresp := protocol.ClientResponse{
		ID:           entry.ID,
		ClientSendNS: uint64(entry.SendNS),
		E2ELatencyNS: uint64(protocol.NowNS() - entry.SendNS),
		Success:      0,
	}
	lb.sendClientResponse(entry.ClientHandle, &cresp)
	lb.ep.FreeMsgBuffer(entry.RequestBuf)
	lb.ep.FreeMsgBuffer(entry.ResponseBuf)
}

func (lb *LoadBalancer) sendClientResponse(h *transport.ReqHandle, cresp *protocol.ClientResponse) {
	h.PreResp.Resize(protocol.ClientResponseSize)
	if _, err := cresp.Encode(h.PreResp.B); err != nil {
		log.WithError(err).Error("encoding client response")
		return
	}
	lb.ep.EnqueueResponse(h, h.PreResp)
	lb.ep.FreeMsgBuffer(h.Req)
	lb.ep.FreeMsgBuffer(h.PreResp)
}

// maybePollWorkers pulls queue length and slack histogram from each worker
// at the poll interval, keeping at most one poll in flight per worker.
func (lb *LoadBalancer) maybePollWorkers(nowNS int64) {
	if nowNS < lb.nextPollNS {
		return
	}
	lb.nextPollNS = nowNS + lb.cfg.StatePollInterval.Nanoseconds()

	for i, session := range lb.sessions {
		if lb.pollBusy[i] {
			continue
		}
		worker := i
		reqBuf := lb.ep.AllocMsgBuffer(1)
		reqBuf.B[0] = uint8(worker)
		respBuf := lb.ep.AllocMsgBuffer(0)
		err := lb.ep.EnqueueRequest(session, protocol.ReqStateUpdate, reqBuf, respBuf,
			func(uint64) {
				lb.pollBusy[worker] = false
				var upd protocol.StateUpdate
				if err := upd.Decode(respBuf.B); err == nil {
					lb.states.ApplyStateUpdate(worker, &upd, protocol.NowNS())
					metrics.QueueLength.WithLabelValues("lb", lb.cfg.WorkerAddrs[worker]).
						Set(float64(upd.QueueLen))
				}
				lb.ep.FreeMsgBuffer(reqBuf)
				lb.ep.FreeMsgBuffer(respBuf)
			}, uint64(worker))
		if err != nil {
			lb.ep.FreeMsgBuffer(reqBuf)
			lb.ep.FreeMsgBuffer(respBuf)
			continue
		}
		lb.pollBusy[i] = true
	}
}

// maybeSweepPending times out in-flight entries and answers their clients.
func (lb *LoadBalancer) maybeSweepPending(nowNS int64) {
	if nowNS < lb.nextSweepNS {
		return
	}
	lb.nextSweepNS = nowNS + (100 * time.Millisecond).Nanoseconds()

	cutoff := nowNS - lb.cfg.PendingTimeout.Nanoseconds()
	for _, entry := range lb.pending.Expire(cutoff, -1) {
		log.Warnf("request %d to worker %d timed out", entry.ID, entry.TargetWorker)
		lb.failPending(entry)
	}
}

// ExportMetrics writes the stop-time exports when an output dir is set.
func (lb *LoadBalancer) ExportMetrics() {
	if lb.cfg.OutputDir == "" {
		return
	}
	if err := lb.collector.ExportAll(lb.cfg.OutputDir); err != nil {
		log.WithError(err).Error("exporting load balancer metrics")
	}
}

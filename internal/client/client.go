// Package client implements the request generator: a rate-paced open loop
// over one LB session, with the slot table owning the authoritative deadline
// judgement in the client's clock domain.
package client

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/taildispatch/taildispatch/internal/common/task"
	"github.com/taildispatch/taildispatch/internal/metrics"
	"github.com/taildispatch/taildispatch/internal/protocol"
	"github.com/taildispatch/taildispatch/internal/transport"
	"github.com/taildispatch/taildispatch/internal/workload"
)

// Config parameterises one client process.
type Config struct {
	ClientID   uint8
	LBAddr     string
	ListenAddr string

	TargetRPS   uint64
	Warmup      time.Duration
	Duration    time.Duration
	Grace       time.Duration
	MaxInflight int

	Workload workload.Config
	Seed     uint64

	OutputDir string
	Verbose   bool
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 64
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.TargetRPS == 0 {
		c.TargetRPS = 100_000
	}
}

// Stats is the end-of-run summary.
type Stats struct {
	Sent           uint64
	Completed      uint64
	DeadlineMisses uint64
	ActualRPS      float64
	P50LatencyUS   float64
	P99LatencyUS   float64
	P999LatencyUS  float64
}

// Client drives the send loop and judges every response against its slot
// deadline. All transport use happens on the goroutine running Run.
type Client struct {
	cfg   Config
	gen   *workload.Generator
	slots *SlotTable

	nexus   *transport.Nexus
	ep      *transport.Endpoint
	session int

	reqBufs  []*transport.MsgBuffer
	respBufs []*transport.MsgBuffer

	collector  *metrics.Collector
	throughput *metrics.ThroughputCounter
	tasks      *task.BackgroundTaskManager

	sent      atomic.Uint64
	completed atomic.Uint64
	inflight  atomic.Int64
	inWarmup  atomic.Bool
	running   atomic.Bool

	startNS int64
}

func NewClient(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if cfg.LBAddr == "" {
		return nil, errors.New("client requires the load balancer address")
	}
	return &Client{
		cfg:        cfg,
		gen:        workload.New(cfg.Workload, cfg.Seed),
		slots:      NewSlotTable(cfg.MaxInflight),
		collector:  metrics.NewCollector(),
		throughput: metrics.NewThroughputCounter(),
		tasks:      task.NewBackgroundTaskManager("taildispatch_client_"),
	}, nil
}

// Collector exposes the run metrics for export.
func (c *Client) Collector() *metrics.Collector { return c.collector }

// Run connects to the LB and executes warmup plus measurement, returning
// when the configured duration elapses or Stop is called.
func (c *Client) Run() error {
	nexus, err := transport.NewNexus(c.cfg.ListenAddr)
	if err != nil {
		return err
	}
	c.nexus = nexus
	defer nexus.Close()

	c.ep = transport.NewEndpoint(nexus, 0, nil)
	defer c.ep.Close()

	log.Infof("client %d connecting to load balancer at %s", c.cfg.ClientID, c.cfg.LBAddr)
	c.session, err = c.ep.CreateSession(c.cfg.LBAddr)
	if err != nil {
		return err
	}

	// One buffer pair per slot; the slot index is both the buffer selector
	// and the correlation tag, and inflight <= pool size guards reuse.
	for i := 0; i < c.slots.Size(); i++ {
		c.reqBufs = append(c.reqBufs, c.ep.AllocMsgBuffer(protocol.ClientRequestSize+protocol.MaxPayloadSize))
		c.respBufs = append(c.respBufs, c.ep.AllocMsgBuffer(0))
	}

	c.tasks.Register(c.reportProgress, 5*time.Second, "progress")
	defer c.tasks.StopAll(time.Second)

	interval := int64(time.Second) / int64(c.cfg.TargetRPS)
	c.startNS = protocol.NowNS()
	warmupEnd := c.startNS + c.cfg.Warmup.Nanoseconds()
	end := warmupEnd + c.cfg.Duration.Nanoseconds()
	nextSend := c.startNS

	c.inWarmup.Store(c.cfg.Warmup > 0)
	c.running.Store(true)

	log.Infof("client %d running (warmup=%s duration=%s target=%d rps)",
		c.cfg.ClientID, c.cfg.Warmup, c.cfg.Duration, c.cfg.TargetRPS)

	for c.running.Load() {
		for i := 0; i < 32; i++ {
			c.ep.RunEventLoopOnce()
		}

		now := protocol.NowNS()
		if now >= end {
			break
		}
		if c.inWarmup.Load() && now >= warmupEnd {
			c.inWarmup.Store(false)
			c.collector.Reset()
			log.Infof("client %d warmup complete, measuring", c.cfg.ClientID)
		}

		if now < nextSend {
			continue
		}
		if c.send(now) {
			nextSend += interval
			// A stalled loop catches up without backfilling missed sends.
			if nextSend < now {
				nextSend = now
			}
		}
	}

	c.drain()
	c.logSummary()
	return nil
}

// Stop makes Run return after its current iteration.
func (c *Client) Stop() {
	c.running.Store(false)
}

// send issues one request if a slot is free, reporting whether anything was
// sent. Backpressure is the slot pool: all slots busy means no send.
func (c *Client) send(nowNS int64) bool {
	slot, ok := c.slots.Acquire()
	if !ok {
		return false
	}

	req := c.gen.Next(c.cfg.ClientID, nowNS)
	c.slots.Record(slot, int64(req.Deadline), nowNS)

	buf := c.reqBufs[slot]
	buf.Resize(protocol.ClientRequestSize + int(req.PayloadSize))
	if _, err := req.Encode(buf.B); err != nil {
		log.WithError(err).Error("encoding client request")
		c.slots.Free(slot)
		return false
	}

	err := c.ep.EnqueueRequest(c.session, protocol.ReqClientToLB, buf, c.respBufs[slot],
		c.onResponse, uint64(slot))
	if err != nil {
		log.WithError(err).Warn("send failed")
		c.slots.Free(slot)
		return false
	}
	c.sent.Add(1)
	c.inflight.Add(1)
	return true
}

// onResponse judges the deadline against the slot table in the client's own
// clock. The advisory byte in the response is deliberately ignored.
func (c *Client) onResponse(tag uint64) {
	recvNS := protocol.NowNS()

	slot := int(tag)
	if !c.slots.Valid(slot) {
		log.WithField("slot", slot).Warn("response with unknown slot tag, ignoring")
		return
	}

	var resp protocol.ClientResponse
	workerID := uint8(0)
	if err := resp.Decode(c.respBufs[slot].B); err == nil {
		workerID = resp.WorkerID
	}

	if !c.inWarmup.Load() {
		latency := recvNS - c.slots.SendNS(slot)
		c.collector.RecordLatency(latency)
		c.collector.RecordWorkerLatency(workerID, latency)
		if !c.slots.Judge(slot, recvNS) {
			c.collector.RecordDeadlineMiss()
			metrics.DeadlineMissesTotal.WithLabelValues("client").Inc()
		}
		metrics.RequestsTotal.WithLabelValues("client", "completed").Inc()
	}

	c.slots.Free(slot)
	c.inflight.Add(-1)
	c.completed.Add(1)
	c.throughput.Record(recvNS)
}

// drain gives in-flight requests a grace window, then counts abandoned
// slots as misses and releases them.
func (c *Client) drain() {
	deadline := protocol.NowNS() + c.cfg.Grace.Nanoseconds()
	for c.slots.InFlight() > 0 && protocol.NowNS() < deadline {
		c.ep.RunEventLoopOnce()
	}
	for _, slot := range c.slots.Occupied() {
		c.collector.RecordDeadlineMiss()
		c.collector.RecordLatency(protocol.NowNS() - c.slots.SendNS(slot))
		c.slots.Free(slot)
		c.inflight.Add(-1)
		log.Warnf("slot %d timed out waiting for response, counting as miss", slot)
	}
}

// GetStats snapshots the run counters.
func (c *Client) GetStats() Stats {
	elapsed := protocol.NowNS() - c.startNS
	rps := 0.0
	if elapsed > 0 {
		rps = float64(c.completed.Load()) * 1e9 / float64(elapsed)
	}
	return Stats{
		Sent:           c.sent.Load(),
		Completed:      c.completed.Load(),
		DeadlineMisses: c.collector.DeadlineMisses(),
		ActualRPS:      rps,
		P50LatencyUS:   float64(c.collector.E2E().Percentile(50)) / 1000,
		P99LatencyUS:   float64(c.collector.E2E().Percentile(99)) / 1000,
		P999LatencyUS:  float64(c.collector.E2E().Percentile(99.9)) / 1000,
	}
}

func (c *Client) reportProgress() {
	if !c.running.Load() {
		return
	}
	stats := c.GetStats()
	log.Infof("client %d progress: sent=%d completed=%d inflight=%d rps=%.0f p99=%.1fus",
		c.cfg.ClientID, stats.Sent, stats.Completed, c.inflight.Load(),
		c.throughput.RPS(), stats.P99LatencyUS)
}

func (c *Client) logSummary() {
	stats := c.GetStats()
	log.Infof("client %d complete: sent=%d completed=%d misses=%d (%.4f%%) rps=%.0f p50=%.2fus p99=%.2fus p99.9=%.2fus",
		c.cfg.ClientID, stats.Sent, stats.Completed, stats.DeadlineMisses,
		c.collector.MissRate()*100, stats.ActualRPS,
		stats.P50LatencyUS, stats.P99LatencyUS, stats.P999LatencyUS)
}

// ExportMetrics writes the stop-time exports when an output dir is set.
func (c *Client) ExportMetrics() {
	if c.cfg.OutputDir == "" {
		return
	}
	if err := c.collector.ExportAll(c.cfg.OutputDir); err != nil {
		log.WithError(err).Error("exporting client metrics")
	}
}

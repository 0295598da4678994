package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taildispatch/taildispatch/internal/protocol"
	"github.com/taildispatch/taildispatch/internal/transport"
	"github.com/taildispatch/taildispatch/internal/workload"
)

// fakeLB answers every client request, after an optional delay, with success
// and a fixed advisory byte about the deadline, regardless of truth. A client
// that trusts its slot table must ignore that claim.
type fakeLB struct {
	nexus    *transport.Nexus
	ep       *transport.Endpoint
	running  atomic.Bool
	received atomic.Uint64
}

func startFakeLB(t *testing.T, advisoryMet uint8, extraDelay time.Duration) *fakeLB {
	t.Helper()
	nexus, err := transport.NewNexus("127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeLB{nexus: nexus}
	nexus.RegisterReqFunc(protocol.ReqClientToLB, func(h *transport.ReqHandle) {
		if extraDelay > 0 {
			time.Sleep(extraDelay)
		}
		var creq protocol.ClientRequest
		if err := creq.Decode(h.Req.B); err != nil {
			return
		}
		f.received.Add(1)

		cresp := protocol.ClientResponse{
			ID:                  creq.ID,
			ClientSendNS:        creq.ClientSendNS,
			ServiceTimeUS:       creq.ServiceHint,
			WorkerID:            3,
			DeadlineMetAdvisory: advisoryMet,
			Success:             1,
		}
		h.PreResp.Resize(protocol.ClientResponseSize)
		_, _ = cresp.Encode(h.PreResp.B)
		f.ep.EnqueueResponse(h, h.PreResp)
		f.ep.FreeMsgBuffer(h.Req)
		f.ep.FreeMsgBuffer(h.PreResp)
	})

	f.ep = transport.NewEndpoint(nexus, 0, nil)
	f.running.Store(true)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for f.running.Load() {
			f.ep.RunEventLoopOnce()
		}
	}()
	t.Cleanup(func() {
		f.running.Store(false)
		<-loopDone
		f.ep.Close()
		nexus.Close()
	})
	return f
}

func newTestClient(t *testing.T, lbAddr string, fixedDeadlineUS uint64) *Client {
	t.Helper()
	wl := workload.DefaultConfig()
	wl.ServiceTimeMinUS = 5
	wl.FixedDeadlineUS = fixedDeadlineUS

	c, err := NewClient(Config{
		ClientID:    2,
		LBAddr:      lbAddr,
		TargetRPS:   2000,
		Warmup:      0,
		Duration:    300 * time.Millisecond,
		Grace:       time.Second,
		MaxInflight: 32,
		Workload:    wl,
		Seed:        9,
	})
	require.NoError(t, err)
	return c
}

func TestClientJudgesInOwnClockDomainIgnoringAdvisory(t *testing.T) {
	// The fake LB stalls each request past the 1us deadline window while
	// still claiming deadline_met=1. Every response must be judged a miss.
	lb := startFakeLB(t, 1, 2*time.Millisecond)
	c := newTestClient(t, lb.nexus.Addr(), 1)

	require.NoError(t, c.Run())
	stats := c.GetStats()
	require.Greater(t, stats.Completed, uint64(10))
	assert.InDelta(t, 1.0, c.Collector().MissRate(), 0.01,
		"advisory byte must not influence the judgement")
}

func TestClientJudgesHitsWithGenerousDeadline(t *testing.T) {
	// Same fake LB but a one-second window: everything is a hit, even
	// though the advisory byte now wrongly claims misses.
	lb := startFakeLB(t, 0, 0)
	c := newTestClient(t, lb.nexus.Addr(), 1_000_000)

	require.NoError(t, c.Run())
	stats := c.GetStats()
	require.Greater(t, stats.Completed, uint64(10))
	assert.Less(t, c.Collector().MissRate(), 0.01)
}

func TestClientBoundsInflightBySlotPool(t *testing.T) {
	// A server that never answers forces the client against its slot pool:
	// sends stop at MaxInflight and the stale slots drain as misses.
	nexus, err := transport.NewNexus("127.0.0.1:0")
	require.NoError(t, err)
	nexus.RegisterReqFunc(protocol.ReqClientToLB, func(h *transport.ReqHandle) {})
	ep := transport.NewEndpoint(nexus, 0, nil)
	var running atomic.Bool
	running.Store(true)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for running.Load() {
			ep.RunEventLoopOnce()
		}
	}()
	t.Cleanup(func() {
		running.Store(false)
		<-loopDone
		ep.Close()
		nexus.Close()
	})

	wl := workload.DefaultConfig()
	wl.FixedDeadlineUS = 10
	c, err := NewClient(Config{
		ClientID:    1,
		LBAddr:      nexus.Addr(),
		TargetRPS:   10_000,
		Warmup:      0,
		Duration:    200 * time.Millisecond,
		Grace:       100 * time.Millisecond,
		MaxInflight: 8,
		Workload:    wl,
		Seed:        3,
	})
	require.NoError(t, err)
	require.NoError(t, c.Run())

	stats := c.GetStats()
	assert.Equal(t, uint64(8), stats.Sent, "slot pool bounds the in-flight count")
	assert.Equal(t, uint64(8), stats.DeadlineMisses, "abandoned slots count as misses")
}

func TestClientRequiresLBAddress(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taildispatch/taildispatch/internal/client"
	"github.com/taildispatch/taildispatch/internal/edf"
	"github.com/taildispatch/taildispatch/internal/protocol"
	"github.com/taildispatch/taildispatch/internal/transport"
	"github.com/taildispatch/taildispatch/internal/worker"
	"github.com/taildispatch/taildispatch/internal/workload"
)

// startCluster brings up n workers and one LB on loopback and returns the
// LB address plus a teardown function.
func startCluster(t *testing.T, n int, capacities []float64, policy Kind, queue edf.Variant) (string, func()) {
	t.Helper()

	var workers []*worker.Worker
	var addrs []string
	for i := 0; i < n; i++ {
		capacity := 1.0
		if i < len(capacities) {
			capacity = capacities[i]
		}
		w, err := worker.NewWorker(worker.Config{
			ListenAddr:     "127.0.0.1:0",
			WorkerID:       uint8(i),
			ComputeThreads: 2,
			QueueVariant:   queue,
			CapacityFactor: capacity,
		})
		require.NoError(t, err)
		workers = append(workers, w)
		addrs = append(addrs, w.Addr())
		go func() { _ = w.Run() }()
	}

	lb, err := NewLoadBalancer(Config{
		ListenAddr:       "127.0.0.1:0",
		WorkerAddrs:      addrs,
		WorkerCapacities: capacities,
		Policy:           policy,
		Seed:             1,
	})
	require.NoError(t, err)

	lbDone := make(chan error, 1)
	go func() { lbDone <- lb.Run() }()

	teardown := func() {
		lb.Stop()
		select {
		case err := <-lbDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("load balancer did not stop")
		}
		for _, w := range workers {
			w.Stop()
		}
	}
	return lb.Addr(), teardown
}

func runClient(t *testing.T, lbAddr string, rps uint64, deadlineMultiplier float64) *client.Client {
	t.Helper()
	wl := workload.DefaultConfig()
	wl.ServiceTimeMinUS = 5
	wl.DeadlineMultiplier = deadlineMultiplier

	c, err := client.NewClient(client.Config{
		ClientID:    1,
		LBAddr:      lbAddr,
		TargetRPS:   rps,
		Warmup:      0,
		Duration:    400 * time.Millisecond,
		Grace:       time.Second,
		MaxInflight: 64,
		Workload:    wl,
		Seed:        7,
	})
	require.NoError(t, err)
	require.NoError(t, c.Run())
	return c
}

func TestEndToEndPowerOfChoices(t *testing.T) {
	lbAddr, teardown := startCluster(t, 2, nil, KindPowerOfChoices, edf.VariantFCFS)
	defer teardown()

	c := runClient(t, lbAddr, 500, 10_000)
	stats := c.GetStats()
	assert.Greater(t, stats.Completed, uint64(50))
	// Deadlines are effectively unbounded here, so nothing should miss.
	assert.Less(t, c.Collector().MissRate(), 0.05)
}

func TestEndToEndRiskMinWithEDF(t *testing.T) {
	lbAddr, teardown := startCluster(t, 3, []float64{1.0, 1.0, 0.2}, KindRiskMin, edf.VariantHeap)
	defer teardown()

	c := runClient(t, lbAddr, 500, 10_000)
	stats := c.GetStats()
	assert.Greater(t, stats.Completed, uint64(50))
	assert.Less(t, c.Collector().MissRate(), 0.10)
}

func TestEarlyDropOfExpiredRequests(t *testing.T) {
	lbAddr, teardown := startCluster(t, 1, nil, KindPowerOfChoices, edf.VariantFCFS)
	defer teardown()

	nexus, err := transport.NewNexus("127.0.0.1:0")
	require.NoError(t, err)
	defer nexus.Close()
	ep := transport.NewEndpoint(nexus, 0, nil)
	defer ep.Close()

	session, err := ep.CreateSession(lbAddr)
	require.NoError(t, err)

	now := protocol.NowNS()
	req := protocol.ClientRequest{
		ID:           1,
		ClientID:     9,
		ClientSendNS: uint64(now),
		Deadline:     uint64(now - time.Millisecond.Nanoseconds()), // already violated
		ServiceHint:  10,
	}
	reqBuf := ep.AllocMsgBuffer(protocol.ClientRequestSize)
	_, err = req.Encode(reqBuf.B)
	require.NoError(t, err)
	respBuf := ep.AllocMsgBuffer(0)

	responded := false
	require.NoError(t, ep.EnqueueRequest(session, protocol.ReqClientToLB, reqBuf, respBuf,
		func(uint64) { responded = true }, 1))

	deadline := time.Now().Add(5 * time.Second)
	for !responded && time.Now().Before(deadline) {
		ep.RunEventLoopOnce()
	}
	require.True(t, responded, "expired request must still be answered")

	var resp protocol.ClientResponse
	require.NoError(t, resp.Decode(respBuf.B))
	assert.Equal(t, uint8(0), resp.Success, "early drop synthesises a failure response")
	assert.Equal(t, uint64(1), resp.ID)
}

func TestUnknownWorkerResponseIsDiscarded(t *testing.T) {
	// A response callback firing for a key that was already removed must not
	// panic or corrupt state.
	lb, err := NewLoadBalancer(Config{
		ListenAddr:  "127.0.0.1:0",
		WorkerAddrs: []string{"127.0.0.1:1"},
		Policy:      KindPowerOfChoices,
	})
	require.NoError(t, err)
	assert.NotPanics(t, func() { lb.onWorkerResponse(12345) })
}

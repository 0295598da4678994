package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taildispatch/taildispatch/internal/edf"
	"github.com/taildispatch/taildispatch/internal/protocol"
)

func testWorkers(n int) []WorkerState {
	workers := make([]WorkerState, n)
	for i := range workers {
		workers[i] = WorkerState{
			ID:             uint8(i),
			CapacityFactor: 1.0,
			Healthy:        true,
			SlackHistogram: make([]uint32, edf.HistogramBins),
		}
	}
	return workers
}

func futureRequest() *Request {
	return &Request{
		ID:            1,
		Type:          protocol.TypeGet,
		ServiceHintUS: 10,
		Deadline:      protocol.NowNS() + time.Second.Nanoseconds(),
	}
}

func TestPowerOfChoicesPicksArgminOfSample(t *testing.T) {
	workers := testWorkers(8)
	for i := range workers {
		workers[i].LoadEMA = float64(i)
	}

	// With d equal to the worker count the sample is the whole set, so the
	// selection must be the global argmin regardless of the seed.
	p := NewPowerOfChoices(8, 42)
	for i := 0; i < 50; i++ {
		d := p.Schedule(futureRequest(), workers)
		assert.Equal(t, 0, d.Target)
	}
}

func TestPowerOfChoicesSkipsUnhealthy(t *testing.T) {
	workers := testWorkers(5)
	for i := range workers {
		workers[i].Healthy = i == 3
		workers[i].LoadEMA = 0.5
	}

	p := NewPowerOfChoices(2, 7)
	for i := 0; i < 100; i++ {
		d := p.Schedule(futureRequest(), workers)
		assert.Equal(t, 3, d.Target, "all traffic must reach the only healthy worker")
	}
}

func TestPowerOfChoicesNoHealthyWorker(t *testing.T) {
	workers := testWorkers(3)
	for i := range workers {
		workers[i].Healthy = false
	}
	p := NewPowerOfChoices(2, 1)
	assert.Equal(t, -1, p.Schedule(futureRequest(), workers).Target)
}

func TestVarianceMinPrefersLeastLoaded(t *testing.T) {
	workers := testWorkers(4)
	workers[0].LoadEMA = 3
	workers[1].LoadEMA = 1
	workers[2].LoadEMA = 2
	workers[3].LoadEMA = 5

	p := NewVarianceMin("")
	d := p.Schedule(futureRequest(), workers)
	assert.Equal(t, 1, d.Target)
}

func TestVarianceMinRoundRobinsOverIdenticalWorkers(t *testing.T) {
	// With identical state the argmin tie-break picks the lowest index;
	// once the table registers the dispatch, that worker's load rises and
	// the argmin moves on, which round-robins across the vector.
	table := NewStateTable([]string{"a", "b", "c"}, 0, 0)
	p := NewVarianceMin("")

	var order []int
	for i := 0; i < 3; i++ {
		d := p.Schedule(futureRequest(), table.Snapshot())
		require.GreaterOrEqual(t, d.Target, 0)
		order = append(order, d.Target)
		table.OnDispatch(d.Target)
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestVarianceMinSingleHealthyWorker(t *testing.T) {
	workers := testWorkers(5)
	for i := range workers {
		workers[i].Healthy = i == 2
	}
	p := NewVarianceMin("")
	for i := 0; i < 20; i++ {
		assert.Equal(t, 2, p.Schedule(futureRequest(), workers).Target)
	}
}

func TestRiskMinSingleHealthyWorker(t *testing.T) {
	workers := testWorkers(5)
	for i := range workers {
		workers[i].Healthy = i == 4
	}
	p := NewRiskMin("", DefaultCVaRAlpha)
	for i := 0; i < 20; i++ {
		assert.Equal(t, 4, p.Schedule(futureRequest(), workers).Target)
	}
}

func TestRiskMinHeuristicAvoidsSlowLoadedWorkers(t *testing.T) {
	workers := testWorkers(3)
	// Worker 0: fast and idle. Worker 1: loaded. Worker 2: slow node.
	workers[1].QueueLen = 50
	workers[1].P99NS = 5e6
	workers[2].CapacityFactor = 0.2
	workers[2].QueueLen = 10

	p := NewRiskMin("", DefaultCVaRAlpha)
	d := p.Schedule(futureRequest(), workers)
	assert.Equal(t, 0, d.Target)
}

func TestRiskMinHeuristicWeighsUrgentBacklog(t *testing.T) {
	workers := testWorkers(2)
	workers[0].QueueLen = 2
	workers[1].QueueLen = 2
	// Worker 1 has tasks about to expire in its first histogram bins.
	workers[1].SlackHistogram[0] = 3
	workers[1].SlackHistogram[2] = 2

	p := NewRiskMin("", DefaultCVaRAlpha)
	d := p.Schedule(futureRequest(), workers)
	assert.Equal(t, 0, d.Target)
}

func TestDeadlinePenaltyRegions(t *testing.T) {
	// Expired slack saturates.
	assert.Equal(t, penaltyExpired, deadlinePenalty(0, 1000))
	assert.Equal(t, penaltyExpired, deadlinePenalty(-5, 1000))

	// High-risk region is steep and decreasing in the ratio.
	p1 := deadlinePenalty(100, 1000) // ratio 0.1
	p2 := deadlinePenalty(500, 1000) // ratio 0.5
	assert.Greater(t, p1, p2)
	assert.Greater(t, p2, 0.0)

	// Warning band is linear: ratio 1.5 -> 500.
	assert.InDelta(t, 500, deadlinePenalty(1500, 1000), 1)

	// Safe region costs nothing.
	assert.Zero(t, deadlinePenalty(5000, 1000))
}

func TestCVaRIsMeanOfWorstTail(t *testing.T) {
	p := NewRiskMin("", 0.75)
	quantiles := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	// alpha=0.75 over 8 samples -> worst 2: mean(7,8)=7.5.
	assert.InDelta(t, 7.5, p.cvar(quantiles), 1e-9)
}

func TestQuantileSamplesAreTailWeighted(t *testing.T) {
	taus := quantileSamples(32)
	require.Len(t, taus, 32)

	inBody := 0
	for i, tau := range taus {
		assert.Greater(t, tau, 0.0)
		assert.Less(t, tau, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, tau, taus[i-1])
		}
		if tau <= 0.8 {
			inBody++
		}
	}
	// 80% of samples cover the body of the distribution.
	assert.InDelta(t, 26, inBody, 1)
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"po2", "varmin", "riskmin"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		p, err := New(k, "", 1)
		require.NoError(t, err)
		assert.NotEmpty(t, p.Name())
	}
	_, err := ParseKind("round-robin")
	assert.Error(t, err)
}

func TestScheduleReportsDecisionTime(t *testing.T) {
	p := NewRiskMin("", DefaultCVaRAlpha)
	d := p.Schedule(futureRequest(), testWorkers(4))
	assert.GreaterOrEqual(t, d.DecisionNS, int64(0))
}

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taildispatch/taildispatch/internal/edf"
	"github.com/taildispatch/taildispatch/internal/protocol"
)

func TestDispatchAndResponseTrackQueueLen(t *testing.T) {
	table := NewStateTable([]string{"a", "b"}, 0, 0)

	table.OnDispatch(0)
	table.OnDispatch(0)
	snap := table.Snapshot()
	assert.Equal(t, 2, snap[0].QueueLen)
	assert.Greater(t, snap[0].LoadEMA, 0.0)

	table.OnResponse(0, 10_000, true, 1)
	snap = table.Snapshot()
	assert.Equal(t, 1, snap[0].QueueLen)

	// Queue length never goes negative even on spurious responses.
	table.OnResponse(1, 10_000, true, 1)
	assert.Equal(t, 0, table.Snapshot()[1].QueueLen)
}

func TestLoadEMAFollowsConfiguredAlpha(t *testing.T) {
	table := NewStateTable([]string{"a"}, 0, 0)
	table.OnDispatch(0)
	// First update from zero: 0.1*1 + 0.9*0.
	assert.InDelta(t, 0.1, table.Snapshot()[0].LoadEMA, 1e-9)
}

func TestTickDecaysLoad(t *testing.T) {
	table := NewStateTable([]string{"a"}, 0, 0)
	for i := 0; i < 10; i++ {
		table.OnDispatch(0)
	}
	before := table.Snapshot()[0].LoadEMA
	table.Tick(1)
	after := table.Snapshot()[0].LoadEMA
	assert.InDelta(t, before*0.99, after, 1e-9)

	// Decay is monotone absent events.
	table.Tick(2)
	assert.Less(t, table.Snapshot()[0].LoadEMA, after)
}

func TestTickSweepsSilentWorkers(t *testing.T) {
	timeout := time.Second.Nanoseconds()
	table := NewStateTable([]string{"a", "b"}, timeout, 0)

	table.OnResponse(1, 1000, true, timeout/2)
	table.Tick(timeout + 1)

	snap := table.Snapshot()
	assert.False(t, snap[0].Healthy, "silent worker must be swept")
	assert.True(t, snap[1].Healthy, "recently active worker stays healthy")
}

func TestAvgServiceEMA(t *testing.T) {
	table := NewStateTable([]string{"a"}, 0, 0)
	table.OnResponse(0, 1000, true, 1)
	assert.InDelta(t, 100, table.Snapshot()[0].AvgServiceNS, 1e-9)
	table.OnResponse(0, 1000, true, 2)
	assert.InDelta(t, 190, table.Snapshot()[0].AvgServiceNS, 1e-9)
}

func TestMissRateEMAMovesOnMisses(t *testing.T) {
	table := NewStateTable([]string{"a"}, 0, 0)
	for i := 0; i < 100; i++ {
		table.OnResponse(0, 1000, false, int64(i))
	}
	assert.Greater(t, table.Snapshot()[0].MissRate, 0.9)
	for i := 0; i < 100; i++ {
		table.OnResponse(0, 1000, true, int64(i))
	}
	assert.Less(t, table.Snapshot()[0].MissRate, 0.1)
}

func TestApplyStateUpdateReplacesView(t *testing.T) {
	table := NewStateTable([]string{"a"}, 0, 0)
	hist := make([]uint32, edf.HistogramBins)
	hist[0] = 2
	hist[5] = 7

	table.ApplyStateUpdate(0, &protocol.StateUpdate{
		QueueLen:       42,
		Healthy:        1,
		SlackHistogram: hist,
	}, 123)

	snap := table.Snapshot()[0]
	assert.Equal(t, 42, snap.QueueLen)
	assert.Equal(t, uint32(2), snap.SlackHistogram[0])
	assert.Equal(t, uint32(7), snap.SlackHistogram[5])
	assert.True(t, snap.Healthy)
	assert.Equal(t, int64(123), snap.LastEventNS)
}

func TestResponseRestoresHealth(t *testing.T) {
	table := NewStateTable([]string{"a"}, 0, 0)
	table.MarkUnhealthy(0)
	require.False(t, table.Snapshot()[0].Healthy)

	table.OnResponse(0, 1000, true, 5)
	assert.True(t, table.Snapshot()[0].Healthy)
}

func TestSnapshotIsACopy(t *testing.T) {
	table := NewStateTable([]string{"a"}, 0, 0)
	snap := table.Snapshot()
	snap[0].QueueLen = 99
	assert.Equal(t, 0, table.Snapshot()[0].QueueLen)
}

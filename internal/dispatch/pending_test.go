package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingKeyComposition(t *testing.T) {
	k1 := PendingKey(1, 7)
	k2 := PendingKey(2, 7)
	assert.NotEqual(t, k1, k2, "same request id from different clients must not collide")
	assert.Equal(t, PendingKey(1, 7), k1)
}

func TestPendingInsertRemove(t *testing.T) {
	table := NewPendingTable()
	key := PendingKey(3, 11)
	table.Insert(key, &PendingEntry{ID: 11, ClientID: 3})
	assert.Equal(t, 1, table.Len())

	e, ok := table.Remove(key)
	require.True(t, ok)
	assert.Equal(t, uint64(11), e.ID)
	assert.Equal(t, 0, table.Len())

	// A second remove (late or duplicate response) misses cleanly.
	_, ok = table.Remove(key)
	assert.False(t, ok)
}

func TestPendingExpireByCutoff(t *testing.T) {
	table := NewPendingTable()
	table.Insert(1, &PendingEntry{ID: 1, LBRecvNS: 100, TargetWorker: 0})
	table.Insert(2, &PendingEntry{ID: 2, LBRecvNS: 200, TargetWorker: 1})
	table.Insert(3, &PendingEntry{ID: 3, LBRecvNS: 300, TargetWorker: 0})

	expired := table.Expire(250, -1)
	assert.Len(t, expired, 2)
	assert.Equal(t, 1, table.Len())
}

func TestPendingExpireByWorker(t *testing.T) {
	table := NewPendingTable()
	table.Insert(1, &PendingEntry{ID: 1, LBRecvNS: 100, TargetWorker: 0})
	table.Insert(2, &PendingEntry{ID: 2, LBRecvNS: 100, TargetWorker: 1})

	expired := table.Expire(0, 1)
	require.Len(t, expired, 1)
	assert.Equal(t, uint64(2), expired[0].ID)
	assert.Equal(t, 1, table.Len())
}

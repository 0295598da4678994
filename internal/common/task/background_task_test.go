package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegisteredTaskRunsRepeatedly(t *testing.T) {
	m := NewBackgroundTaskManager("test_repeat_")
	var count atomic.Int64
	m.Register(func() { count.Add(1) }, time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return count.Load() >= 5 },
		time.Second, time.Millisecond)
	timedOut := m.StopAll(time.Second)
	assert.False(t, timedOut)
}

func TestStopAllHaltsTasks(t *testing.T) {
	m := NewBackgroundTaskManager("test_stop_")
	var count atomic.Int64
	m.Register(func() { count.Add(1) }, time.Millisecond, "halting")

	m.StopAll(time.Second)
	settled := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, count.Load(), "no ticks after StopAll")
}

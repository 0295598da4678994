// Package task runs periodic background loops such as the LB state-update
// tick and the client progress report. Each loop's execution latency lands
// in a prometheus histogram.
package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type task struct {
	run      func()
	interval time.Duration
	name     string
	stop     chan struct{}
	observe  prometheus.Observer
}

// BackgroundTaskManager owns a set of periodic loops. Register and StopAll
// must be called from a single goroutine; the loops themselves run
// concurrently.
type BackgroundTaskManager struct {
	tasks  []*task
	prefix string
	wg     sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{prefix: metricsPrefix}
}

// Register starts a loop invoking fn now and then every interval until
// StopAll.
func (m *BackgroundTaskManager) Register(fn func(), interval time.Duration, metricName string) {
	t := &task{
		run:      fn,
		interval: interval,
		name:     metricName,
		stop:     make(chan struct{}),
		observe:  loopHistogram(m.prefix + metricName),
	}
	m.tasks = append(m.tasks, t)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			start := time.Now()
			t.run()
			t.observe.Observe(time.Since(start).Seconds())

			select {
			case <-ticker.C:
			case <-t.stop:
				return
			}
		}
	}()
}

// loopHistogram registers the loop-latency histogram, reusing the existing
// collector when several managers share a process (as tests do).
func loopHistogram(name string) prometheus.Observer {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name + "_latency_seconds",
		Help:    "Background loop " + name + " latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
	})
	if err := prometheus.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Histogram)
		}
	}
	return hist
}

// StopAll signals every loop and waits up to timeout for them to exit,
// reporting whether the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stop)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}

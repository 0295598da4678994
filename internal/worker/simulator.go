package worker

import (
	"time"

	"github.com/taildispatch/taildispatch/internal/protocol"
)

// Simulator burns CPU for the requested service time. Busy-waiting against
// the monotonic clock keeps sub-10us targets from being blurred by scheduler
// wakeup jitter.
type Simulator struct {
	capacityFactor float64
}

// NewSimulator models a node whose capacity factor divides its effective
// speed; factors below one are slow nodes.
func NewSimulator(capacityFactor float64) *Simulator {
	if capacityFactor <= 0 {
		capacityFactor = 1.0
	}
	return &Simulator{capacityFactor: capacityFactor}
}

// TargetDuration is the simulated latency for a request: hint scaled by the
// type multiplier and divided by the capacity factor.
func (s *Simulator) TargetDuration(reqType protocol.RequestType, hintUS uint32) time.Duration {
	us := float64(hintUS) * reqType.ServiceMultiplier() / s.capacityFactor
	return time.Duration(us * float64(time.Microsecond))
}

// Process busy-waits for the target latency and returns the elapsed wall
// time.
func (s *Simulator) Process(reqType protocol.RequestType, hintUS uint32) time.Duration {
	target := s.TargetDuration(reqType, hintUS)
	start := time.Now()
	for time.Since(start) < target {
	}
	return time.Since(start)
}

// BusyWait spins for the given duration; used for artificial heterogeneity
// injection after the base service.
func BusyWait(d time.Duration) {
	if d <= 0 {
		return
	}
	start := time.Now()
	for time.Since(start) < d {
	}
}

package dispatch

import (
	"fmt"
	"math/rand"

	"github.com/taildispatch/taildispatch/internal/protocol"
)

// PowerOfChoices samples d distinct healthy workers uniformly and takes the
// one with the lowest load EMA, ties broken by lower index. Decision cost is
// O(d) and independent of the request content.
type PowerOfChoices struct {
	choices int
	rng     *rand.Rand
}

func NewPowerOfChoices(choices int, seed int64) *PowerOfChoices {
	if choices < 1 {
		choices = 2
	}
	return &PowerOfChoices{choices: choices, rng: rand.New(rand.NewSource(seed))}
}

func (p *PowerOfChoices) Name() string {
	return fmt.Sprintf("power-of-%d", p.choices)
}

func (p *PowerOfChoices) Schedule(req *Request, workers []WorkerState) Decision {
	start := protocol.NowNS()

	healthy := make([]int, 0, len(workers))
	for i := range workers {
		if workers[i].Healthy {
			healthy = append(healthy, i)
		}
	}
	if len(healthy) == 0 {
		return Decision{Target: -1, DecisionNS: protocol.NowNS() - start}
	}

	d := p.choices
	if d > len(healthy) {
		d = len(healthy)
	}
	// Partial Fisher-Yates over the healthy set gives d distinct samples.
	for i := 0; i < d; i++ {
		j := i + p.rng.Intn(len(healthy)-i)
		healthy[i], healthy[j] = healthy[j], healthy[i]
	}

	best := healthy[0]
	for _, idx := range healthy[1:d] {
		if workers[idx].LoadEMA < workers[best].LoadEMA ||
			(workers[idx].LoadEMA == workers[best].LoadEMA && idx < best) {
			best = idx
		}
	}

	return Decision{
		Target:     best,
		Confidence: 1 - workers[best].LoadEMA,
		DecisionNS: protocol.NowNS() - start,
	}
}

func (p *PowerOfChoices) OnComplete(Trace) {}

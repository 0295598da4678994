package dispatch

import (
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/taildispatch/taildispatch/internal/protocol"
)

// VarianceMin assigns each request so the marginal change in the
// sum-of-squared load deviations is smallest. Under heavy-tailed service
// times this equalises load without equalising latency; it exists as the
// negative control the risk policy is measured against. A score-network
// artefact, when present, replaces the closed form.
type VarianceMin struct {
	model *Model
}

func NewVarianceMin(modelPath string) *VarianceMin {
	p := &VarianceMin{}
	if modelPath != "" {
		m, err := LoadModel(modelPath)
		switch {
		case err != nil:
			log.WithError(err).Warn("variance-min artefact unusable, using heuristic")
		case m.Kind != ModelKindScore:
			log.Warnf("variance-min artefact has kind %q, using heuristic", m.Kind)
		default:
			p.model = m
		}
	}
	return p
}

func (p *VarianceMin) Name() string {
	if p.model != nil {
		return "variance-min-model"
	}
	return "variance-min"
}

func (p *VarianceMin) Schedule(req *Request, workers []WorkerState) Decision {
	start := protocol.NowNS()

	if p.model != nil && p.model.Workers == len(workers) {
		if d, ok := p.scheduleModel(req, workers); ok {
			d.DecisionNS = protocol.NowNS() - start
			return d
		}
	}

	mean := 0.0
	for i := range workers {
		mean += workers[i].LoadEMA
	}
	mean /= float64(len(workers))

	best := -1
	minDelta := math.MaxFloat64
	for i := range workers {
		if !workers[i].Healthy {
			continue
		}
		load := workers[i].LoadEMA
		delta := (load+1-mean)*(load+1-mean) - (load-mean)*(load-mean)
		if delta < minDelta {
			minDelta = delta
			best = i
		}
	}
	if best < 0 {
		return Decision{Target: -1, DecisionNS: protocol.NowNS() - start}
	}

	variance := 0.0
	for i := range workers {
		d := workers[i].LoadEMA - mean
		variance += d * d
	}
	variance /= float64(len(workers))

	return Decision{
		Target:     best,
		Confidence: math.Exp(-variance),
		DecisionNS: protocol.NowNS() - start,
	}
}

func (p *VarianceMin) scheduleModel(req *Request, workers []WorkerState) (Decision, bool) {
	state := make([]float64, 0, 3+4*len(workers))
	state = append(state,
		float64(req.Type),
		float64(req.PayloadSize)/1000,
		float64(req.ServiceHintUS)/100,
	)
	for i := range workers {
		w := &workers[i]
		healthy := 0.0
		if w.Healthy {
			healthy = 1.0
		}
		state = append(state,
			w.LoadEMA,
			float64(w.QueueLen)/100,
			w.CapacityFactor,
			healthy,
		)
	}
	if len(state) != p.model.Inputs {
		return Decision{}, false
	}

	scores := p.model.Forward(state)
	best := -1
	bestScore := math.Inf(-1)
	for i := range workers {
		if !workers[i].Healthy {
			continue
		}
		if scores[i] > bestScore {
			bestScore = scores[i]
			best = i
		}
	}
	if best < 0 {
		return Decision{Target: -1}, true
	}
	return Decision{Target: best, Confidence: bestScore}, true
}

func (p *VarianceMin) OnComplete(Trace) {}

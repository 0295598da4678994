package dispatch

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/taildispatch/taildispatch/internal/edf"
	"github.com/taildispatch/taildispatch/internal/protocol"
)

// RiskMin is the risk-aware policy: with a quantile-network artefact it
// estimates each worker's latency distribution at tail-weighted quantile
// samples and dispatches to the worker with the smallest CVaR plus deadline
// penalty; without one it scores risk from queue length, historical p99,
// capacity and the urgent head of the slack histogram.
type RiskMin struct {
	model     *Model
	cvarAlpha float64
	taus      []float64
}

const (
	DefaultCVaRAlpha   = 0.95
	numQuantileSamples = 32

	penaltyExpired = 1e9
	urgentBins     = 4
)

func NewRiskMin(modelPath string, cvarAlpha float64) *RiskMin {
	if cvarAlpha <= 0 || cvarAlpha >= 1 {
		cvarAlpha = DefaultCVaRAlpha
	}
	p := &RiskMin{cvarAlpha: cvarAlpha, taus: quantileSamples(numQuantileSamples)}
	if modelPath != "" {
		m, err := LoadModel(modelPath)
		switch {
		case err != nil:
			log.WithError(err).Warn("risk-min artefact unusable, using heuristic")
		case m.Kind != ModelKindQuantile:
			log.Warnf("risk-min artefact has kind %q, using heuristic", m.Kind)
		default:
			p.model = m
			log.Infof("risk-min quantile artefact loaded (alpha=%.2f)", cvarAlpha)
		}
	}
	return p
}

// quantileSamples produces k tail-weighted taus: 80% of them uniform over
// (0, 0.8], the rest over (0.8, 1.0). Fixed at construction so decisions are
// deterministic given the state.
func quantileSamples(k int) []float64 {
	taus := make([]float64, k)
	body := int(float64(k) * 0.8)
	for i := 0; i < body; i++ {
		taus[i] = 0.8 * float64(i+1) / float64(body)
	}
	tail := k - body
	for i := 0; i < tail; i++ {
		taus[body+i] = 0.8 + 0.2*float64(i+1)/float64(tail+1)
	}
	return taus
}

func (p *RiskMin) Name() string {
	if p.model != nil {
		return "risk-min-quantile"
	}
	return "risk-min"
}

func (p *RiskMin) Schedule(req *Request, workers []WorkerState) Decision {
	start := protocol.NowNS()
	now := start

	var d Decision
	if p.model != nil {
		d = p.scheduleQuantile(req, workers, now)
	} else {
		d = p.scheduleHeuristic(req, workers, now)
	}
	d.DecisionNS = protocol.NowNS() - start
	return d
}

// stateVector builds the model input shared with offline training: request
// features followed by per-worker features including the slack histogram.
func stateVector(req *Request, workers []WorkerState, nowNS int64) []float64 {
	state := make([]float64, 0, 4+len(workers)*(7+edf.HistogramBins))
	state = append(state,
		float64(req.Type),
		float64(req.PayloadSize)/1000,
		float64(req.ServiceHintUS)/100,
		float64(req.Deadline-nowNS)/1e6,
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
			w.AvgServiceNS/1e6,
			w.P99NS/1e6,
			w.MissRate,
			healthy,
		)
		for _, c := range w.SlackHistogram {
			state = append(state, float64(c)/100)
		}
	}
	return state
}

func (p *RiskMin) scheduleQuantile(req *Request, workers []WorkerState, nowNS int64) Decision {
	state := stateVector(req, workers, nowNS)
	if p.model.Inputs != len(state)+1 || p.model.Workers != len(workers) {
		return p.scheduleHeuristic(req, workers, nowNS)
	}

	// One forward pass per tau yields Q[worker][tau].
	quantiles := make([][]float64, len(workers))
	for i := range quantiles {
		quantiles[i] = make([]float64, len(p.taus))
	}
	input := append(state, 0)
	for k, tau := range p.taus {
		input[len(input)-1] = tau
		out := p.model.Forward(input)
		for i := range workers {
			quantiles[i][k] = out[i]
		}
	}

	slack := float64(req.Deadline - nowNS)
	best := -1
	minRisk := math.MaxFloat64
	for i := range workers {
		if !workers[i].Healthy {
			continue
		}
		cvar := p.cvar(quantiles[i])
		risk := cvar + deadlinePenalty(slack, cvar)
		if risk < minRisk {
			minRisk = risk
			best = i
		}
	}
	if best < 0 {
		return Decision{Target: -1}
	}
	return Decision{Target: best, Confidence: 1 / (1 + minRisk/1e6)}
}

// cvar is the mean of the worst (1-alpha) fraction of the quantile
// estimates.
func (p *RiskMin) cvar(quantiles []float64) float64 {
	sorted := append([]float64(nil), quantiles...)
	sort.Float64s(sorted)
	idx := int(p.cvarAlpha * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	sum := 0.0
	for _, v := range sorted[idx:] {
		sum += v
	}
	return sum / float64(len(sorted)-idx)
}

// deadlinePenalty is a barrier on the slack/CVaR ratio: effectively infinite
// once the deadline passed, log-steep while the predicted tail eats the
// whole budget, linear in the warning band, zero beyond twice the budget.
func deadlinePenalty(slackNS, cvarNS float64) float64 {
	if slackNS <= 0 {
		return penaltyExpired
	}
	ratio := slackNS / (cvarNS + 1e-9)
	switch {
	case ratio <= 1:
		return -1e6 * math.Log(ratio+1e-9)
	case ratio <= 2:
		return 1e3 * (2 - ratio)
	default:
		return 0
	}
}

func (p *RiskMin) scheduleHeuristic(req *Request, workers []WorkerState, nowNS int64) Decision {
	best := -1
	minRisk := math.MaxFloat64
	for i := range workers {
		w := &workers[i]
		if !w.Healthy {
			continue
		}

		urgent := uint32(0)
		for b := 0; b < urgentBins && b < len(w.SlackHistogram); b++ {
			urgent += w.SlackHistogram[b]
		}

		risk := 100*float64(w.QueueLen) + w.P99NS/1000 + 500*float64(urgent)
		risk *= 2 - w.CapacityFactor

		// Without a distribution estimate, the expected time through the
		// worker stands in for CVaR in the penalty ratio.
		expected := w.AvgServiceNS * float64(1+w.QueueLen)
		slack := float64(req.Deadline - nowNS)
		risk += deadlinePenalty(slack, expected)

		if risk < minRisk {
			minRisk = risk
			best = i
		}
	}
	if best < 0 {
		return Decision{Target: -1}
	}
	return Decision{Target: best, Confidence: 1 / (1 + minRisk/1e6)}
}

func (p *RiskMin) OnComplete(Trace) {}

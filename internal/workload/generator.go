// Package workload produces the heavy-tailed request streams that drive the
// dispatcher. Service-time samples come from a configurable distribution;
// the Pareto shape range 1.1-1.5 is the regime where cross-worker load
// variance stops predicting tail latency.
package workload

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/taildispatch/taildispatch/internal/protocol"
)

// Distribution selects the service-time sampler.
type Distribution string

const (
	DistPareto    Distribution = "pareto"
	DistLognormal Distribution = "lognormal"
	DistBimodal   Distribution = "bimodal"
	DistUniform   Distribution = "uniform"
)

// ParseDistribution maps a CLI string onto a Distribution.
func ParseDistribution(s string) (Distribution, error) {
	switch Distribution(s) {
	case DistPareto, DistLognormal, DistBimodal, DistUniform:
		return Distribution(s), nil
	}
	return "", errors.Errorf("unknown workload distribution %q", s)
}

// Config holds the generator parameters.
type Config struct {
	Distribution Distribution

	// Pareto parameters.
	ParetoAlpha      float64 // shape, heavier tail as it approaches 1
	ServiceTimeMinUS float64 // scale (x_m), also the uniform lower bound

	// Lognormal parameters.
	LognormalMu    float64
	LognormalSigma float64

	// Bimodal parameters.
	PLight    float64
	LightMean float64
	HeavyMean float64

	// Deadline parameters. FixedDeadlineUS wins when non-zero.
	DeadlineMultiplier float64
	FixedDeadlineUS    uint64

	// Request-type mix. Remainder after get+put+scan is compute.
	PGet  float64
	PPut  float64
	PScan float64
}

// DefaultConfig mirrors the standard experiment settings.
func DefaultConfig() Config {
	return Config{
		Distribution:       DistPareto,
		ParetoAlpha:        1.2,
		ServiceTimeMinUS:   10,
		LognormalMu:        2.3,
		LognormalSigma:     1.0,
		PLight:             0.9,
		LightMean:          10,
		HeavyMean:          1000,
		DeadlineMultiplier: 5.0,
		PGet:               0.7,
		PPut:               0.2,
		PScan:              0.05,
	}
}

// Generator produces requests with service-time hints and deadlines. It is
// not safe for concurrent use; each sending loop owns one.
type Generator struct {
	cfg Config
	rng *rand.Rand

	pareto    distuv.Pareto
	lognormal distuv.LogNormal
	light     distuv.Normal
	heavy     distuv.Normal
	uniform   distuv.Uniform

	nextID uint64
}

// New builds a seeded generator. The same seed reproduces the same stream.
func New(cfg Config, seed uint64) *Generator {
	src := rand.NewSource(seed)
	rng := rand.New(src)
	return &Generator{
		cfg:       cfg,
		rng:       rng,
		pareto:    distuv.Pareto{Xm: cfg.ServiceTimeMinUS, Alpha: cfg.ParetoAlpha, Src: src},
		lognormal: distuv.LogNormal{Mu: cfg.LognormalMu, Sigma: cfg.LognormalSigma, Src: src},
		light:     distuv.Normal{Mu: cfg.LightMean, Sigma: cfg.LightMean * 0.1, Src: src},
		heavy:     distuv.Normal{Mu: cfg.HeavyMean, Sigma: cfg.HeavyMean * 0.2, Src: src},
		uniform:   distuv.Uniform{Min: cfg.ServiceTimeMinUS, Max: 2 * cfg.ServiceTimeMinUS, Src: src},
	}
}

// SampleServiceUS draws one service-time sample in microseconds.
func (g *Generator) SampleServiceUS() float64 {
	switch g.cfg.Distribution {
	case DistLognormal:
		return g.lognormal.Rand()
	case DistBimodal:
		if g.rng.Float64() < g.cfg.PLight {
			return max1(g.light.Rand())
		}
		return max1(g.heavy.Rand())
	case DistUniform:
		return g.uniform.Rand()
	default:
		return g.pareto.Rand()
	}
}

func max1(v float64) float64 {
	if v < 1 {
		return 1
	}
	return v
}

// sampleType draws a request type from the configured mix.
func (g *Generator) sampleType() protocol.RequestType {
	r := g.rng.Float64()
	switch {
	case r < g.cfg.PGet:
		return protocol.TypeGet
	case r < g.cfg.PGet+g.cfg.PPut:
		return protocol.TypePut
	case r < g.cfg.PGet+g.cfg.PPut+g.cfg.PScan:
		return protocol.TypeScan
	default:
		return protocol.TypeCompute
	}
}

// Next produces the next request stamped with the given client id and send
// time. The deadline is absolute in the caller's clock domain; the service
// hint carries the raw sample independent of the deadline.
func (g *Generator) Next(clientID uint8, sendNS int64) protocol.ClientRequest {
	serviceUS := g.SampleServiceUS()

	req := protocol.ClientRequest{
		ID:           g.nextID,
		ClientSendNS: uint64(sendNS),
		ServiceHint:  uint32(serviceUS),
		ClientID:     clientID,
		Type:         g.sampleType(),
		PayloadSize:  uint16(64 + g.rng.Intn(256)),
	}
	g.nextID++

	if g.cfg.FixedDeadlineUS > 0 {
		req.Deadline = uint64(sendNS) + g.cfg.FixedDeadlineUS*1000
	} else {
		req.Deadline = uint64(sendNS) + uint64(serviceUS*g.cfg.DeadlineMultiplier*1000)
	}
	return req
}

// TheoreticalMean returns the Pareto mean, infinite when alpha <= 1.
func (g *Generator) TheoreticalMean() float64 {
	if g.cfg.ParetoAlpha <= 1 {
		return math.Inf(1)
	}
	return g.cfg.ParetoAlpha * g.cfg.ServiceTimeMinUS / (g.cfg.ParetoAlpha - 1)
}

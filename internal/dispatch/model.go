package dispatch

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Model is a serialised feed-forward policy artefact: dense layers with ReLU
// activations everywhere but the output. The quantile form takes
// state-vector + tau and yields one latency-quantile estimate per worker;
// the score form takes the state vector alone and yields per-worker scores.
type Model struct {
	Kind    string  `json:"kind"` // "quantile" or "score"
	Inputs  int     `json:"inputs"`
	Workers int     `json:"workers"`
	Layers  []layer `json:"layers"`

	weights []*mat.Dense
	biases  []*mat.VecDense
}

type layer struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

const (
	ModelKindQuantile = "quantile"
	ModelKindScore    = "score"
)

// LoadModel reads and validates a policy artefact. Callers fall back to
// their heuristic on any error.
func LoadModel(path string) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model artefact %s", path)
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing model artefact %s", path)
	}
	if m.Kind != ModelKindQuantile && m.Kind != ModelKindScore {
		return nil, errors.Errorf("model artefact %s: unknown kind %q", path, m.Kind)
	}
	if len(m.Layers) == 0 {
		return nil, errors.Errorf("model artefact %s: no layers", path)
	}

	in := m.Inputs
	for i, l := range m.Layers {
		rows := len(l.Weights)
		if rows == 0 || len(l.Biases) != rows {
			return nil, errors.Errorf("model artefact %s: layer %d malformed", path, i)
		}
		flat := make([]float64, 0, rows*in)
		for _, row := range l.Weights {
			if len(row) != in {
				return nil, errors.Errorf("model artefact %s: layer %d expects width %d, got %d",
					path, i, in, len(row))
			}
			flat = append(flat, row...)
		}
		m.weights = append(m.weights, mat.NewDense(rows, in, flat))
		m.biases = append(m.biases, mat.NewVecDense(rows, append([]float64(nil), l.Biases...)))
		in = rows
	}
	if in != m.Workers {
		return nil, errors.Errorf("model artefact %s: output width %d != workers %d",
			path, in, m.Workers)
	}
	return &m, nil
}

// Forward evaluates the network on one input vector.
func (m *Model) Forward(input []float64) []float64 {
	x := mat.NewVecDense(len(input), append([]float64(nil), input...))
	for i := range m.weights {
		rows, _ := m.weights[i].Dims()
		y := mat.NewVecDense(rows, nil)
		y.MulVec(m.weights[i], x)
		y.AddVec(y, m.biases[i])
		if i < len(m.weights)-1 {
			for j := 0; j < rows; j++ {
				if y.AtVec(j) < 0 {
					y.SetVec(j, 0)
				}
			}
		}
		x = y
	}
	out := make([]float64, x.Len())
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out
}

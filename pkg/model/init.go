package model

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// InitStd is the standard deviation of GPT-2 weight initialization.
const InitStd = 0.02

// NewInitialized creates a model with GPT-2 initialization drawn from src.
func NewInitialized(cfg Config, src rand.Source) (*GPT2Model, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.InitWeights(src)
	return m, nil
}

// InitWeights overwrites every parameter following GPT-2 initialization.
//
//   - Embeddings and linear weights: N(0, 0.02)
//   - Residual projections (attn.c_proj, mlp.c_proj): N(0, 0.02/sqrt(2*n_layer))
//   - Linear biases: zeros
//   - LayerNorm scale: ones, shift: zeros
//
// The same source always produces the same weights.
func (m *GPT2Model) InitWeights(src rand.Source) {
	if src == nil {
		panic("model: InitWeights requires a random source")
	}
	residualStd := InitStd / math.Sqrt(2*float64(m.Config.NumLayers))

	for i, spec := range m.Params.Specs() {
		data := m.Params.List()[i].Value.Data
		switch {
		case spec.Role == RoleLN1Weight || spec.Role == RoleLN2Weight || spec.Role == RoleFinalLNWeight:
			for j := range data {
				data[j] = 1
			}
		case len(spec.Shape) == 1:
			clear(data)
		default:
			std := InitStd
			if spec.Role.IsResidualProjection() {
				std = residualStd
			}
			normalInit(data, std, src)
		}
	}
}

// normalInit fills data with samples from N(0, std^2).
func normalInit(data []float32, std float64, src rand.Source) {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}

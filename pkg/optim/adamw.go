// Package optim implements the first-order optimizer that drives training.
package optim

import (
	"fmt"
	"math"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/tensor"
)

// Config holds AdamW hyperparameters.
type Config struct {
	LR          float32
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32
}

// DefaultConfig returns the settings cmd/train uses:
// Adam at lr 1e-4 without weight decay.
func DefaultConfig() Config {
	return Config{LR: 1e-4, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0}
}

// AdamW updates a fixed set of parameters with decoupled weight decay.
type AdamW struct {
	Config
	params []*tensor.Param
	m, v   [][]float32
	step   int
}

// NewAdamW creates an optimizer over params. Each Param must appear once;
// tied weights share one Param and are updated once per step.
func NewAdamW(params []*tensor.Param, cfg Config) (*AdamW, error) {
	if cfg.LR <= 0 || cfg.Eps <= 0 || cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("%w: invalid optimizer settings %+v", errs.ErrPrecondition, cfg)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("%w: betas must be in [0, 1), got %v and %v", errs.ErrPrecondition, cfg.Beta1, cfg.Beta2)
	}

	seen := make(map[*tensor.Param]bool, len(params))
	opt := &AdamW{Config: cfg, params: params}
	for _, p := range params {
		if seen[p] {
			return nil, fmt.Errorf("%w: parameter listed twice", errs.ErrPrecondition)
		}
		seen[p] = true
		opt.m = append(opt.m, make([]float32, p.Size()))
		opt.v = append(opt.v, make([]float32, p.Size()))
	}
	return opt, nil
}

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int {
	return o.step
}

// ZeroGrad clears the gradient of every managed parameter.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step applies one update from the accumulated gradients.
func (o *AdamW) Step() {
	o.step++
	c1 := float32(1 - math.Pow(float64(o.Beta1), float64(o.step)))
	c2 := float32(1 - math.Pow(float64(o.Beta2), float64(o.step)))

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		w, g := p.Value.Data, p.Grad.Data
		for j := range w {
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g[j]
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g[j]*g[j]
			mHat := m[j] / c1
			vHat := v[j] / c2
			w[j] -= o.LR * (mHat/(float32(math.Sqrt(float64(vHat)))+o.Eps) + o.WeightDecay*w[j])
		}
	}
}

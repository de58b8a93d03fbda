package model

import (
	"fmt"
	"math"

	"gpt2ref/pkg/tensor"
)

// LayerNorm implements layer normalization with learnable scale and shift.
//
// LayerNorm normalizes the input across the last dimension (feature dimension)
// and applies a learned scale (gamma) and shift (beta) transformation.
//
// Formula:
//
//	mean = mean(x, dim=-1, keepdim=True)
//	var = var(x, dim=-1, keepdim=True)
//	x_norm = (x - mean) / sqrt(var + eps)
//	output = x_norm * scale + shift
//
// Forward caches the input, mean and reciprocal standard deviation of every
// row for Backward.
type LayerNorm struct {
	Scale *tensor.Param // (emb_dim,) - gamma parameter
	Shift *tensor.Param // (emb_dim,) - beta parameter
	Eps   float32       // Small constant for numerical stability

	input *tensor.Tensor
	mean  []float32
	rstd  []float32
}

// NewLayerNorm creates a LayerNorm over existing scale and shift parameters.
func NewLayerNorm(scale, shift *tensor.Param, eps float32) *LayerNorm {
	return &LayerNorm{
		Scale: scale,
		Shift: shift,
		Eps:   eps,
	}
}

// Forward applies layer normalization to the input.
//
// Input shape: (batch, seq, emb_dim) or any shape where last dim is emb_dim
// Output shape: same as input
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor")
	}

	C := x.Shape[len(x.Shape)-1]
	if C != ln.Scale.Size() {
		return nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d",
			C, ln.Scale.Size())
	}
	rows := len(x.Data) / C

	result := tensor.NewTensor(x.Shape)
	ln.input = x
	ln.mean = make([]float32, rows)
	ln.rstd = make([]float32, rows)

	w, b := ln.Scale.Value.Data, ln.Shift.Value.Data
	for r := 0; r < rows; r++ {
		row := x.Data[r*C : (r+1)*C]

		// Step 1: Compute mean
		mean := float32(0)
		for _, v := range row {
			mean += v
		}
		mean /= float32(C)

		// Step 2: Compute variance
		variance := float32(0)
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(C)

		// Step 3: Normalize, then scale and shift
		rstd := float32(1.0 / math.Sqrt(float64(variance+ln.Eps)))
		out := result.Data[r*C : (r+1)*C]
		for i, v := range row {
			out[i] = (v-mean)*rstd*w[i] + b[i]
		}
		ln.mean[r] = mean
		ln.rstd[r] = rstd
	}

	return result, nil
}

// Backward accumulates scale and shift gradients for the last Forward and
// returns the gradient with respect to its input.
//
// With n = (x - mean) * rstd and g = dout * scale:
//
//	dx = rstd * (g - mean(g) - n * mean(g * n))
func (ln *LayerNorm) Backward(dout *tensor.Tensor) (*tensor.Tensor, error) {
	if ln.input == nil {
		return nil, fmt.Errorf("LayerNorm backward called before forward")
	}
	if !dout.ShapeEquals(ln.input) {
		return nil, fmt.Errorf("gradient shape %v doesn't match input shape %v",
			dout.Shape, ln.input.Shape)
	}

	C := ln.Scale.Size()
	rows := len(dout.Data) / C
	dx := tensor.NewTensor(dout.Shape)
	w := ln.Scale.Value.Data
	dw, db := ln.Scale.Grad.Data, ln.Shift.Grad.Data

	for r := 0; r < rows; r++ {
		x := ln.input.Data[r*C : (r+1)*C]
		g := dout.Data[r*C : (r+1)*C]
		mean, rstd := ln.mean[r], ln.rstd[r]

		var gMean, gnMean float32
		for i := range x {
			norm := (x[i] - mean) * rstd
			dnorm := w[i] * g[i]
			gMean += dnorm
			gnMean += dnorm * norm
		}
		gMean /= float32(C)
		gnMean /= float32(C)

		out := dx.Data[r*C : (r+1)*C]
		for i := range x {
			norm := (x[i] - mean) * rstd
			dnorm := w[i] * g[i]
			db[i] += g[i]
			dw[i] += norm * g[i]
			out[i] = (dnorm - gMean - norm*gnMean) * rstd
		}
	}

	return dx, nil
}

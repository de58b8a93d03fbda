package model

import (
	"fmt"

	"gpt2ref/pkg/tensor"
)

// FeedForward implements the feed-forward network used in GPT-2.
//
// Architecture:
//  1. Linear projection c_fc: (batch, seq, emb_dim) -> (batch, seq, 4*emb_dim)
//  2. GELU activation (tanh approximation)
//  3. Linear projection c_proj: -> (batch, seq, emb_dim)
//
// Weights follow the (out, in) convention.
type FeedForward struct {
	FCWeight   *tensor.Param // (4*emb_dim, emb_dim)
	FCBias     *tensor.Param // (4*emb_dim,)
	ProjWeight *tensor.Param // (emb_dim, 4*emb_dim)
	ProjBias   *tensor.Param // (emb_dim,)

	input  *tensor.Tensor
	hidden []float32 // pre-activation (rows, 4C)
	gelu   []float32 // post-activation (rows, 4C)
}

// NewFeedForward creates a feed-forward layer over existing parameters.
func NewFeedForward(fcW, fcB, projW, projB *tensor.Param) *FeedForward {
	return &FeedForward{
		FCWeight:   fcW,
		FCBias:     fcB,
		ProjWeight: projW,
		ProjBias:   projB,
	}
}

// Forward computes the feed-forward transformation.
//
// Input shape: (batch, seq, emb_dim)
// Output shape: (batch, seq, emb_dim)
//
// Steps:
//  1. hidden = x · FCᵀ + b_fc
//  2. Apply GELU activation
//  3. out = gelu · Projᵀ + b_proj
func (ff *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("expected at least 2D input, got %dD", len(x.Shape))
	}

	C := x.Shape[len(x.Shape)-1]
	H := ff.FCWeight.Shape()[0]
	if C != ff.FCWeight.Shape()[1] {
		return nil, fmt.Errorf("input dimension %d doesn't match c_fc input dimension %d",
			C, ff.FCWeight.Shape()[1])
	}
	rows := len(x.Data) / C

	ff.input = x
	ff.hidden = make([]float32, rows*H)
	ff.gelu = make([]float32, rows*H)

	// Step 1: First linear projection
	tensor.LinearForward(ff.hidden, x.Data, ff.FCWeight.Value.Data, ff.FCBias.Value.Data, rows, C, H)

	// Step 2: Apply GELU activation
	tensor.GELUForward(ff.gelu, ff.hidden)

	// Step 3: Second linear projection
	output := tensor.NewTensor(x.Shape)
	tensor.LinearForward(output.Data, ff.gelu, ff.ProjWeight.Value.Data, ff.ProjBias.Value.Data, rows, H, C)

	return output, nil
}

// Backward accumulates the parameter gradients of the last Forward and
// returns the gradient with respect to its input.
func (ff *FeedForward) Backward(dout *tensor.Tensor) (*tensor.Tensor, error) {
	if ff.input == nil {
		return nil, fmt.Errorf("feed-forward backward called before forward")
	}
	if !dout.ShapeEquals(ff.input) {
		return nil, fmt.Errorf("gradient shape %v doesn't match input shape %v",
			dout.Shape, ff.input.Shape)
	}

	C := dout.Shape[len(dout.Shape)-1]
	H := ff.FCWeight.Shape()[0]
	rows := len(dout.Data) / C

	dgelu := make([]float32, rows*H)
	tensor.LinearBackward(dgelu, ff.ProjWeight.Grad.Data, ff.ProjBias.Grad.Data,
		dout.Data, ff.gelu, ff.ProjWeight.Value.Data, rows, H, C)

	dhidden := make([]float32, rows*H)
	tensor.GELUBackward(dhidden, ff.hidden, dgelu)

	dx := tensor.NewTensor(dout.Shape)
	tensor.LinearBackward(dx.Data, ff.FCWeight.Grad.Data, ff.FCBias.Grad.Data,
		dhidden, ff.input.Data, ff.FCWeight.Value.Data, rows, C, H)

	return dx, nil
}

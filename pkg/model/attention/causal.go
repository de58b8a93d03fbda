// Package attention implements GPT-2 causal self-attention and the pre-norm
// transformer block that wraps it.
package attention

import (
	"fmt"
	"math"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/tensor"
)

// CausalSelfAttention implements fused-QKV multi-head causal self-attention.
//
// Architecture:
//   - One linear layer c_attn projects x to Q|K|V (C -> 3C)
//   - Q, K and V are split into NumHeads heads of size C/NumHeads
//   - scores = Q·Kᵀ / sqrt(head_dim), future positions set to -inf
//   - softmax over keys, weighted sum of V, heads concatenated
//   - Output projection c_proj (C -> C)
//
// Weights follow the (out, in) convention. The mask is the model's static
// block-size mask; sequences longer than it are rejected.
type CausalSelfAttention struct {
	NumHeads int
	HeadDim  int
	EmbDim   int

	QKVWeight  *tensor.Param // (3*emb_dim, emb_dim)
	QKVBias    *tensor.Param // (3*emb_dim,)
	ProjWeight *tensor.Param // (emb_dim, emb_dim)
	ProjBias   *tensor.Param // (emb_dim,)

	mask *tensor.CausalMask

	// forward cache
	input *tensor.Tensor
	qkv   []float32 // (batch, seq, 3*emb_dim)
	att   []float32 // (batch, heads, seq, seq) post-softmax
	y     []float32 // (batch, seq, emb_dim) before projection
}

// NewCausalSelfAttention creates an attention layer over existing parameters.
func NewCausalSelfAttention(numHeads int, qkvW, qkvB, projW, projB *tensor.Param, mask *tensor.CausalMask) (*CausalSelfAttention, error) {
	embDim := projW.Shape()[0]
	if numHeads <= 0 || embDim%numHeads != 0 {
		return nil, fmt.Errorf("%w: emb_dim (%d) must be divisible by num_heads (%d)",
			errs.ErrPrecondition, embDim, numHeads)
	}
	if !tensor.ShapeEqual(qkvW.Shape(), []int{3 * embDim, embDim}) {
		return nil, fmt.Errorf("%w: c_attn weight shape %v, expected [%d %d]",
			errs.ErrPrecondition, qkvW.Shape(), 3*embDim, embDim)
	}

	return &CausalSelfAttention{
		NumHeads:   numHeads,
		HeadDim:    embDim / numHeads,
		EmbDim:     embDim,
		QKVWeight:  qkvW,
		QKVBias:    qkvB,
		ProjWeight: projW,
		ProjBias:   projB,
		mask:       mask,
	}, nil
}

// Forward computes causal self-attention.
//
// Input shape: (batch, seq, emb_dim) with seq <= block size
// Output shape: (batch, seq, emb_dim)
func (a *CausalSelfAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, seq, emb_dim), got %dD with shape %v",
			len(x.Shape), x.Shape)
	}
	B, T, C := x.Shape[0], x.Shape[1], x.Shape[2]
	if C != a.EmbDim {
		return nil, fmt.Errorf("input dimension %d doesn't match expected %d", C, a.EmbDim)
	}
	if T > a.mask.Size() {
		return nil, fmt.Errorf("%w: cannot attend over sequence of length %d, block size is only %d",
			errs.ErrPrecondition, T, a.mask.Size())
	}

	NH, hs := a.NumHeads, a.HeadDim
	C3 := 3 * C
	scale := float32(1.0 / math.Sqrt(float64(hs)))

	a.input = x
	a.qkv = make([]float32, B*T*C3)
	a.att = make([]float32, B*NH*T*T)
	a.y = make([]float32, B*T*C)

	// Step 1: Project to Q|K|V
	tensor.LinearForward(a.qkv, x.Data, a.QKVWeight.Value.Data, a.QKVBias.Value.Data, B*T, C, C3)

	negInf := float32(math.Inf(-1))
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			for t := 0; t < T; t++ {
				q := a.qkv[(b*T+t)*C3+h*hs : (b*T+t)*C3+(h+1)*hs]
				row := a.att[((b*NH+h)*T+t)*T : ((b*NH+h)*T+t+1)*T]

				// Step 2: Scaled scores, masked where key position > query position
				for t2 := 0; t2 < T; t2++ {
					if !a.mask.Allowed(t, t2) {
						row[t2] = negInf
						continue
					}
					k := a.qkv[(b*T+t2)*C3+C+h*hs : (b*T+t2)*C3+C+(h+1)*hs]
					var dot float32
					for i := range q {
						dot += q[i] * k[i]
					}
					row[t2] = dot * scale
				}

				// Step 3: Softmax over keys
				tensor.SoftmaxInPlace(row)

				// Step 4: Weighted sum of values into this head's slot
				out := a.y[(b*T+t)*C+h*hs : (b*T+t)*C+(h+1)*hs]
				for t2 := 0; t2 < T; t2++ {
					w := row[t2]
					if w == 0 {
						continue
					}
					v := a.qkv[(b*T+t2)*C3+2*C+h*hs : (b*T+t2)*C3+2*C+(h+1)*hs]
					for i := range out {
						out[i] += w * v[i]
					}
				}
			}
		}
	}

	// Step 5: Output projection
	output := tensor.NewTensor([]int{B, T, C})
	tensor.LinearForward(output.Data, a.y, a.ProjWeight.Value.Data, a.ProjBias.Value.Data, B*T, C, C)

	return output, nil
}

// Backward accumulates the parameter gradients of the last Forward and
// returns the gradient with respect to its input.
func (a *CausalSelfAttention) Backward(dout *tensor.Tensor) (*tensor.Tensor, error) {
	if a.input == nil {
		return nil, fmt.Errorf("attention backward called before forward")
	}
	if !dout.ShapeEquals(a.input) {
		return nil, fmt.Errorf("gradient shape %v doesn't match input shape %v",
			dout.Shape, a.input.Shape)
	}

	B, T, C := dout.Shape[0], dout.Shape[1], dout.Shape[2]
	NH, hs := a.NumHeads, a.HeadDim
	C3 := 3 * C
	scale := float32(1.0 / math.Sqrt(float64(hs)))

	// Output projection
	dy := make([]float32, B*T*C)
	tensor.LinearBackward(dy, a.ProjWeight.Grad.Data, a.ProjBias.Grad.Data,
		dout.Data, a.y, a.ProjWeight.Value.Data, B*T, C, C)

	dqkv := make([]float32, B*T*C3)
	datt := make([]float32, T)
	dpre := make([]float32, T)
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			for t := 0; t < T; t++ {
				row := a.att[((b*NH+h)*T+t)*T : ((b*NH+h)*T+t+1)*T]
				dyRow := dy[(b*T+t)*C+h*hs : (b*T+t)*C+(h+1)*hs]

				// Through the weighted sum of values
				for t2 := 0; t2 < T; t2++ {
					v := a.qkv[(b*T+t2)*C3+2*C+h*hs : (b*T+t2)*C3+2*C+(h+1)*hs]
					dv := dqkv[(b*T+t2)*C3+2*C+h*hs : (b*T+t2)*C3+2*C+(h+1)*hs]
					var d float32
					for i := range dyRow {
						d += v[i] * dyRow[i]
						dv[i] += row[t2] * dyRow[i]
					}
					datt[t2] = d
				}

				// Through the softmax: dpre = att * (datt - Σ att·datt)
				var dot float32
				for t2 := 0; t2 < T; t2++ {
					dot += row[t2] * datt[t2]
				}
				for t2 := 0; t2 < T; t2++ {
					dpre[t2] = row[t2] * (datt[t2] - dot)
				}

				// Through the scaled scores
				q := a.qkv[(b*T+t)*C3+h*hs : (b*T+t)*C3+(h+1)*hs]
				dq := dqkv[(b*T+t)*C3+h*hs : (b*T+t)*C3+(h+1)*hs]
				for t2 := 0; t2 < T; t2++ {
					if !a.mask.Allowed(t, t2) {
						continue
					}
					g := dpre[t2] * scale
					k := a.qkv[(b*T+t2)*C3+C+h*hs : (b*T+t2)*C3+C+(h+1)*hs]
					dk := dqkv[(b*T+t2)*C3+C+h*hs : (b*T+t2)*C3+C+(h+1)*hs]
					for i := range q {
						dq[i] += k[i] * g
						dk[i] += q[i] * g
					}
				}
			}
		}
	}

	// QKV projection
	dx := tensor.NewTensor(dout.Shape)
	tensor.LinearBackward(dx.Data, a.QKVWeight.Grad.Data, a.QKVBias.Grad.Data,
		dqkv, a.input.Data, a.QKVWeight.Value.Data, B*T, C, C3)

	return dx, nil
}

// AttentionWeights returns the post-softmax attention weights of the last
// Forward, shape (batch, heads, seq, seq).
func (a *CausalSelfAttention) AttentionWeights() []float32 {
	return a.att
}

package attention

import (
	"fmt"

	"gpt2ref/pkg/tensor"
)

// Sublayer is a differentiable component of a transformer block. Forward
// caches what Backward needs; Backward accumulates parameter gradients and
// returns the gradient with respect to the Forward input.
type Sublayer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(dout *tensor.Tensor) (*tensor.Tensor, error)
}

// TransformerBlock implements a single transformer block for GPT-2.
//
// Architecture (per block):
//  1. x = x + Attn(Norm1(x))   # Pre-norm attention with residual
//  2. x = x + FF(Norm2(x))     # Pre-norm feed-forward with residual
type TransformerBlock struct {
	Attn  Sublayer
	FF    Sublayer
	Norm1 Sublayer // Pre-attention
	Norm2 Sublayer // Pre-FFN
}

// NewTransformerBlock creates a new transformer block.
func NewTransformerBlock(attn, ff, norm1, norm2 Sublayer) *TransformerBlock {
	return &TransformerBlock{
		Attn:  attn,
		FF:    ff,
		Norm1: norm1,
		Norm2: norm2,
	}
}

// Forward computes one transformer block.
//
// Input shape: (batch, seq, emb_dim)
// Output shape: (batch, seq, emb_dim)
func (b *TransformerBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply Norm1: %w", err)
	}
	attnOut, err := b.Attn.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention: %w", err)
	}
	mid := addInto(attnOut, x)

	normed, err = b.Norm2.Forward(mid)
	if err != nil {
		return nil, fmt.Errorf("failed to apply Norm2: %w", err)
	}
	ffOut, err := b.FF.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute feed-forward: %w", err)
	}
	return addInto(ffOut, mid), nil
}

// Backward propagates dout through both residual branches in reverse order.
func (b *TransformerBlock) Backward(dout *tensor.Tensor) (*tensor.Tensor, error) {
	// Feed-forward branch; the residual passes dout straight through.
	dff, err := b.FF.Backward(dout)
	if err != nil {
		return nil, fmt.Errorf("failed to backprop feed-forward: %w", err)
	}
	dnorm2, err := b.Norm2.Backward(dff)
	if err != nil {
		return nil, fmt.Errorf("failed to backprop Norm2: %w", err)
	}
	dmid := addInto(dnorm2, dout)

	// Attention branch
	dattn, err := b.Attn.Backward(dmid)
	if err != nil {
		return nil, fmt.Errorf("failed to backprop attention: %w", err)
	}
	dnorm1, err := b.Norm1.Backward(dattn)
	if err != nil {
		return nil, fmt.Errorf("failed to backprop Norm1: %w", err)
	}
	return addInto(dnorm1, dmid), nil
}

// addInto adds src into dst element-wise and returns dst.
func addInto(dst, src *tensor.Tensor) *tensor.Tensor {
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return dst
}

// Package model implements the GPT-2 decoder-only transformer: parameter
// store, forward pass, cross-entropy loss, backward pass, pretrained weight
// loading and autoregressive sampling.
//
// GPT-2 Key Features:
//   - Pre-norm LayerNorm with scale and shift (eps 1e-5)
//   - Fused QKV causal self-attention
//   - tanh-approximated GELU feed-forward with 4x expansion
//   - Learned positional embeddings
//   - Output projection tied to the token embedding
package model

import (
	"fmt"

	"gpt2ref/pkg/errs"
)

// LayerNormEps is the epsilon added to the variance in every LayerNorm.
const LayerNormEps = 1e-5

// Config holds the model hyperparameters for GPT-2 architecture.
// A model's Config is fixed at construction.
type Config struct {
	// BlockSize is the maximum sequence length the model can process (1024 for GPT-2)
	BlockSize int

	// VocabSize is the size of the token vocabulary (50257 for GPT-2)
	VocabSize int

	// NumLayers is the number of transformer blocks (12 for GPT-2 124M)
	NumLayers int

	// NumHeads is the number of attention heads (12 for GPT-2 124M)
	NumHeads int

	// EmbeddingDim is the width of the residual stream (768 for GPT-2 124M)
	EmbeddingDim int
}

// DefaultConfig returns the configuration of the GPT-2 124M model.
func DefaultConfig() Config {
	return Config{
		BlockSize:    1024,
		VocabSize:    50257,
		NumLayers:    12,
		NumHeads:     12,
		EmbeddingDim: 768,
	}
}

// ConfigForModelType returns the configuration of a published GPT-2 size.
// Recognized names are gpt2, gpt2-medium, gpt2-large and gpt2-xl.
func ConfigForModelType(name string) (Config, error) {
	cfg := DefaultConfig()
	switch name {
	case "gpt2":
	case "gpt2-medium":
		cfg.NumLayers, cfg.NumHeads, cfg.EmbeddingDim = 24, 16, 1024
	case "gpt2-large":
		cfg.NumLayers, cfg.NumHeads, cfg.EmbeddingDim = 36, 20, 1280
	case "gpt2-xl":
		cfg.NumLayers, cfg.NumHeads, cfg.EmbeddingDim = 48, 25, 1600
	default:
		return Config{}, fmt.Errorf("%w: unknown model type %q", errs.ErrPrecondition, name)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid and consistent.
func (c Config) Validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("%w: block_size must be positive, got %d", errs.ErrPrecondition, c.BlockSize)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: vocab_size must be positive, got %d", errs.ErrPrecondition, c.VocabSize)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("%w: n_layer must be positive, got %d", errs.ErrPrecondition, c.NumLayers)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("%w: n_head must be positive, got %d", errs.ErrPrecondition, c.NumHeads)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: n_embd must be positive, got %d", errs.ErrPrecondition, c.EmbeddingDim)
	}
	if c.EmbeddingDim%c.NumHeads != 0 {
		return fmt.Errorf("%w: n_embd (%d) must be divisible by n_head (%d)",
			errs.ErrPrecondition, c.EmbeddingDim, c.NumHeads)
	}
	return nil
}

// HeadDim returns the dimension per attention head.
func (c Config) HeadDim() int {
	return c.EmbeddingDim / c.NumHeads
}

// HiddenDim returns the width of the feed-forward hidden layer (4 * n_embd).
func (c Config) HiddenDim() int {
	return 4 * c.EmbeddingDim
}

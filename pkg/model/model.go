package model

import (
	"fmt"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/model/attention"
	"gpt2ref/pkg/tensor"
)

// GPT2Model implements the complete GPT-2 transformer model.
//
// Architecture:
//  1. Token embeddings wte: lookup table (vocab_size, emb_dim)
//  2. Positional embeddings wpe: learned (block_size, emb_dim)
//  3. Transformer blocks: stack of NumLayers pre-norm blocks
//  4. Final layer norm ln_f
//  5. Output projection lm_head: shares storage with wte
//
// A model caches activations during ForwardWithTargets so that Backward can
// run; it is not safe for concurrent use.
type GPT2Model struct {
	Config    Config
	Params    *Params
	Blocks    []*attention.TransformerBlock
	FinalNorm *LayerNorm

	mask *tensor.CausalMask

	// state of the last training forward
	inputs  Batch
	targets []int32
	final   *tensor.Tensor // ln_f output (batch, seq, emb_dim)
	probs   []float32      // softmax of logits (batch*seq, vocab)
	count   int            // contributing target positions
	ready   bool
}

// New creates a GPT-2 model with zero-valued parameters. Use InitWeights or
// LoadFrom to give it useful values.
func New(cfg Config) (*GPT2Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(cfg, NewParams(cfg))
}

// build wires the components of a model over an existing parameter store.
func build(cfg Config, params *Params) (*GPT2Model, error) {
	m := &GPT2Model{
		Config: cfg,
		Params: params,
		Blocks: make([]*attention.TransformerBlock, cfg.NumLayers),
		mask:   tensor.NewCausalMask(cfg.BlockSize),
	}

	for l := 0; l < cfg.NumLayers; l++ {
		attn, err := attention.NewCausalSelfAttention(cfg.NumHeads,
			params.Get(l, RoleAttnQKVWeight), params.Get(l, RoleAttnQKVBias),
			params.Get(l, RoleAttnProjWeight), params.Get(l, RoleAttnProjBias),
			m.mask)
		if err != nil {
			return nil, fmt.Errorf("failed to build attention for block %d: %w", l, err)
		}
		ff := NewFeedForward(
			params.Get(l, RoleMLPFCWeight), params.Get(l, RoleMLPFCBias),
			params.Get(l, RoleMLPProjWeight), params.Get(l, RoleMLPProjBias))
		norm1 := NewLayerNorm(params.Get(l, RoleLN1Weight), params.Get(l, RoleLN1Bias), LayerNormEps)
		norm2 := NewLayerNorm(params.Get(l, RoleLN2Weight), params.Get(l, RoleLN2Bias), LayerNormEps)
		m.Blocks[l] = attention.NewTransformerBlock(attn, ff, norm1, norm2)
	}
	m.FinalNorm = NewLayerNorm(params.Get(-1, RoleFinalLNWeight), params.Get(-1, RoleFinalLNBias), LayerNormEps)

	return m, nil
}

// NumParameters returns the number of distinct scalar parameters.
func (m *GPT2Model) NumParameters() int {
	return m.Params.NumParameters()
}

// ZeroGrad clears every parameter gradient.
func (m *GPT2Model) ZeroGrad() {
	m.Params.ZeroGrad()
}

// Forward runs inference and returns logits for the last position only.
//
// Input shape: (batch, seq) token ids, seq <= block size
// Output shape: (batch, 1, vocab_size)
func (m *GPT2Model) Forward(idx Batch) (*tensor.Tensor, error) {
	m.ready = false

	x, err := m.trunk(idx)
	if err != nil {
		return nil, err
	}

	B, T, C, V := idx.B, idx.T, m.Config.EmbeddingDim, m.Config.VocabSize
	last := make([]float32, B*C)
	for b := 0; b < B; b++ {
		copy(last[b*C:(b+1)*C], x.Data[(b*T+T-1)*C:(b*T+T)*C])
	}

	logits := tensor.NewTensor([]int{B, 1, V})
	wte := m.Params.Get(-1, RoleLMHead)
	tensor.LinearForward(logits.Data, last, wte.Value.Data, nil, B, C, V)
	return logits, nil
}

// ForwardWithTargets runs the training forward pass. It returns logits for
// every position and the mean cross-entropy over positions whose target is
// not IgnoreIndex, and keeps the activations needed by Backward.
//
// Input shapes: idx and targets (batch, seq)
// Output shape: (batch, seq, vocab_size)
func (m *GPT2Model) ForwardWithTargets(idx, targets Batch) (*tensor.Tensor, float32, error) {
	m.ready = false

	if targets.B != idx.B || targets.T != idx.T || len(targets.Tokens) != len(idx.Tokens) {
		return nil, 0, fmt.Errorf("%w: targets shape (%d, %d) doesn't match inputs (%d, %d)",
			errs.ErrPrecondition, targets.B, targets.T, idx.B, idx.T)
	}

	x, err := m.trunk(idx)
	if err != nil {
		return nil, 0, err
	}

	B, T, C, V := idx.B, idx.T, m.Config.EmbeddingDim, m.Config.VocabSize
	logits := tensor.NewTensor([]int{B, T, V})
	wte := m.Params.Get(-1, RoleLMHead)
	tensor.LinearForward(logits.Data, x.Data, wte.Value.Data, nil, B*T, C, V)

	loss, probs, count, err := crossEntropy(logits.Data, targets.Tokens, V)
	if err != nil {
		return nil, 0, err
	}

	m.inputs = idx
	m.targets = targets.Tokens
	m.final = x
	m.probs = probs
	m.count = count
	m.ready = true
	return logits, loss, nil
}

// trunk embeds idx and runs it through every block and the final norm.
//
// Steps:
//  1. x = wte[idx] + wpe[0:seq]
//  2. For each block: x = block.Forward(x)
//  3. x = FinalNorm(x)
func (m *GPT2Model) trunk(idx Batch) (*tensor.Tensor, error) {
	if err := idx.validate(); err != nil {
		return nil, err
	}
	if idx.T > m.Config.BlockSize {
		return nil, fmt.Errorf("%w: cannot forward sequence of length %d, block size is only %d",
			errs.ErrPrecondition, idx.T, m.Config.BlockSize)
	}

	x, err := m.embed(idx)
	if err != nil {
		return nil, err
	}
	for i, block := range m.Blocks {
		x, err = block.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("failed in transformer block %d: %w", i, err)
		}
	}
	x, err = m.FinalNorm.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply final layer norm: %w", err)
	}
	return x, nil
}

// embed performs the token and position embedding lookup.
//
// output: (batch, seq, emb_dim)
func (m *GPT2Model) embed(idx Batch) (*tensor.Tensor, error) {
	B, T, C, V := idx.B, idx.T, m.Config.EmbeddingDim, m.Config.VocabSize
	wte := m.Params.Get(-1, RoleTokenEmbedding).Value.Data
	wpe := m.Params.Get(-1, RolePositionEmbedding).Value.Data

	out := tensor.NewTensor([]int{B, T, C})
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			tok := int(idx.Tokens[b*T+t])
			if tok < 0 || tok >= V {
				return nil, fmt.Errorf("%w: invalid token ID %d at position (%d, %d), vocab size is %d",
					errs.ErrPrecondition, tok, b, t, V)
			}
			dst := out.Data[(b*T+t)*C : (b*T+t+1)*C]
			te := wte[tok*C : (tok+1)*C]
			pe := wpe[t*C : (t+1)*C]
			for i := range dst {
				dst[i] = te[i] + pe[i]
			}
		}
	}
	return out, nil
}

// Backward propagates the loss of the last ForwardWithTargets into every
// parameter gradient. Gradients accumulate; call ZeroGrad between steps.
// The tied wte/lm_head parameter receives both contributions.
func (m *GPT2Model) Backward() error {
	if !m.ready {
		return fmt.Errorf("%w: backward requires a preceding ForwardWithTargets", errs.ErrPrecondition)
	}

	B, T, C, V := m.inputs.B, m.inputs.T, m.Config.EmbeddingDim, m.Config.VocabSize
	BT := B * T

	// Loss -> logits
	dlogits := make([]float32, BT*V)
	crossEntropyBackward(dlogits, m.probs, m.targets, V, m.count)

	// Logits -> ln_f output through the tied head
	wte := m.Params.Get(-1, RoleLMHead)
	dx := tensor.NewTensor([]int{B, T, C})
	tensor.LinearBackward(dx.Data, wte.Grad.Data, nil, dlogits, m.final.Data, wte.Value.Data, BT, C, V)

	dx, err := m.FinalNorm.Backward(dx)
	if err != nil {
		return fmt.Errorf("failed to backprop final layer norm: %w", err)
	}
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dx, err = m.Blocks[i].Backward(dx)
		if err != nil {
			return fmt.Errorf("failed to backprop transformer block %d: %w", i, err)
		}
	}

	// Embedding lookups
	dwte := m.Params.Get(-1, RoleTokenEmbedding).Grad.Data
	dwpe := m.Params.Get(-1, RolePositionEmbedding).Grad.Data
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			tok := int(m.inputs.Tokens[b*T+t])
			g := dx.Data[(b*T+t)*C : (b*T+t+1)*C]
			te := dwte[tok*C : (tok+1)*C]
			pe := dwpe[t*C : (t+1)*C]
			for i, v := range g {
				te[i] += v
				pe[i] += v
			}
		}
	}

	m.ready = false
	return nil
}

package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"gpt2ref/pkg/errs"
)

// GenerateOptions controls autoregressive sampling.
type GenerateOptions struct {
	// MaxNewTokens is the number of tokens appended to every sequence.
	MaxNewTokens int

	// Temperature divides the logits before the softmax; it must be positive.
	Temperature float32

	// TopK keeps only the k most likely tokens when positive; 0 disables it.
	TopK int
}

// Generate extends every sequence of idx by opts.MaxNewTokens sampled tokens.
//
// Each step:
//  1. Crop the context to its last block_size tokens
//  2. Run inference and take the last-position logits
//  3. Divide by temperature and, if TopK > 0, mask everything below the k-th largest logit
//  4. Softmax and draw one token per sequence from src
//  5. Append the token to the running sequence
//
// The returned batch holds the full sequences, shape (batch, seq + MaxNewTokens).
// There is no end-of-text stop. ctx is checked between steps.
func Generate(ctx context.Context, m *GPT2Model, idx Batch, opts GenerateOptions, src rand.Source) (Batch, error) {
	if err := idx.validate(); err != nil {
		return Batch{}, err
	}
	if opts.Temperature <= 0 || math.IsNaN(float64(opts.Temperature)) {
		return Batch{}, fmt.Errorf("%w: temperature must be positive, got %v", errs.ErrPrecondition, opts.Temperature)
	}
	if opts.MaxNewTokens < 0 {
		return Batch{}, fmt.Errorf("%w: max new tokens must be non-negative, got %d", errs.ErrPrecondition, opts.MaxNewTokens)
	}
	if opts.TopK < 0 {
		return Batch{}, fmt.Errorf("%w: top-k must be non-negative, got %d", errs.ErrPrecondition, opts.TopK)
	}
	if src == nil {
		return Batch{}, fmt.Errorf("%w: generation requires a random source", errs.ErrPrecondition)
	}

	B := idx.B
	seqs := make([][]int32, B)
	for b := range seqs {
		seqs[b] = slices.Clone(idx.Row(b))
	}

	V := m.Config.VocabSize
	weights := make([]float64, V)
	for step := 0; step < opts.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}

		// Step 1: Crop current context to the block size
		window := cropWindow(seqs, m.Config.BlockSize)

		// Step 2: Last-position logits, shape (batch, 1, vocab_size)
		logits, err := m.Forward(window)
		if err != nil {
			return Batch{}, fmt.Errorf("model forward pass failed at step %d: %w", step, err)
		}

		for b := 0; b < B; b++ {
			row := logits.Data[b*V : (b+1)*V]

			// Steps 3-4: temperature, top-k and softmax into sampling weights
			samplingWeights(weights, row, opts.Temperature, opts.TopK)
			next := distuv.NewCategorical(weights, src).Rand()

			// Step 5: Append sampled index to the running sequence
			seqs[b] = append(seqs[b], int32(next))
		}
	}

	out := make([]int32, 0, B*len(seqs[0]))
	for _, s := range seqs {
		out = append(out, s...)
	}
	return Batch{B: B, T: len(seqs[0]), Tokens: out}, nil
}

// cropWindow returns the last blockSize tokens of every sequence as a batch.
func cropWindow(seqs [][]int32, blockSize int) Batch {
	T := len(seqs[0])
	start := 0
	if T > blockSize {
		start = T - blockSize
	}
	window := Batch{B: len(seqs), T: T - start}
	window.Tokens = make([]int32, 0, window.B*window.T)
	for _, s := range seqs {
		window.Tokens = append(window.Tokens, s[start:]...)
	}
	return window
}

// samplingWeights writes softmax(topk(logits) / temperature) into dst.
// Logits below the k-th largest value are excluded; ties with it are kept.
// The temperature is applied after subtracting the maximum, so the result
// stays finite for arbitrarily small temperatures.
func samplingWeights(dst []float64, logits []float32, temperature float32, topK int) {
	cutoff := math.Inf(-1)
	if topK > 0 && topK < len(logits) {
		sorted := make([]float64, len(logits))
		for i, v := range logits {
			sorted[i] = float64(v)
		}
		slices.Sort(sorted)
		cutoff = sorted[len(sorted)-topK]
	}

	maxVal := math.Inf(-1)
	for _, v := range logits {
		maxVal = math.Max(maxVal, float64(v))
	}

	t := float64(temperature)
	for i, v := range logits {
		if float64(v) < cutoff {
			dst[i] = 0
			continue
		}
		dst[i] = math.Exp((float64(v) - maxVal) / t)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

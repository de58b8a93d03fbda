package model

import (
	"math/rand/v2"
	"testing"
)

// tinyConfig is small enough for exhaustive numeric checks.
func tinyConfig() Config {
	return Config{
		BlockSize:    8,
		VocabSize:    11,
		NumLayers:    2,
		NumHeads:     2,
		EmbeddingDim: 8,
	}
}

// newTestModel returns a tiny model whose weights are large enough to give
// non-trivial gradients everywhere.
func newTestModel(t *testing.T, seed uint64) *GPT2Model {
	t.Helper()
	m, err := New(tinyConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for i, spec := range m.Params.Specs() {
		data := m.Params.List()[i].Value.Data
		for j := range data {
			v := float32(rng.Float64() - 0.5)
			if spec.Role == RoleLN1Weight || spec.Role == RoleLN2Weight || spec.Role == RoleFinalLNWeight {
				v += 1
			}
			data[j] = v
		}
	}
	return m
}

func mustBatch(t *testing.T, b, tt int, tokens []int32) Batch {
	t.Helper()
	x, err := NewBatch(b, tt, tokens)
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	return x
}

// sequentialBatch returns tokens (offset + i) mod vocab.
func sequentialBatch(t *testing.T, b, tt, vocab, offset int) Batch {
	t.Helper()
	tokens := make([]int32, b*tt)
	for i := range tokens {
		tokens[i] = int32((offset + 3*i) % vocab)
	}
	return mustBatch(t, b, tt, tokens)
}

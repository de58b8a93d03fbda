package checkpoint

import (
	"math/rand/v2"
	"testing"

	"gpt2ref/pkg/model"
)

func tinyConfig() model.Config {
	return model.Config{BlockSize: 6, VocabSize: 13, NumLayers: 2, NumHeads: 2, EmbeddingDim: 4}
}

// randomModel fills every parameter, norms included, with distinct values.
func randomModel(t *testing.T, seed uint64) *model.GPT2Model {
	t.Helper()
	m, err := model.New(tinyConfig())
	if err != nil {
		t.Fatalf("model.New failed: %v", err)
	}
	rng := rand.New(rand.NewPCG(seed, 99))
	for _, p := range m.Params.List() {
		for i := range p.Value.Data {
			p.Value.Data[i] = float32(rng.NormFloat64())
		}
	}
	return m
}

func mustBatch(t *testing.T, b, tt int, tokens []int32) model.Batch {
	t.Helper()
	x, err := model.NewBatch(b, tt, tokens)
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	return x
}

// sliceDecoder is a TokenDecoder over fixed byte strings.
type sliceDecoder [][]byte

func (d sliceDecoder) DecodeTokenBytes(id int) ([]byte, error) { return d[id], nil }

func (d sliceDecoder) MaxTokenValue() int { return len(d) - 1 }

package model

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gpt2ref/pkg/errs"
)

// TestGenerate_GreedyLimit tests that top-k 1 with a tiny temperature follows the argmax
func TestGenerate_GreedyLimit(t *testing.T) {
	m := newTestModel(t, 21)
	prompt := mustBatch(t, 1, 2, []int32{3, 5})

	out, err := Generate(context.Background(), m, prompt,
		GenerateOptions{MaxNewTokens: 6, Temperature: 1e-6, TopK: 1}, rand.NewPCG(1, 2))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Replay greedily.
	seq := []int32{3, 5}
	for len(seq) < 8 {
		window := seq
		if len(window) > m.Config.BlockSize {
			window = window[len(window)-m.Config.BlockSize:]
		}
		logits, err := m.Forward(mustBatch(t, 1, len(window), append([]int32(nil), window...)))
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		best := 0
		for v := range logits.Data {
			if logits.Data[v] > logits.Data[best] {
				best = v
			}
		}
		seq = append(seq, int32(best))
	}

	if diff := cmp.Diff(seq, out.Tokens); diff != "" {
		t.Errorf("greedy generation mismatch (-want +got):\n%s", diff)
	}
	if out.B != 1 || out.T != 8 {
		t.Errorf("Expected output shape (1, 8), got (%d, %d)", out.B, out.T)
	}
}

// TestGenerate_CropsContext tests generation past the block size
func TestGenerate_CropsContext(t *testing.T) {
	m := newTestModel(t, 22)
	prompt := sequentialBatch(t, 2, m.Config.BlockSize, m.Config.VocabSize, 0)

	out, err := Generate(context.Background(), m, prompt,
		GenerateOptions{MaxNewTokens: 5, Temperature: 1, TopK: 3}, rand.NewPCG(3, 4))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out.B != 2 || out.T != m.Config.BlockSize+5 || len(out.Tokens) != 2*out.T {
		t.Fatalf("Expected (2, %d), got (%d, %d) with %d tokens", m.Config.BlockSize+5, out.B, out.T, len(out.Tokens))
	}
	for b := 0; b < 2; b++ {
		if diff := cmp.Diff(prompt.Row(b), out.Row(b)[:m.Config.BlockSize]); diff != "" {
			t.Errorf("prompt %d not preserved (-want +got):\n%s", b, diff)
		}
		for _, tok := range out.Row(b) {
			if tok < 0 || int(tok) >= m.Config.VocabSize {
				t.Errorf("generated token %d outside vocabulary", tok)
			}
		}
	}
}

// TestGenerate_Reproducible tests that the same seed gives the same sample
func TestGenerate_Reproducible(t *testing.T) {
	m := newTestModel(t, 23)
	prompt := mustBatch(t, 1, 1, []int32{0})
	opts := GenerateOptions{MaxNewTokens: 10, Temperature: 1.5}

	a, err := Generate(context.Background(), m, prompt, opts, rand.NewPCG(9, 9))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := Generate(context.Background(), m, prompt, opts, rand.NewPCG(9, 9))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if diff := cmp.Diff(a.Tokens, b.Tokens); diff != "" {
		t.Errorf("same seed produced different samples (-a +b):\n%s", diff)
	}
}

// TestGenerate_InvalidOptions tests option validation
func TestGenerate_InvalidOptions(t *testing.T) {
	m := newTestModel(t, 24)
	prompt := mustBatch(t, 1, 1, []int32{0})

	testCases := []struct {
		name string
		opts GenerateOptions
	}{
		{"zero temperature", GenerateOptions{MaxNewTokens: 1, Temperature: 0}},
		{"negative temperature", GenerateOptions{MaxNewTokens: 1, Temperature: -1}},
		{"negative tokens", GenerateOptions{MaxNewTokens: -1, Temperature: 1}},
		{"negative top-k", GenerateOptions{MaxNewTokens: 1, Temperature: 1, TopK: -2}},
	}
	for _, tc := range testCases {
		_, err := Generate(context.Background(), m, prompt, tc.opts, rand.NewPCG(1, 1))
		if !errors.Is(err, errs.ErrPrecondition) {
			t.Errorf("%s: expected ErrPrecondition, got %v", tc.name, err)
		}
	}
}

// TestGenerate_Cancelled tests context cancellation between steps
func TestGenerate_Cancelled(t *testing.T) {
	m := newTestModel(t, 25)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Generate(ctx, m, mustBatch(t, 1, 1, []int32{0}),
		GenerateOptions{MaxNewTokens: 3, Temperature: 1}, rand.NewPCG(1, 1))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestSamplingWeights tests temperature and top-k filtering
func TestSamplingWeights(t *testing.T) {
	logits := []float32{1, 3, 2, 3, 0}
	w := make([]float64, len(logits))

	samplingWeights(w, logits, 1, 2)
	// Top-2 keeps both 3s.
	if w[0] != 0 || w[2] != 0 || w[4] != 0 {
		t.Errorf("Expected only the two largest logits to survive, got %v", w)
	}
	if math.Abs(w[1]-0.5) > 1e-12 || math.Abs(w[3]-0.5) > 1e-12 {
		t.Errorf("Expected tied survivors to split mass evenly, got %v", w)
	}

	samplingWeights(w, logits, 1e-8, 0)
	var sum float64
	for _, v := range w {
		if math.IsNaN(v) {
			t.Fatalf("NaN weight at tiny temperature: %v", w)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("weights sum to %f", sum)
	}

	samplingWeights(w, logits, 1, 100)
	for i, v := range w {
		if v == 0 {
			t.Errorf("top-k larger than vocabulary should keep index %d", i)
		}
	}
}

package model

import (
	"errors"
	"fmt"
	"testing"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/tensor"
)

// mapSource is an in-memory Source keyed by tensor name.
type mapSource map[string]*tensor.Tensor

func (s mapSource) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	return names
}

func (s mapSource) Tensor(name string) ([]int, []float32, error) {
	t, ok := s[name]
	if !ok {
		return nil, nil, fmt.Errorf("no tensor %q", name)
	}
	return t.Shape, t.Data, nil
}

// exportSource writes a model's parameters the way pretrained checkpoints
// store them: Conv1D weights transposed, lm_head duplicated, mask buffers added.
func exportSource(t *testing.T, m *GPT2Model) mapSource {
	t.Helper()
	src := mapSource{}
	for _, name := range m.Params.Names() {
		param, _ := m.Params.Lookup(name)
		v := param.Value.Clone()
		if conv1D(name) {
			var err error
			if v, err = v.Transpose(0, 1); err != nil {
				t.Fatalf("Transpose failed: %v", err)
			}
		}
		src[name] = v
	}
	for l := 0; l < m.Config.NumLayers; l++ {
		src[fmt.Sprintf("transformer.h.%d.attn.bias", l)] = tensor.NewTensor([]int{1, 1, 2, 2})
		src[fmt.Sprintf("transformer.h.%d.attn.masked_bias", l)] = tensor.NewTensor([]int{1})
	}
	return src
}

// TestLoadPretrained_RoundTrip tests transposition and the exact name set
func TestLoadPretrained_RoundTrip(t *testing.T) {
	orig := newTestModel(t, 31)
	src := exportSource(t, orig)

	loaded, err := LoadPretrained(orig.Config, src)
	if err != nil {
		t.Fatalf("LoadPretrained failed: %v", err)
	}
	for i, spec := range orig.Params.Specs() {
		if !loaded.Params.List()[i].Value.Equals(orig.Params.List()[i].Value, 0) {
			t.Errorf("%s not restored", spec.Name())
		}
	}

	x := sequentialBatch(t, 1, 4, orig.Config.VocabSize, 0)
	a, err := orig.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := loaded.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !a.Equals(b, 0) {
		t.Error("loaded model computes different logits")
	}
}

// TestLoadFrom_Mismatch tests that every mismatch is rejected and nothing is written
func TestLoadFrom_Mismatch(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(mapSource)
	}{
		{"missing key", func(s mapSource) { delete(s, "transformer.h.1.ln_2.bias") }},
		{"missing tied alias", func(s mapSource) { delete(s, "lm_head.weight") }},
		{"unexpected key", func(s mapSource) { s["transformer.h.9.ln_1.weight"] = tensor.NewTensor([]int{8}) }},
		{"wrong shape", func(s mapSource) { s["transformer.ln_f.bias"] = tensor.NewTensor([]int{9}) }},
		{"untransposed conv1d", func(s mapSource) {
			w := s["transformer.h.0.mlp.c_fc.weight"]
			s["transformer.h.0.mlp.c_fc.weight"], _ = w.Transpose(0, 1)
		}},
		{"tied tensors disagree", func(s mapSource) {
			head := s["lm_head.weight"].Clone()
			head.Data[0] += 1
			s["lm_head.weight"] = head
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			donor := newTestModel(t, 32)
			src := exportSource(t, donor)
			tc.mutate(src)

			target := newTestModel(t, 33)
			before := make([]*tensor.Tensor, len(target.Params.List()))
			for i, p := range target.Params.List() {
				before[i] = p.Value.Clone()
			}

			err := target.LoadFrom(src)
			if !errors.Is(err, errs.ErrCheckpointMismatch) {
				t.Fatalf("Expected ErrCheckpointMismatch, got %v", err)
			}
			for i, p := range target.Params.List() {
				if !p.Value.Equals(before[i], 0) {
					t.Fatalf("%s modified by failed load", target.Params.Specs()[i].Name())
				}
			}
		})
	}
}

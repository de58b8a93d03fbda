package model

import (
	"fmt"
	"slices"
	"strings"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/tensor"
)

// Source exposes named float32 tensors from an external checkpoint.
type Source interface {
	// Names lists every tensor name in the checkpoint.
	Names() []string
	// Tensor returns the shape and row-major data of a named tensor.
	Tensor(name string) (shape []int, data []float32, err error)
}

// maskBufferSuffixes name non-parameter buffers that pretrained checkpoints
// carry alongside the attention weights.
var maskBufferSuffixes = []string{".attn.bias", ".attn.masked_bias"}

func isMaskBuffer(name string) bool {
	for _, s := range maskBufferSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// LoadPretrained creates a model for cfg and fills it from src.
func LoadPretrained(cfg Config, src Source) (*GPT2Model, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.LoadFrom(src); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFrom copies every parameter from src.
//
// Steps:
//  1. Drop attention mask buffers from the source names
//  2. Require the remaining names to equal the model's names exactly
//  3. Check every shape; Conv1D weights are stored (in, out) and are transposed
//  4. Require tied tensors supplied under both names to agree
//  5. Commit all staged tensors
//
// Any failure returns ErrCheckpointMismatch and leaves the model unchanged.
func (m *GPT2Model) LoadFrom(src Source) error {
	var srcNames []string
	for _, n := range src.Names() {
		if !isMaskBuffer(n) {
			srcNames = append(srcNames, n)
		}
	}

	if missing, unexpected := diffNames(m.Params.Names(), srcNames); len(missing)+len(unexpected) > 0 {
		return fmt.Errorf("%w: missing keys %v, unexpected keys %v",
			errs.ErrCheckpointMismatch, missing, unexpected)
	}

	staged := make(map[*tensor.Param]*tensor.Tensor)
	stagedFrom := make(map[*tensor.Param]string)
	slices.Sort(srcNames)
	for _, name := range srcNames {
		param, _ := m.Params.Lookup(name)
		want, _ := m.Params.Shape(name)

		shape, data, err := src.Tensor(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		t, err := tensor.FromSlice(data, shape)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrCheckpointMismatch, name, err)
		}

		if conv1D(name) {
			if len(shape) != 2 || !tensor.ShapeEqual([]int{shape[1], shape[0]}, want) {
				return fmt.Errorf("%w: %s has shape %v, expected transposed %v",
					errs.ErrCheckpointMismatch, name, shape, want)
			}
			if t, err = t.Transpose(0, 1); err != nil {
				return fmt.Errorf("failed to transpose %s: %w", name, err)
			}
		} else if !tensor.ShapeEqual(shape, want) {
			return fmt.Errorf("%w: %s has shape %v, expected %v",
				errs.ErrCheckpointMismatch, name, shape, want)
		}

		if prev, ok := staged[param]; ok {
			if !prev.Equals(t, 0) {
				return fmt.Errorf("%w: tied tensors %s and %s differ",
					errs.ErrCheckpointMismatch, stagedFrom[param], name)
			}
			continue
		}
		staged[param] = t
		stagedFrom[param] = name
	}

	for param, t := range staged {
		copy(param.Value.Data, t.Data)
	}
	return nil
}

// conv1D reports whether a checkpoint name refers to a weight stored in the
// transposed Conv1D layout.
func conv1D(name string) bool {
	for _, r := range []Role{RoleAttnQKVWeight, RoleAttnProjWeight, RoleMLPFCWeight, RoleMLPProjWeight} {
		if strings.HasSuffix(name, "."+roleSuffix[r]) {
			return true
		}
	}
	return false
}

// diffNames returns the sorted names present only in want (missing) and only
// in got (unexpected).
func diffNames(want, got []string) (missing, unexpected []string) {
	wantSet := make(map[string]bool, len(want))
	for _, n := range want {
		wantSet[n] = true
	}
	gotSet := make(map[string]bool, len(got))
	for _, n := range got {
		gotSet[n] = true
		if !wantSet[n] {
			unexpected = append(unexpected, n)
		}
	}
	for _, n := range want {
		if !gotSet[n] {
			missing = append(missing, n)
		}
	}
	slices.Sort(missing)
	slices.Sort(unexpected)
	return missing, unexpected
}

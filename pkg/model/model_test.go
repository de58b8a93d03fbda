package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gpt2ref/pkg/errs"
)

// TestGPT2Model_ForwardShapes tests inference and training output shapes
func TestGPT2Model_ForwardShapes(t *testing.T) {
	m := newTestModel(t, 1)
	cfg := m.Config

	for _, T := range []int{1, 3, cfg.BlockSize} {
		x := sequentialBatch(t, 2, T, cfg.VocabSize, 0)

		logits, err := m.Forward(x)
		if err != nil {
			t.Fatalf("Forward(T=%d) failed: %v", T, err)
		}
		if got, want := logits.Shape, []int{2, 1, cfg.VocabSize}; !equalInts(got, want) {
			t.Errorf("Forward(T=%d) shape = %v, expected %v", T, got, want)
		}

		y := sequentialBatch(t, 2, T, cfg.VocabSize, 1)
		full, loss, err := m.ForwardWithTargets(x, y)
		if err != nil {
			t.Fatalf("ForwardWithTargets(T=%d) failed: %v", T, err)
		}
		if got, want := full.Shape, []int{2, T, cfg.VocabSize}; !equalInts(got, want) {
			t.Errorf("ForwardWithTargets(T=%d) shape = %v, expected %v", T, got, want)
		}
		if math.IsNaN(float64(loss)) || loss <= 0 {
			t.Errorf("ForwardWithTargets(T=%d) loss = %f", T, loss)
		}
	}
}

// TestGPT2Model_InferenceMatchesLastPosition tests that inference logits equal
// the last-position logits of the training forward
func TestGPT2Model_InferenceMatchesLastPosition(t *testing.T) {
	m := newTestModel(t, 2)
	V := m.Config.VocabSize
	x := sequentialBatch(t, 2, 5, V, 0)
	y := sequentialBatch(t, 2, 5, V, 1)

	last, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	full, _, err := m.ForwardWithTargets(x, y)
	if err != nil {
		t.Fatalf("ForwardWithTargets failed: %v", err)
	}

	for b := 0; b < 2; b++ {
		for v := 0; v < V; v++ {
			got := last.Get([]int{b, 0, v})
			want := full.Get([]int{b, 4, v})
			if math.Abs(float64(got-want)) > 1e-5 {
				t.Fatalf("logit[%d,%d] = %f, expected %f", b, v, got, want)
			}
		}
	}
}

// TestGPT2Model_SequenceTooLong tests that sequences beyond block size fail
func TestGPT2Model_SequenceTooLong(t *testing.T) {
	m := newTestModel(t, 3)
	x := sequentialBatch(t, 1, m.Config.BlockSize+1, m.Config.VocabSize, 0)

	if _, err := m.Forward(x); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition from Forward, got %v", err)
	}
	if _, _, err := m.ForwardWithTargets(x, x); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition from ForwardWithTargets, got %v", err)
	}
}

// TestGPT2Model_InvalidTokens tests token and target range checks
func TestGPT2Model_InvalidTokens(t *testing.T) {
	m := newTestModel(t, 4)
	V := int32(m.Config.VocabSize)

	bad := mustBatch(t, 1, 3, []int32{0, V, 1})
	if _, err := m.Forward(bad); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition for token id %d, got %v", V, err)
	}

	x := mustBatch(t, 1, 3, []int32{0, 1, 2})
	badTargets := mustBatch(t, 1, 3, []int32{0, -2, 1})
	if _, _, err := m.ForwardWithTargets(x, badTargets); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition for target -2, got %v", err)
	}

	allIgnored := mustBatch(t, 1, 3, []int32{-1, -1, -1})
	if _, _, err := m.ForwardWithTargets(x, allIgnored); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition when every target is ignored, got %v", err)
	}
}

// TestGPT2Model_LossIgnoresSentinel tests that -1 targets are excluded from the mean
func TestGPT2Model_LossIgnoresSentinel(t *testing.T) {
	m := newTestModel(t, 5)
	V := m.Config.VocabSize
	x := sequentialBatch(t, 2, 4, V, 0)
	y := mustBatch(t, 2, 4, []int32{1, -1, 3, 4, -1, -1, 7, 8})

	logits, loss, err := m.ForwardWithTargets(x, y)
	if err != nil {
		t.Fatalf("ForwardWithTargets failed: %v", err)
	}

	// Reference: mean of -log softmax over the kept positions only.
	var sum float64
	count := 0
	for r, target := range y.Tokens {
		if target == IgnoreIndex {
			continue
		}
		row := logits.Data[r*V : (r+1)*V]
		maxVal := math.Inf(-1)
		for _, v := range row {
			maxVal = math.Max(maxVal, float64(v))
		}
		var z float64
		for _, v := range row {
			z += math.Exp(float64(v) - maxVal)
		}
		sum += maxVal + math.Log(z) - float64(row[target])
		count++
	}
	want := sum / float64(count)

	if math.Abs(float64(loss)-want) > 1e-5 {
		t.Errorf("loss = %f, expected %f over %d kept positions", loss, want, count)
	}
}

// TestGPT2Model_BackwardRequiresForward tests the backward precondition
func TestGPT2Model_BackwardRequiresForward(t *testing.T) {
	m := newTestModel(t, 6)
	if err := m.Backward(); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition before any forward, got %v", err)
	}

	x := sequentialBatch(t, 1, 3, m.Config.VocabSize, 0)
	if _, err := m.Forward(x); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := m.Backward(); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition after an inference forward, got %v", err)
	}
}

// TestGPT2Model_GradientCheck compares Backward against central differences
func TestGPT2Model_GradientCheck(t *testing.T) {
	m := newTestModel(t, 7)
	V := m.Config.VocabSize
	x := sequentialBatch(t, 2, 5, V, 0)
	y := mustBatch(t, 2, 5, []int32{1, 2, -1, 4, 5, 6, 7, 8, -1, 10})

	m.ZeroGrad()
	if _, _, err := m.ForwardWithTargets(x, y); err != nil {
		t.Fatalf("ForwardWithTargets failed: %v", err)
	}
	if err := m.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	lossAt := func() float64 {
		_, loss, err := m.ForwardWithTargets(x, y)
		if err != nil {
			t.Fatalf("ForwardWithTargets failed: %v", err)
		}
		return float64(loss)
	}

	const eps = 1e-2
	rng := rand.New(rand.NewPCG(11, 12))
	for i, spec := range m.Params.Specs() {
		param := m.Params.List()[i]
		for k := 0; k < 4; k++ {
			j := rng.IntN(param.Size())
			if spec.Role == RoleTokenEmbedding && k == 0 {
				// A token that appears in the input: both tied paths contribute.
				j = int(x.Tokens[1])*m.Config.EmbeddingDim + k
			}

			orig := param.Value.Data[j]
			param.Value.Data[j] = orig + eps
			plus := lossAt()
			param.Value.Data[j] = orig - eps
			minus := lossAt()
			param.Value.Data[j] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := float64(param.Grad.Data[j])
			if math.Abs(numeric-analytic) > 2e-3+5e-2*math.Abs(numeric) {
				t.Errorf("%s[%d]: analytic grad %g, numeric %g", spec.Name(), j, analytic, numeric)
			}
		}
	}
}

// TestGPT2Model_GradientsAccumulate tests that Backward adds into existing gradients
func TestGPT2Model_GradientsAccumulate(t *testing.T) {
	m := newTestModel(t, 8)
	x := sequentialBatch(t, 1, 4, m.Config.VocabSize, 0)
	y := sequentialBatch(t, 1, 4, m.Config.VocabSize, 2)

	step := func() {
		if _, _, err := m.ForwardWithTargets(x, y); err != nil {
			t.Fatalf("ForwardWithTargets failed: %v", err)
		}
		if err := m.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	m.ZeroGrad()
	step()
	wte := m.Params.Get(-1, RoleTokenEmbedding)
	once := append([]float32(nil), wte.Grad.Data...)
	step()
	for i, g := range wte.Grad.Data {
		if math.Abs(float64(g-2*once[i])) > 1e-5 {
			t.Fatalf("grad[%d] = %f after two steps, expected %f", i, g, 2*once[i])
		}
	}
}

// TestNewInitialized tests seeded initialization
func TestNewInitialized(t *testing.T) {
	cfg := tinyConfig()
	a, err := NewInitialized(cfg, rand.NewPCG(42, 0))
	if err != nil {
		t.Fatalf("NewInitialized failed: %v", err)
	}
	b, err := NewInitialized(cfg, rand.NewPCG(42, 0))
	if err != nil {
		t.Fatalf("NewInitialized failed: %v", err)
	}

	for i, spec := range a.Params.Specs() {
		pa, pb := a.Params.List()[i], b.Params.List()[i]
		if !pa.Value.Equals(pb.Value, 0) {
			t.Errorf("%s differs between identically seeded models", spec.Name())
		}
		switch spec.Role {
		case RoleLN1Weight, RoleLN2Weight, RoleFinalLNWeight:
			for _, v := range pa.Value.Data {
				if v != 1 {
					t.Fatalf("%s should be initialized to 1, got %f", spec.Name(), v)
				}
			}
		case RoleAttnQKVBias, RoleAttnProjBias, RoleMLPFCBias, RoleMLPProjBias, RoleLN1Bias, RoleLN2Bias, RoleFinalLNBias:
			for _, v := range pa.Value.Data {
				if v != 0 {
					t.Fatalf("%s should be initialized to 0, got %f", spec.Name(), v)
				}
			}
		}
	}

	if _, err := New(Config{BlockSize: 4, VocabSize: 4, NumLayers: 1, NumHeads: 3, EmbeddingDim: 4}); !errors.Is(err, errs.ErrPrecondition) {
		t.Errorf("Expected ErrPrecondition for n_embd not divisible by n_head, got %v", err)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package model

import (
	"math"
	"math/rand/v2"
	"testing"

	"gpt2ref/pkg/tensor"
)

func newTestLayerNorm(dim int) *LayerNorm {
	scale := tensor.NewParam(dim)
	scale.Value.Fill(1)
	return NewLayerNorm(scale, tensor.NewParam(dim), LayerNormEps)
}

// TestLayerNorm_Forward tests that each row is normalized to zero mean and unit variance
func TestLayerNorm_Forward(t *testing.T) {
	ln := newTestLayerNorm(4)
	x, _ := tensor.FromSlice([]float32{
		1, 2, 3, 4,
		-5, 0, 5, 10,
	}, []int{1, 2, 4})

	out, err := ln.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !out.ShapeEquals(x) {
		t.Fatalf("Expected shape %v, got %v", x.Shape, out.Shape)
	}

	for r := 0; r < 2; r++ {
		row := out.Data[r*4 : (r+1)*4]
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= 4
		for _, v := range row {
			variance += (float64(v) - mean) * (float64(v) - mean)
		}
		variance /= 4
		if math.Abs(mean) > 1e-5 {
			t.Errorf("Row %d mean = %f, expected 0", r, mean)
		}
		if math.Abs(variance-1) > 1e-3 {
			t.Errorf("Row %d variance = %f, expected 1", r, variance)
		}
	}
}

// TestLayerNorm_ScaleShift tests the affine transform
func TestLayerNorm_ScaleShift(t *testing.T) {
	ln := newTestLayerNorm(2)
	ln.Scale.Value.Data[0], ln.Scale.Value.Data[1] = 2, 3
	ln.Shift.Value.Data[0], ln.Shift.Value.Data[1] = 0.5, -0.5

	x, _ := tensor.FromSlice([]float32{1, 3}, []int{1, 2})
	out, err := ln.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// Normalized row is (-1, 1) up to eps.
	want := []float32{-2 + 0.5, 3 - 0.5}
	for i := range want {
		if math.Abs(float64(out.Data[i]-want[i])) > 1e-4 {
			t.Errorf("out[%d] = %f, expected %f", i, out.Data[i], want[i])
		}
	}
}

// TestLayerNorm_DimensionMismatch tests input validation
func TestLayerNorm_DimensionMismatch(t *testing.T) {
	ln := newTestLayerNorm(4)
	if _, err := ln.Forward(tensor.NewTensor([]int{2, 3})); err == nil {
		t.Error("Expected error for mismatched last dimension")
	}
	if _, err := ln.Backward(tensor.NewTensor([]int{2, 4})); err == nil {
		t.Error("Expected error for backward before forward")
	}
}

// TestLayerNorm_Backward compares gradients against central differences
func TestLayerNorm_Backward(t *testing.T) {
	const C = 5
	rng := rand.New(rand.NewPCG(5, 6))
	ln := newTestLayerNorm(C)
	for i := 0; i < C; i++ {
		ln.Scale.Value.Data[i] = float32(1 + rng.NormFloat64()*0.3)
		ln.Shift.Value.Data[i] = float32(rng.NormFloat64() * 0.3)
	}
	x := tensor.NewTensor([]int{3, C})
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	// Loss = Σ out·w with fixed random weights w.
	w := make([]float32, len(x.Data))
	for i := range w {
		w[i] = float32(rng.NormFloat64())
	}
	lossOf := func() float64 {
		out, err := ln.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		var s float64
		for i, v := range out.Data {
			s += float64(v * w[i])
		}
		return s
	}

	lossOf()
	dout, _ := tensor.FromSlice(w, x.Shape)
	dx, err := ln.Backward(dout)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	check := func(name string, data []float32, grad []float32) {
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := lossOf()
			data[i] = orig - eps
			minus := lossOf()
			data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			if math.Abs(numeric-float64(grad[i])) > 1e-3+2e-2*math.Abs(numeric) {
				t.Errorf("%s[%d]: analytic %g, numeric %g", name, i, grad[i], numeric)
			}
		}
	}
	check("x", x.Data, dx.Data)
	check("scale", ln.Scale.Value.Data, ln.Scale.Grad.Data)
	check("shift", ln.Shift.Value.Data, ln.Shift.Grad.Data)
}

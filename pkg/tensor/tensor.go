// Package tensor provides the dense float32 storage and the numeric kernels
// used by the GPT-2 model: linear layers, GELU, softmax and the causal mask.
// Kernels operate on flat row-major slices so that forward and backward
// passes can share buffers without reshaping.
package tensor

import (
	"fmt"
	"math"
	"slices"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, seq, emb_dim])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float32, numElements(shape)),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// FromSlice creates a tensor from existing data with the given shape.
// The data is copied. Returns an error if data size doesn't match the shape.
func FromSlice(data []float32, shape []int) (*Tensor, error) {
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	expectedSize := numElements(shape)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expectedSize)
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}, nil
}

// Transpose exchanges two dimensions of the tensor and returns a contiguous copy.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if dim1 < 0 || dim1 >= len(t.Shape) || dim2 < 0 || dim2 >= len(t.Shape) {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, len(t.Shape))
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)

	// Walk the source in row-major order, scattering into the swapped position.
	srcIndices := make([]int, len(t.Shape))
	for srcIdx := range t.Data {
		dstIdx := 0
		for i := range srcIndices {
			j := i
			if i == dim1 {
				j = dim2
			} else if i == dim2 {
				j = dim1
			}
			dstIdx += srcIndices[i] * result.Strides[j]
		}
		result.Data[dstIdx] = t.Data[srcIdx]

		for d := len(srcIndices) - 1; d >= 0; d-- {
			srcIndices[d]++
			if srcIndices[d] < t.Shape[d] {
				break
			}
			srcIndices[d] = 0
		}
	}

	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return numElements(t.Shape)
}

// offset maps an index tuple to its position in Data. Out-of-range
// indices panic like slice indexing does.
func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(indices), len(t.Shape)))
	}
	off := 0
	for i, ix := range indices {
		if ix < 0 || ix >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range [0, %d) in dim %d", ix, t.Shape[i], i))
		}
		off += ix * t.Strides[i]
	}
	return off
}

// Get returns the element at indices.
func (t *Tensor) Get(indices []int) float32 {
	return t.Data[t.offset(indices)]
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.Shape)
	copy(out.Data, t.Data)
	return out
}

// Zero resets every element to 0 in place.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// Fill sets every element to v in place.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return ShapeEqual(t.Shape, other.Shape)
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int) bool {
	return slices.Equal(a, b)
}

func numElements(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func copyShape(shape []int) []int {
	return slices.Clone(shape)
}

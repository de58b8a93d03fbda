package tensor

// Param is a trainable tensor together with the gradient accumulated for it.
// Value and Grad always have identical shapes.
type Param struct {
	Value *Tensor
	Grad  *Tensor
}

// NewParam allocates a zero-valued parameter and its zero gradient.
func NewParam(shape ...int) *Param {
	return &Param{
		Value: NewTensor(shape),
		Grad:  NewTensor(shape),
	}
}

// Shape returns the parameter shape.
func (p *Param) Shape() []int {
	return p.Value.Shape
}

// Size returns the number of scalar elements in the parameter.
func (p *Param) Size() int {
	return len(p.Value.Data)
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

package tensor

// CausalMask is the static lower-triangular pattern for sequences of up to
// blockSize tokens: query position i may attend to key position j when
// j <= i. It is shared read-only by every attention layer.
type CausalMask struct {
	size int
}

// NewCausalMask returns the mask for sequences of up to blockSize tokens.
func NewCausalMask(blockSize int) *CausalMask {
	return &CausalMask{size: blockSize}
}

// Size returns the block size the mask was built for.
func (m *CausalMask) Size() int {
	return m.size
}

// Allowed reports whether query position i may attend to key position j.
// Positions at or beyond Size are never allowed.
func (m *CausalMask) Allowed(i, j int) bool {
	return j <= i && i < m.size && j >= 0
}

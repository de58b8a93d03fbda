package model

import (
	"fmt"

	"gpt2ref/pkg/errs"
)

// IgnoreIndex marks a target position that does not contribute to the loss.
const IgnoreIndex int32 = -1

// Batch is a (B, T) block of token ids stored row-major.
type Batch struct {
	B, T   int
	Tokens []int32
}

// NewBatch wraps tokens as a (b, t) batch. The slice is not copied.
func NewBatch(b, t int, tokens []int32) (Batch, error) {
	if b <= 0 || t <= 0 {
		return Batch{}, fmt.Errorf("%w: batch shape (%d, %d) must be positive", errs.ErrPrecondition, b, t)
	}
	if len(tokens) != b*t {
		return Batch{}, fmt.Errorf("%w: %d tokens do not fill a (%d, %d) batch",
			errs.ErrPrecondition, len(tokens), b, t)
	}
	return Batch{B: b, T: t, Tokens: tokens}, nil
}

// Row returns the tokens of sequence b.
func (x Batch) Row(b int) []int32 {
	return x.Tokens[b*x.T : (b+1)*x.T]
}

func (x Batch) validate() error {
	if x.B <= 0 || x.T <= 0 || len(x.Tokens) != x.B*x.T {
		return fmt.Errorf("%w: malformed batch (%d, %d) with %d tokens",
			errs.ErrPrecondition, x.B, x.T, len(x.Tokens))
	}
	return nil
}

// Package data reads pre-tokenized datasets and slices them into training
// batches.
package data

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/model"
)

// LoadTokens reads a flat file of little-endian int32 token ids.
func LoadTokens(path string) ([]int32, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrResourceUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: %s holds %d bytes, not a whole number of int32 tokens",
			errs.ErrFormat, path, len(buf))
	}

	tokens := make([]int32, len(buf)/4)
	for i := range tokens {
		tokens[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return tokens, nil
}

// SaveTokens writes tokens in the format LoadTokens reads.
func SaveTokens(path string, tokens []int32) error {
	buf := make([]byte, 0, 4*len(tokens))
	for _, t := range tokens {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Loader walks a token stream in consecutive (B, T) windows. Targets are
// the inputs shifted by one token.
//
// The cursor starts at zero, advances by B*T per batch and returns to zero
// as soon as the next window plus its final target would run past the end.
type Loader struct {
	B, T   int
	tokens []int32
	pos    int
}

// NewLoader creates a loader over tokens, which must hold at least B*T+1 ids.
func NewLoader(tokens []int32, b, t int) (*Loader, error) {
	if b <= 0 || t <= 0 {
		return nil, fmt.Errorf("%w: batch shape (%d, %d) must be positive", errs.ErrPrecondition, b, t)
	}
	if len(tokens) < b*t+1 {
		return nil, fmt.Errorf("%w: %d tokens cannot fill a (%d, %d) batch plus one target",
			errs.ErrPrecondition, len(tokens), b, t)
	}
	return &Loader{B: b, T: t, tokens: tokens}, nil
}

// NumBatches returns how many distinct windows fit before the cursor wraps.
func (l *Loader) NumBatches() int {
	return (len(l.tokens) - 1) / (l.B * l.T)
}

// Reset moves the cursor back to the first token.
func (l *Loader) Reset() {
	l.pos = 0
}

// Next returns the current inputs and targets and advances the cursor.
// The returned batches own their token slices.
func (l *Loader) Next() (x, y model.Batch) {
	n := l.B * l.T
	buf := l.tokens[l.pos : l.pos+n+1]

	x = model.Batch{B: l.B, T: l.T, Tokens: append([]int32(nil), buf[:n]...)}
	y = model.Batch{B: l.B, T: l.T, Tokens: append([]int32(nil), buf[1:]...)}

	l.pos += n
	if l.pos+n+1 > len(l.tokens) {
		l.pos = 0
	}
	return x, y
}

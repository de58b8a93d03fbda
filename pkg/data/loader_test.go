package data

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gpt2ref/pkg/errs"
)

func seq(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// TestLoader_Windows tests shifted targets and wrap-around
func TestLoader_Windows(t *testing.T) {
	l, err := NewLoader(seq(14), 2, 3)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	if l.NumBatches() != 2 {
		t.Errorf("Expected 2 batches, got %d", l.NumBatches())
	}

	testCases := []struct {
		x, y []int32
	}{
		{[]int32{0, 1, 2, 3, 4, 5}, []int32{1, 2, 3, 4, 5, 6}},
		{[]int32{6, 7, 8, 9, 10, 11}, []int32{7, 8, 9, 10, 11, 12}},
		// 12 + 6 + 1 > 14, so the cursor wrapped.
		{[]int32{0, 1, 2, 3, 4, 5}, []int32{1, 2, 3, 4, 5, 6}},
	}
	for i, tc := range testCases {
		x, y := l.Next()
		if x.B != 2 || x.T != 3 || y.B != 2 || y.T != 3 {
			t.Fatalf("step %d: shapes (%d, %d) and (%d, %d)", i, x.B, x.T, y.B, y.T)
		}
		if diff := cmp.Diff(tc.x, x.Tokens); diff != "" {
			t.Errorf("step %d inputs (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(tc.y, y.Tokens); diff != "" {
			t.Errorf("step %d targets (-want +got):\n%s", i, diff)
		}
	}
}

// TestLoader_ExactFit tests a stream of exactly B*T+1 tokens
func TestLoader_ExactFit(t *testing.T) {
	l, err := NewLoader(seq(5), 1, 4)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		x, y := l.Next()
		if x.Tokens[0] != 0 || y.Tokens[3] != 4 {
			t.Errorf("step %d: x %v y %v", i, x.Tokens, y.Tokens)
		}
	}

	// Batches are copies.
	x, _ := l.Next()
	x.Tokens[0] = 99
	if x2, _ := l.Next(); x2.Tokens[0] != 0 {
		t.Error("Next returned a view into the token stream")
	}
}

// TestLoader_LastWindow tests that a window whose final target is the last
// token is still served before wrapping
func TestLoader_LastWindow(t *testing.T) {
	l, err := NewLoader(seq(9), 1, 4)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	l.Next()
	x, y := l.Next()
	if x.Tokens[0] != 4 || y.Tokens[3] != 8 {
		t.Errorf("second window: x %v y %v, expected to start at 4 and end on 8", x.Tokens, y.Tokens)
	}
	if x, _ := l.Next(); x.Tokens[0] != 0 {
		t.Errorf("third window starts at %d, expected a wrap to 0", x.Tokens[0])
	}
}

// TestLoader_Reset tests rewinding the cursor
func TestLoader_Reset(t *testing.T) {
	l, err := NewLoader(seq(20), 1, 4)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	l.Next()
	l.Next()
	l.Reset()
	if x, _ := l.Next(); x.Tokens[0] != 0 {
		t.Errorf("Expected first window after Reset, got %v", x.Tokens)
	}
}

// TestNewLoader_Invalid tests shape and length checks
func TestNewLoader_Invalid(t *testing.T) {
	testCases := []struct {
		name   string
		tokens int
		b, t   int
	}{
		{"too short", 8, 2, 4},
		{"zero batch", 10, 0, 4},
		{"negative time", 10, 1, -1},
	}
	for _, tc := range testCases {
		if _, err := NewLoader(seq(tc.tokens), tc.b, tc.t); !errors.Is(err, errs.ErrPrecondition) {
			t.Errorf("%s: expected ErrPrecondition, got %v", tc.name, err)
		}
	}
}

// TestTokens_SaveLoad tests the int32 token file
func TestTokens_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.bin")
	want := []int32{50256, 0, 1, 15496, 2147483647}
	if err := SaveTokens(path, want); err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}
	got, err := LoadTokens(path)
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadTokens(filepath.Join(dir, "missing.bin")); !errors.Is(err, errs.ErrResourceUnavailable) {
		t.Errorf("Expected ErrResourceUnavailable, got %v", err)
	}

	odd := filepath.Join(dir, "odd.bin")
	if err := os.WriteFile(odd, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadTokens(odd); !errors.Is(err, errs.ErrFormat) {
		t.Errorf("Expected ErrFormat, got %v", err)
	}
}

package checkpoint

import (
	"bytes"
	"errors"
	"testing"

	"gpt2ref/pkg/errs"
)

// TestHeader_Kind tests magic number dispatch
func TestHeader_Kind(t *testing.T) {
	testCases := []struct {
		magic int32
		want  Kind
	}{
		{20240326, KindModel},
		{20240327, KindDebugState},
		{20240328, KindTokenizer},
	}
	for _, tc := range testCases {
		h := NewHeader(tc.magic, 1)
		got, err := h.Kind()
		if err != nil {
			t.Errorf("magic %d: unexpected error %v", tc.magic, err)
			continue
		}
		if got != tc.want {
			t.Errorf("magic %d: expected %v, got %v", tc.magic, tc.want, got)
		}
	}

	h := NewHeader(20240329, 1)
	if _, err := h.Kind(); !errors.Is(err, errs.ErrFormat) {
		t.Errorf("Expected ErrFormat for unknown magic, got %v", err)
	}
}

// TestReadHeader_Encoding tests the little-endian int32 layout
func TestReadHeader_Encoding(t *testing.T) {
	h := NewHeader(MagicModel, 2)
	h[255] = -7
	buf := h.appendTo(nil)
	if len(buf) != HeaderSize {
		t.Fatalf("Expected %d header bytes, got %d", HeaderSize, len(buf))
	}
	// 20240326 = 0x0134D7C6
	if !bytes.Equal(buf[:4], []byte{0xC6, 0xD7, 0x34, 0x01}) {
		t.Errorf("magic bytes = % x", buf[:4])
	}

	got, err := ReadHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if got != h {
		t.Error("header did not survive a round trip")
	}

	if _, err := ReadHeader(bytes.NewReader(buf[:HeaderSize-1])); !errors.Is(err, errs.ErrFormat) {
		t.Errorf("Expected ErrFormat for a short header, got %v", err)
	}
}

// TestRead_Dispatch tests that Read returns the artifact matching the magic number
func TestRead_Dispatch(t *testing.T) {
	m := randomModel(t, 1)
	modelBytes, err := EncodeModel(m, Float32)
	if err != nil {
		t.Fatalf("EncodeModel failed: %v", err)
	}

	x := mustBatch(t, 1, 3, []int32{1, 2, 3})
	y := mustBatch(t, 1, 3, []int32{2, 3, 4})
	state, err := CaptureDebugState(m, x, y)
	if err != nil {
		t.Fatalf("CaptureDebugState failed: %v", err)
	}
	stateBytes, err := EncodeDebugState(state)
	if err != nil {
		t.Fatalf("EncodeDebugState failed: %v", err)
	}

	vocabBytes, err := EncodeTokenizer(sliceDecoder{[]byte("a"), []byte("bc")})
	if err != nil {
		t.Fatalf("EncodeTokenizer failed: %v", err)
	}

	testCases := []struct {
		name string
		data []byte
		want Kind
	}{
		{"model", modelBytes, KindModel},
		{"debug state", stateBytes, KindDebugState},
		{"tokenizer", vocabBytes, KindTokenizer},
	}
	for _, tc := range testCases {
		a, err := Read(bytes.NewReader(tc.data))
		if err != nil {
			t.Errorf("%s: Read failed: %v", tc.name, err)
			continue
		}
		if a.Kind() != tc.want {
			t.Errorf("%s: expected kind %v, got %v", tc.name, tc.want, a.Kind())
		}
		switch v := a.(type) {
		case *ModelFile:
			if v.Config() != tinyConfig() {
				t.Errorf("model config = %+v", v.Config())
			}
		case *DebugStateHeader:
			if v.B != 1 || v.T != 3 {
				t.Errorf("debug state shape = (%d, %d)", v.B, v.T)
			}
		case *Vocabulary:
			if v.Len() != 2 {
				t.Errorf("vocabulary size = %d", v.Len())
			}
		}
	}

	bad := append([]byte(nil), modelBytes...)
	bad[0] ^= 0xff
	if _, err := Read(bytes.NewReader(bad)); !errors.Is(err, errs.ErrFormat) {
		t.Errorf("Expected ErrFormat for unknown magic, got %v", err)
	}
}

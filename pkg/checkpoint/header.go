// Package checkpoint reads and writes the llm.c binary interchange files:
// parameter checkpoints, debug states and tokenizer vocabularies.
//
// Every file starts with a 1024-byte header of 256 little-endian int32
// values. Slot 0 holds the magic number that identifies the artifact, slot 1
// its version; the remaining slots are artifact specific.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/model"
)

// Magic numbers of the three artifacts.
const (
	MagicModel      int32 = 20240326
	MagicDebugState int32 = 20240327
	MagicTokenizer  int32 = 20240328
)

// HeaderInts is the number of int32 slots in a header.
const HeaderInts = 256

// HeaderSize is the header length in bytes.
const HeaderSize = HeaderInts * 4

// Kind identifies an artifact by its magic number.
type Kind int

const (
	KindModel Kind = iota + 1
	KindDebugState
	KindTokenizer
)

func (k Kind) String() string {
	switch k {
	case KindModel:
		return "model"
	case KindDebugState:
		return "debug state"
	case KindTokenizer:
		return "tokenizer"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Header is the fixed preamble of every artifact.
type Header [HeaderInts]int32

// NewHeader returns a zeroed header carrying magic and version.
func NewHeader(magic, version int32) Header {
	var h Header
	h[0] = magic
	h[1] = version
	return h
}

// Magic returns slot 0.
func (h *Header) Magic() int32 { return h[0] }

// Version returns slot 1.
func (h *Header) Version() int32 { return h[1] }

// Kind dispatches on the magic number.
func (h *Header) Kind() (Kind, error) {
	switch h[0] {
	case MagicModel:
		return KindModel, nil
	case MagicDebugState:
		return KindDebugState, nil
	case MagicTokenizer:
		return KindTokenizer, nil
	}
	return 0, fmt.Errorf("%w: unknown magic number %d", errs.ErrFormat, h[0])
}

// setConfig stores a model configuration in slots 2..6.
func (h *Header) setConfig(cfg model.Config) {
	h[2] = int32(cfg.BlockSize)
	h[3] = int32(cfg.VocabSize)
	h[4] = int32(cfg.NumLayers)
	h[5] = int32(cfg.NumHeads)
	h[6] = int32(cfg.EmbeddingDim)
}

// config reads the model configuration stored in slots 2..6.
func (h *Header) config() model.Config {
	return model.Config{
		BlockSize:    int(h[2]),
		VocabSize:    int(h[3]),
		NumLayers:    int(h[4]),
		NumHeads:     int(h[5]),
		EmbeddingDim: int(h[6]),
	}
}

// appendTo appends the little-endian encoding of h to buf.
func (h *Header) appendTo(buf []byte) []byte {
	for _, v := range h {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return buf
}

// ReadHeader reads a header from r. A short read is an ErrFormat.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, truncated("header", err)
	}
	return h, nil
}

// Artifact is any decoded file.
type Artifact interface {
	Kind() Kind
}

// DebugStateHeader is what Read returns for a debug state: sizing its body
// needs the model configuration, see ReadDebugState.
type DebugStateHeader struct {
	Header Header
	B, T   int
}

// Kind implements Artifact.
func (*DebugStateHeader) Kind() Kind { return KindDebugState }

// Read decodes any artifact by dispatching on its magic number. Parameter
// checkpoints come back as *ModelFile, tokenizer files as *Vocabulary, and
// debug states as *DebugStateHeader with the body left unread.
func Read(r io.Reader) (Artifact, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	kind, err := h.Kind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindModel:
		return decodeModel(&h, r)
	case KindTokenizer:
		return decodeVocabulary(&h, r)
	default:
		if h.Version() != debugStateVersion {
			return nil, fmt.Errorf("%w: unsupported debug state version %d", errs.ErrFormat, h.Version())
		}
		return &DebugStateHeader{Header: h, B: int(h[2]), T: int(h[3])}, nil
	}
}

// readFull reads exactly n bytes of a named section. The buffer grows with
// the data actually read, so a header announcing a huge body costs no more
// memory than the file holds.
func readFull(r io.Reader, n int, what string) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, int64(n)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	if len(buf) < n {
		return nil, fmt.Errorf("%w: truncated %s", errs.ErrFormat, what)
	}
	return buf, nil
}

// mulSize multiplies sizes taken from a header, reporting false on overflow.
func mulSize(dims ...int) (int, bool) {
	n := 1
	for _, d := range dims {
		if d < 0 || (d > 0 && n > math.MaxInt/d) {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// sumSizes adds non-negative sizes, reporting false on overflow.
func sumSizes(vals ...int) (int, bool) {
	n := 0
	for _, v := range vals {
		if v < 0 || n > math.MaxInt-v {
			return 0, false
		}
		n += v
	}
	return n, true
}

// expectEOF fails if r still has data.
func expectEOF(r io.Reader) error {
	var one [1]byte
	n, err := io.ReadFull(r, one[:])
	if n > 0 {
		return fmt.Errorf("%w: trailing bytes after body", errs.ErrFormat)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated %s", errs.ErrFormat, what)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

// writeAll writes an encoded artifact to w in one call.
func writeAll(w io.Writer, buf []byte) error {
	_, err := w.Write(buf)
	return err
}

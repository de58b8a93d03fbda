package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"gpt2ref/pkg/errs"
)

const tokenizerVersion int32 = 1

// MaxTokenBytes is the longest token the vocabulary format can hold.
const MaxTokenBytes = 255

// TokenDecoder is the part of a tokenizer the vocabulary export needs.
type TokenDecoder interface {
	// DecodeTokenBytes returns the raw bytes of a single token id.
	DecodeTokenBytes(id int) ([]byte, error)
	// MaxTokenValue returns the largest valid token id.
	MaxTokenValue() int
}

// Vocabulary is a decoded tokenizer file: the bytes of every token id.
type Vocabulary struct {
	Tokens [][]byte
}

// Kind implements Artifact.
func (*Vocabulary) Kind() Kind { return KindTokenizer }

// Len returns the number of tokens.
func (v *Vocabulary) Len() int { return len(v.Tokens) }

// MaxTokenValue implements TokenDecoder.
func (v *Vocabulary) MaxTokenValue() int { return len(v.Tokens) - 1 }

// DecodeTokenBytes implements TokenDecoder.
func (v *Vocabulary) DecodeTokenBytes(id int) ([]byte, error) {
	if id < 0 || id >= len(v.Tokens) {
		return nil, fmt.Errorf("%w: token id %d outside vocabulary of %d", errs.ErrPrecondition, id, len(v.Tokens))
	}
	return v.Tokens[id], nil
}

// Decode concatenates the bytes of ids. Unknown ids are skipped.
func (v *Vocabulary) Decode(ids []int) []byte {
	var out []byte
	for _, id := range ids {
		if id >= 0 && id < len(v.Tokens) {
			out = append(out, v.Tokens[id]...)
		}
	}
	return out
}

// EncodeTokenizer serializes the MaxTokenValue()+1 tokens of dec, each as a
// one-byte length followed by its bytes. A token longer than MaxTokenBytes
// fails with ErrExportConstraint.
func EncodeTokenizer(dec TokenDecoder) ([]byte, error) {
	n := dec.MaxTokenValue() + 1
	h := NewHeader(MagicTokenizer, tokenizerVersion)
	h[2] = int32(n)

	buf := h.appendTo(nil)
	for id := 0; id < n; id++ {
		b, err := dec.DecodeTokenBytes(id)
		if err != nil {
			return nil, fmt.Errorf("failed to decode token %d: %w", id, err)
		}
		if len(b) > MaxTokenBytes {
			return nil, fmt.Errorf("%w: token %d is %d bytes, at most %d fit",
				errs.ErrExportConstraint, id, len(b), MaxTokenBytes)
		}
		buf = append(buf, byte(len(b)))
		buf = append(buf, b...)
	}
	return buf, nil
}

// WriteTokenizer encodes dec and writes it to w.
func WriteTokenizer(w io.Writer, dec TokenDecoder) error {
	buf, err := EncodeTokenizer(dec)
	if err != nil {
		return err
	}
	return writeAll(w, buf)
}

// SaveTokenizer writes a tokenizer file to path.
func SaveTokenizer(path string, dec TokenDecoder) error {
	buf, err := EncodeTokenizer(dec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadTokenizer reads a tokenizer file.
func ReadTokenizer(r io.Reader) (*Vocabulary, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Magic() != MagicTokenizer {
		return nil, fmt.Errorf("%w: bad magic %d for a tokenizer file", errs.ErrFormat, h.Magic())
	}
	return decodeVocabulary(&h, r)
}

// LoadTokenizer reads a tokenizer file from path.
func LoadTokenizer(path string) (*Vocabulary, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTokenizer(bufio.NewReader(f))
}

func decodeVocabulary(h *Header, r io.Reader) (*Vocabulary, error) {
	if h.Version() != tokenizerVersion {
		return nil, fmt.Errorf("%w: unsupported tokenizer version %d", errs.ErrFormat, h.Version())
	}
	n := int(h[2])
	if n < 0 {
		return nil, fmt.Errorf("%w: negative vocabulary size %d", errs.ErrFormat, n)
	}

	// Grown as records arrive; n comes from the header and is untrusted.
	v := &Vocabulary{Tokens: make([][]byte, 0, min(n, 1<<16))}
	var length [1]byte
	for id := 0; id < n; id++ {
		if _, err := io.ReadFull(r, length[:]); err != nil {
			return nil, truncated(fmt.Sprintf("length of token %d", id), err)
		}
		b, err := readFull(r, int(length[0]), fmt.Sprintf("token %d", id))
		if err != nil {
			return nil, err
		}
		v.Tokens = append(v.Tokens, b)
	}
	if err := expectEOF(r); err != nil {
		return nil, err
	}
	return v, nil
}

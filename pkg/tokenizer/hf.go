package tokenizer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	hftokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"gpt2ref/pkg/errs"
)

// HFTokenizer adapts a Hugging Face tokenizer.json (as published with the
// GPT-2 weights) to the Encoder interface.
type HFTokenizer struct {
	tk      *hftokenizer.Tokenizer
	tokens  [][]byte       // id -> raw bytes
	special map[string]int // added tokens such as <|endoftext|>
}

// LoadHF reads a tokenizer.json file.
func LoadHF(path string) (*HFTokenizer, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrResourceUnavailable, path)
	}
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return newHFTokenizer(tk)
}

func newHFTokenizer(tk *hftokenizer.Tokenizer) (*HFTokenizer, error) {
	vocab := tk.GetVocab(true)
	base := tk.GetVocab(false)

	maxID := -1
	for _, id := range vocab {
		maxID = max(maxID, id)
	}
	h := &HFTokenizer{
		tk:      tk,
		tokens:  make([][]byte, maxID+1),
		special: make(map[string]int),
	}

	decoder := byteDecoder()
	for token, id := range vocab {
		if _, ok := base[token]; !ok {
			h.special[token] = id
			h.tokens[id] = []byte(token)
			continue
		}
		b, err := unicodeToBytes(token, decoder)
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", id, err)
		}
		h.tokens[id] = b
	}
	// GPT-2 also lists <|endoftext|> in the model vocabulary.
	if id, ok := vocab[EndOfText]; ok {
		h.special[EndOfText] = id
	}
	for id, b := range h.tokens {
		if b == nil {
			return nil, fmt.Errorf("%w: vocabulary has no token with id %d", errs.ErrFormat, id)
		}
	}
	return h, nil
}

// Encode converts text to token IDs
func (h *HFTokenizer) Encode(text string, opts EncodeOptions) ([]int, error) {
	segments, err := splitSpecial(text, h.special, opts.AllowedSpecial)
	if err != nil {
		return nil, err
	}

	var ids []int
	for _, seg := range segments {
		if seg.special {
			ids = append(ids, h.special[seg.text])
			continue
		}
		enc, err := h.tk.EncodeSingle(seg.text, false)
		if err != nil {
			return nil, fmt.Errorf("failed to encode: %w", err)
		}
		ids = append(ids, enc.Ids...)
	}
	return ids, nil
}

// Decode converts token IDs to text, replacing invalid UTF-8.
func (h *HFTokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id >= 0 && id < len(h.tokens) {
			sb.Write(h.tokens[id])
		}
	}
	return strings.ToValidUTF8(sb.String(), "\uFFFD")
}

// DecodeTokenBytes returns the raw bytes of one token.
func (h *HFTokenizer) DecodeTokenBytes(id int) ([]byte, error) {
	if id < 0 || id >= len(h.tokens) {
		return nil, fmt.Errorf("%w: token ID %d not found", errs.ErrPrecondition, id)
	}
	return h.tokens[id], nil
}

// MaxTokenValue returns the largest token id.
func (h *HFTokenizer) MaxTokenValue() int {
	return len(h.tokens) - 1
}

// EOTID returns the id of <|endoftext|>, or -1 if the vocabulary lacks it.
func (h *HFTokenizer) EOTID() int {
	if id, ok := h.special[EndOfText]; ok {
		return id
	}
	return -1
}

var (
	_ Encoder = (*Tokenizer)(nil)
	_ Encoder = (*HFTokenizer)(nil)
)

// Load reads a tokenizer.json through the Hugging Face adapter and any other
// path as a tiktoken rank file.
func Load(path string) (Encoder, error) {
	if strings.HasSuffix(path, ".json") {
		return LoadHF(path)
	}
	return LoadTokenizer(path)
}

// byteEncoder returns GPT-2's reversible byte -> printable rune table.
// Printable Latin-1 bytes map to themselves; the remaining 68 bytes map to
// runes from U+0100 upward in byte order.
func byteEncoder() [256]rune {
	var table [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			table[b] = rune(b)
		} else {
			table[b] = rune(256 + n)
			n++
		}
	}
	return table
}

// byteDecoder inverts byteEncoder.
func byteDecoder() map[rune]byte {
	enc := byteEncoder()
	dec := make(map[rune]byte, len(enc))
	for b, r := range enc {
		dec[r] = byte(b)
	}
	return dec
}

// unicodeToBytes maps a byte-level BPE token string back to raw bytes.
func unicodeToBytes(token string, decoder map[rune]byte) ([]byte, error) {
	out := make([]byte, 0, len(token))
	for _, r := range token {
		b, ok := decoder[r]
		if !ok {
			return nil, fmt.Errorf("%w: rune %q is outside the byte-level alphabet", errs.ErrFormat, r)
		}
		out = append(out, b)
	}
	return out, nil
}

// Package tokenizer implements byte-level Byte-Pair Encoding (BPE)
// tokenization compatible with GPT-2.
//
// Token ids are merge ranks: the 256 single bytes come first, every merged
// token's id is the order in which it was learned, and the special
// <|endoftext|> token follows the base vocabulary. Files in the tiktoken
// rank format (gpt2.tiktoken) load directly.
//
// Key features:
//   - Train a BPE vocabulary from a text corpus
//   - Encode/decode text with special token handling
//   - GPT-2 pre-tokenization (contractions, words, numbers, punctuation, spaces)
//   - Load/save tiktoken rank files
package tokenizer

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"gpt2ref/pkg/errs"
)

const (
	// EndOfText separates documents and is the only GPT-2 special token.
	EndOfText = "<|endoftext|>"

	// GPT2VocabSize is the size of the r50k_base vocabulary, special token included.
	GPT2VocabSize = 50257

	// Pattern is the GPT-2 pre-tokenization pattern without its trailing
	// whitespace lookahead, which Go's regexp cannot express. splitChunks
	// restores it: a whitespace run followed by text gives up its last
	// character to the next chunk.
	// Full GPT-2 form: 's|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+
	Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
)

// Encoder is the tokenizer surface the rest of the module relies on.
type Encoder interface {
	Encode(text string, opts EncodeOptions) ([]int, error)
	Decode(ids []int) string
	DecodeTokenBytes(id int) ([]byte, error)
	MaxTokenValue() int
	EOTID() int
}

// Tokenizer implements byte-level BPE.
type Tokenizer struct {
	// vocab maps token ID to token bytes, special tokens included
	vocab map[int][]byte

	// ranks maps token bytes to their ID (merge rank) for ordinary tokens
	ranks map[string]int

	// specialTokens maps special token text to ID
	specialTokens map[string]int

	// vocabSize counts ordinary tokens; special tokens start here
	vocabSize int
	pattern   *regexp.Regexp
	eotID     int
}

// Pair represents two adjacent token IDs
type Pair [2]int

// NewTokenizer creates a new uninitialized tokenizer
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		vocab:         make(map[int][]byte),
		ranks:         make(map[string]int),
		specialTokens: make(map[string]int),
		pattern:       regexp.MustCompile(Pattern),
	}
}

// InitializeVocab resets the vocabulary to the 256 single-byte tokens.
func (t *Tokenizer) InitializeVocab() {
	t.vocab = make(map[int][]byte)
	t.ranks = make(map[string]int)
	t.specialTokens = make(map[string]int)

	for i := 0; i < 256; i++ {
		t.vocab[i] = []byte{byte(i)}
		t.ranks[string([]byte{byte(i)})] = i
	}
	t.vocabSize = 256
}

// SetSpecialTokens places <|endoftext|> at id baseVocabSize.
func (t *Tokenizer) SetSpecialTokens(baseVocabSize int) {
	t.specialTokens = map[string]int{EndOfText: baseVocabSize}
	t.vocab[baseVocabSize] = []byte(EndOfText)
	t.eotID = baseVocabSize
}

// VocabSize returns the number of ordinary (non-special) tokens.
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

// EOTID returns the id of <|endoftext|>.
func (t *Tokenizer) EOTID() int {
	return t.eotID
}

// MaxTokenValue returns the largest token id, special tokens included.
func (t *Tokenizer) MaxTokenValue() int {
	maxID := t.vocabSize - 1
	for _, id := range t.specialTokens {
		maxID = max(maxID, id)
	}
	return maxID
}

// splitChunks applies the pre-tokenization pattern.
func (t *Tokenizer) splitChunks(text string) []string {
	var chunks []string
	for pos := 0; pos < len(text); {
		loc := t.pattern.FindStringIndex(text[pos:])
		if loc == nil {
			// Unreachable for valid patterns; keep the rest as one chunk.
			chunks = append(chunks, text[pos:])
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if start > pos {
			chunks = append(chunks, text[pos:start])
		}
		m := text[start:end]
		if end < len(text) && isSpace(m) {
			if _, size := utf8.DecodeLastRuneInString(m); size < len(m) {
				end -= size
				m = text[start:end]
			}
		}
		chunks = append(chunks, m)
		pos = end
	}
	return chunks
}

func isSpace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return s != ""
}

// countPairs counts all adjacent pairs in token sequences
func countPairs(sequences [][]int) map[Pair]int {
	pairs := make(map[Pair]int)
	for _, seq := range sequences {
		for i := 0; i < len(seq)-1; i++ {
			pairs[Pair{seq[i], seq[i+1]}]++
		}
	}
	return pairs
}

// findMostFrequentPair returns the pair with highest count. Ties go to the
// lexicographically smallest pair so training is deterministic.
func findMostFrequentPair(pairs map[Pair]int) (Pair, int) {
	var bestPair Pair
	maxCount := 0

	for pair, count := range pairs {
		if count > maxCount || (count == maxCount && comparePairs(pair, bestPair) < 0) {
			maxCount = count
			bestPair = pair
		}
	}

	return bestPair, maxCount
}

func comparePairs(a, b Pair) int {
	if c := cmp.Compare(a[0], b[0]); c != 0 {
		return c
	}
	return cmp.Compare(a[1], b[1])
}

// applyMerge replaces all occurrences of a pair with new token ID
// Uses greedy left-to-right replacement
func applyMerge(tokenIDs []int, pair Pair, newID int) []int {
	result := make([]int, 0, len(tokenIDs))
	i := 0

	for i < len(tokenIDs) {
		if i < len(tokenIDs)-1 && tokenIDs[i] == pair[0] && tokenIDs[i+1] == pair[1] {
			result = append(result, newID)
			i += 2
		} else {
			result = append(result, tokenIDs[i])
			i++
		}
	}

	return result
}

// Train builds a BPE vocabulary from a text corpus.
//
// Algorithm:
//  1. Initialize with 256 byte tokens
//  2. Split every document into pre-tokenization chunks; merges never cross
//     chunk boundaries
//  3. Iteratively merge the most frequent pair until vocabSize-1 tokens exist
//  4. Place <|endoftext|> at the last id
func (t *Tokenizer) Train(corpus []string, vocabSize int) error {
	if vocabSize < 257 {
		return fmt.Errorf("%w: vocabSize must be at least 257, got %d", errs.ErrPrecondition, vocabSize)
	}

	// Step 1: Initialize vocabulary
	t.InitializeVocab()

	// Step 2: Chunk and convert to byte IDs
	var sequences [][]int
	for _, text := range corpus {
		for _, chunk := range t.splitChunks(text) {
			sequences = append(sequences, t.byteIDs(chunk))
		}
	}

	// Step 3: Iteratively merge most frequent pairs
	target := vocabSize - 1
	for t.vocabSize < target {
		pairs := countPairs(sequences)
		if len(pairs) == 0 {
			break
		}

		bestPair, count := findMostFrequentPair(pairs)
		if count < 2 {
			break
		}

		merged := append(append([]byte(nil), t.vocab[bestPair[0]]...), t.vocab[bestPair[1]]...)
		newID, seen := t.ranks[string(merged)]
		if !seen {
			newID = t.vocabSize
			t.vocab[newID] = merged
			t.ranks[string(merged)] = newID
			t.vocabSize++
		}

		for i, seq := range sequences {
			sequences[i] = applyMerge(seq, bestPair, newID)
		}
	}

	// Step 4: Special token after the learned vocabulary
	t.SetSpecialTokens(t.vocabSize)
	return nil
}

// byteIDs maps each byte of s to its single-byte token.
func (t *Tokenizer) byteIDs(s string) []int {
	ids := make([]int, len(s))
	for i := 0; i < len(s); i++ {
		ids[i] = t.ranks[s[i:i+1]]
	}
	return ids
}

// encodeChunk applies BPE to a single chunk: repeatedly merge the adjacent
// pair whose concatenation has the lowest rank.
func (t *Tokenizer) encodeChunk(chunk string) []int {
	if id, ok := t.ranks[chunk]; ok {
		return []int{id}
	}

	// parts holds the byte offsets where the current tokens start.
	parts := make([]int, len(chunk)+1)
	for i := range parts {
		parts[i] = i
	}

	for len(parts) > 2 {
		bestRank, bestIdx := -1, -1
		for i := 0; i+2 < len(parts); i++ {
			rank, ok := t.ranks[chunk[parts[i]:parts[i+2]]]
			if ok && (bestRank < 0 || rank < bestRank) {
				bestRank, bestIdx = rank, i
			}
		}
		if bestIdx < 0 {
			break
		}
		parts = slices.Delete(parts, bestIdx+1, bestIdx+2)
	}

	ids := make([]int, len(parts)-1)
	for i := range ids {
		ids[i] = t.ranks[chunk[parts[i]:parts[i+1]]]
	}
	return ids
}

// EncodeOptions contains options for encoding
type EncodeOptions struct {
	// AllowedSpecial lists special tokens that may appear in the text and
	// are encoded as their ids. Any other special token is an error.
	AllowedSpecial []string
}

// Encode converts text to token IDs
func (t *Tokenizer) Encode(text string, opts EncodeOptions) ([]int, error) {
	segments, err := splitSpecial(text, t.specialTokens, opts.AllowedSpecial)
	if err != nil {
		return nil, err
	}

	var result []int
	for _, seg := range segments {
		if seg.special {
			result = append(result, t.specialTokens[seg.text])
			continue
		}
		for _, chunk := range t.splitChunks(seg.text) {
			result = append(result, t.encodeChunk(chunk)...)
		}
	}
	return result, nil
}

// Decode converts token IDs to text. Invalid UTF-8 from partial tokens is
// replaced with U+FFFD and unknown ids are skipped.
func (t *Tokenizer) Decode(tokenIDs []int) string {
	var result strings.Builder
	for _, id := range tokenIDs {
		if token, ok := t.vocab[id]; ok {
			result.Write(token)
		}
	}
	return strings.ToValidUTF8(result.String(), "\uFFFD")
}

// DecodeTokenBytes returns the raw bytes of one token.
func (t *Tokenizer) DecodeTokenBytes(id int) ([]byte, error) {
	token, ok := t.vocab[id]
	if !ok {
		return nil, fmt.Errorf("%w: token ID %d not found", errs.ErrPrecondition, id)
	}
	return token, nil
}

// segment is a piece of input text that is either ordinary or one special token.
type segment struct {
	text    string
	special bool
}

// splitSpecial cuts text around occurrences of allowed special tokens. A
// known special token that is not allowed fails the encode.
func splitSpecial(text string, specials map[string]int, allowed []string) ([]segment, error) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		if _, ok := specials[s]; !ok {
			return nil, fmt.Errorf("%w: %q is not a special token", errs.ErrPrecondition, s)
		}
		allowedSet[s] = true
	}
	for s := range specials {
		if !allowedSet[s] && strings.Contains(text, s) {
			return nil, fmt.Errorf("%w: text contains disallowed special token %q", errs.ErrPrecondition, s)
		}
	}

	var segments []segment
	for text != "" {
		// Earliest allowed special; the longest wins at equal positions.
		at, tok := -1, ""
		for s := range allowedSet {
			i := strings.Index(text, s)
			if i >= 0 && (at < 0 || i < at || (i == at && len(s) > len(tok))) {
				at, tok = i, s
			}
		}
		if at < 0 {
			segments = append(segments, segment{text: text})
			break
		}
		if at > 0 {
			segments = append(segments, segment{text: text[:at]})
		}
		segments = append(segments, segment{text: tok, special: true})
		text = text[at+len(tok):]
	}
	return segments, nil
}

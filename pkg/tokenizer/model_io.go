package tokenizer

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gpt2ref/pkg/errs"
)

// Save writes the tokenizer to a file in the tiktoken rank format.
//
// File format:
//
//	<base64_encoded_token> <rank>
//
// One line per ordinary token, ordered by rank. Special tokens are NOT
// included; they are assigned programmatically after the last rank.
func (t *Tokenizer) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := t.WriteRanks(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// WriteRanks writes the rank file body to w.
func (t *Tokenizer) WriteRanks(w io.Writer) error {
	writer := bufio.NewWriter(w)
	for id := 0; id < t.vocabSize; id++ {
		token, ok := t.vocab[id]
		if !ok {
			return fmt.Errorf("vocabulary has no token with rank %d", id)
		}
		line := base64.StdEncoding.EncodeToString(token) + " " + strconv.Itoa(id) + "\n"
		if _, err := writer.WriteString(line); err != nil {
			return fmt.Errorf("failed to write token %d: %w", id, err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// LoadTokenizer reads a tokenizer from a tiktoken rank file such as
// gpt2.tiktoken.
//
// This function:
//  1. Reads all tokens and their ranks
//  2. Requires ranks to be unique and dense from 0 and every single byte to
//     be present, which is what byte-level BPE needs to encode any input
//  3. Places <|endoftext|> after the last rank
func LoadTokenizer(path string) (*Tokenizer, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrResourceUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return ReadRanks(file)
}

// ReadRanks parses a rank file from r.
func ReadRanks(r io.Reader) (*Tokenizer, error) {
	tok := NewTokenizer()

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: line %d: expected 2 fields, got %d", errs.ErrFormat, lineNum, len(parts))
		}

		token, err := base64.StdEncoding.DecodeString(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad base64: %v", errs.ErrFormat, lineNum, err)
		}
		rank, err := strconv.Atoi(parts[1])
		if err != nil || rank < 0 {
			return nil, fmt.Errorf("%w: line %d: invalid rank %q", errs.ErrFormat, lineNum, parts[1])
		}

		if _, dup := tok.vocab[rank]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate rank %d", errs.ErrFormat, lineNum, rank)
		}
		if _, dup := tok.ranks[string(token)]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate token %q", errs.ErrFormat, lineNum, token)
		}
		tok.vocab[rank] = token
		tok.ranks[string(token)] = rank
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading ranks: %w", err)
	}

	tok.vocabSize = len(tok.vocab)
	for id := 0; id < tok.vocabSize; id++ {
		if _, ok := tok.vocab[id]; !ok {
			return nil, fmt.Errorf("%w: ranks are not dense, %d is missing", errs.ErrFormat, id)
		}
	}
	for b := 0; b < 256; b++ {
		if _, ok := tok.ranks[string([]byte{byte(b)})]; !ok {
			return nil, fmt.Errorf("%w: byte %#02x has no token", errs.ErrFormat, b)
		}
	}

	tok.SetSpecialTokens(tok.vocabSize)
	return tok, nil
}

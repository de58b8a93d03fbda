// Package hfcheckpoint reads Hugging Face safetensors checkpoints and exposes
// them to model.LoadFrom.
//
// A safetensors file is an 8-byte little-endian header length, a JSON header
// mapping tensor names to dtype, shape and byte offsets, and the raw tensor
// data. The published GPT-2 checkpoints omit the "transformer." prefix and
// the tied lm_head.weight; File restores both.
package hfcheckpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/x448/float16"

	"gpt2ref/pkg/checkpoint"
	"gpt2ref/pkg/errs"
)

const (
	// maxHeaderSize bounds the JSON header; real GPT-2 headers are a few KiB.
	maxHeaderSize = 100 << 20

	metadataKey = "__metadata__"

	prefix      = "transformer."
	tokenEmbed  = "transformer.wte.weight"
	lmHeadAlias = "lm_head.weight"
)

// TensorInfo describes one tensor in the header.
type TensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// File is a parsed safetensors checkpoint held in memory.
type File struct {
	Metadata map[string]string
	tensors  map[string]TensorInfo
	data     []byte
	// names maps model names to names in the file.
	names map[string]string
}

// Open reads a safetensors file from disk.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrResourceUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	st, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return st, nil
}

// Read parses a safetensors stream.
func Read(r io.Reader) (*File, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: reading header length: %v", errs.ErrFormat, err)
	}
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d out of range", errs.ErrFormat, headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", errs.ErrFormat, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor data: %w", err)
	}
	return parse(header, data)
}

func parse(header, data []byte) (*File, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid header: %v", errs.ErrFormat, err)
	}

	st := &File{
		tensors: make(map[string]TensorInfo, len(raw)),
		data:    data,
		names:   make(map[string]string, len(raw)+1),
	}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &st.Metadata); err != nil {
				return nil, fmt.Errorf("%w: invalid metadata: %v", errs.ErrFormat, err)
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", errs.ErrFormat, name, err)
		}
		if err := info.validate(len(data)); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		st.tensors[name] = info

		modelName := name
		if name != lmHeadAlias && !strings.HasPrefix(name, prefix) {
			modelName = prefix + name
		}
		if prev, dup := st.names[modelName]; dup {
			return nil, fmt.Errorf("%w: %s and %s map to the same parameter", errs.ErrFormat, prev, name)
		}
		st.names[modelName] = name
	}

	// The LM head is tied to the token embedding and usually not stored.
	if _, ok := st.names[lmHeadAlias]; !ok {
		if src, ok := st.names[tokenEmbed]; ok {
			st.names[lmHeadAlias] = src
		}
	}
	return st, nil
}

func (info TensorInfo) validate(dataLen int) error {
	size, err := elementSize(info.DType)
	if err != nil {
		return err
	}
	n := 1
	for _, d := range info.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in shape %v", errs.ErrFormat, info.Shape)
		}
		n *= d
	}
	begin, end := info.DataOffsets[0], info.DataOffsets[1]
	if begin < 0 || end < begin || end > dataLen {
		return fmt.Errorf("%w: offsets [%d, %d) outside data of %d bytes", errs.ErrFormat, begin, end, dataLen)
	}
	if end-begin != n*size {
		return fmt.Errorf("%w: %d bytes for %d %s elements", errs.ErrFormat, end-begin, n, info.DType)
	}
	return nil
}

func elementSize(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	}
	return 0, fmt.Errorf("%w: unsupported dtype %q", errs.ErrFormat, dtype)
}

// Names returns the tensor names as the model spells them, sorted.
func (st *File) Names() []string {
	names := make([]string, 0, len(st.names))
	for n := range st.names {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Info returns the header entry behind a model tensor name.
func (st *File) Info(name string) (TensorInfo, bool) {
	fileName, ok := st.names[name]
	if !ok {
		return TensorInfo{}, false
	}
	info, ok := st.tensors[fileName]
	return info, ok
}

// Tensor decodes a tensor to float32.
func (st *File) Tensor(name string) ([]int, []float32, error) {
	info, ok := st.Info(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no tensor named %s", errs.ErrCheckpointMismatch, name)
	}

	raw := st.data[info.DataOffsets[0]:info.DataOffsets[1]]
	var out []float32
	switch info.DType {
	case "F32":
		out = make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case "F16":
		out = make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	case "BF16":
		out = make([]float32, len(raw)/2)
		for i := range out {
			out[i] = checkpoint.BFloat16Value(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	}
	return slices.Clone(info.Shape), out, nil
}

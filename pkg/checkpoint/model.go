package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"

	"github.com/x448/float16"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/model"
)

// DType is the storage precision of a parameter checkpoint. Its value is
// the header version.
type DType int32

const (
	Float32  DType = 1
	BFloat16 DType = 2
	Float16  DType = 3
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case BFloat16:
		return "bfloat16"
	case Float16:
		return "float16"
	}
	return fmt.Sprintf("DType(%d)", int32(d))
}

// ParseDType maps a dtype name to its DType.
func ParseDType(name string) (DType, error) {
	switch name {
	case "float32", "fp32":
		return Float32, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	case "float16", "fp16":
		return Float16, nil
	}
	return 0, fmt.Errorf("%w: unsupported dtype %q", errs.ErrPrecondition, name)
}

func (d DType) valid() bool {
	return d == Float32 || d == BFloat16 || d == Float16
}

// width is the size in bytes of one non-norm element.
func (d DType) width() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// ModelFile is a decoded parameter checkpoint.
type ModelFile struct {
	Header Header
	DType  DType
	Model  *model.GPT2Model
}

// Kind implements Artifact.
func (*ModelFile) Kind() Kind { return KindModel }

// Config returns the configuration stored in the header.
func (f *ModelFile) Config() model.Config { return f.Model.Config }

// ModelBodySize returns the number of body bytes a checkpoint of cfg holds
// in dtype, or -1 if that does not fit in an int.
func ModelBodySize(cfg model.Config, dtype DType) int {
	n, ok := modelBodySize(cfg, dtype)
	if !ok {
		return -1
	}
	return n
}

// modelBodySize sizes one block and scales it by the layer count, so an
// untrusted n_layer never expands into a layout.
func modelBodySize(cfg model.Config, dtype DType) (int, bool) {
	one := cfg
	one.NumLayers = 1
	var shared, perLayer int
	for _, s := range model.Layout(one) {
		width := dtype.width()
		if s.Role.IsNorm() {
			width = 4
		}
		size, ok := mulSize(append([]int{width}, s.Shape...)...)
		if !ok {
			return 0, false
		}
		if s.Layer >= 0 {
			perLayer, ok = sumSizes(perLayer, size)
		} else {
			shared, ok = sumSizes(shared, size)
		}
		if !ok {
			return 0, false
		}
	}
	layers, ok := mulSize(cfg.NumLayers, perLayer)
	if !ok {
		return 0, false
	}
	return sumSizes(shared, layers)
}

// EncodeModel serializes the parameters of m.
//
// Body layout:
//   - float32: every tensor in layout order
//   - bfloat16, float16: every non-norm tensor in layout order at half
//     width, then every LayerNorm tensor in layout order as float32
func EncodeModel(m *model.GPT2Model, dtype DType) ([]byte, error) {
	if !dtype.valid() {
		return nil, fmt.Errorf("%w: unsupported dtype %v", errs.ErrPrecondition, dtype)
	}

	h := NewHeader(MagicModel, int32(dtype))
	h.setConfig(m.Config)

	buf := make([]byte, 0, HeaderSize+ModelBodySize(m.Config, dtype))
	buf = h.appendTo(buf)

	specs, params := m.Params.Specs(), m.Params.List()
	if dtype == Float32 {
		for _, p := range params {
			buf = appendFloat32s(buf, p.Value.Data)
		}
		return buf, nil
	}

	for i, s := range specs {
		if !s.Role.IsNorm() {
			buf = appendHalf(buf, params[i].Value.Data, dtype)
		}
	}
	for i, s := range specs {
		if s.Role.IsNorm() {
			buf = appendFloat32s(buf, params[i].Value.Data)
		}
	}
	return buf, nil
}

// WriteModel encodes m and writes it to w.
func WriteModel(w io.Writer, m *model.GPT2Model, dtype DType) error {
	buf, err := EncodeModel(m, dtype)
	if err != nil {
		return err
	}
	return writeAll(w, buf)
}

// SaveModel writes a parameter checkpoint to path.
func SaveModel(path string, m *model.GPT2Model, dtype DType) error {
	buf, err := EncodeModel(m, dtype)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadModel reads a parameter checkpoint and builds a model from it.
func ReadModel(r io.Reader) (*ModelFile, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Magic() != MagicModel {
		return nil, fmt.Errorf("%w: bad magic %d for a model file", errs.ErrFormat, h.Magic())
	}
	return decodeModel(&h, r)
}

// LoadModel reads a parameter checkpoint from path.
func LoadModel(path string) (*ModelFile, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadModel(bufio.NewReader(f))
}

func decodeModel(h *Header, r io.Reader) (*ModelFile, error) {
	dtype := DType(h.Version())
	if !dtype.valid() {
		return nil, fmt.Errorf("%w: unsupported model version %d", errs.ErrFormat, h.Version())
	}
	cfg := h.config()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: header describes an invalid model: %v", errs.ErrFormat, err)
	}
	size, ok := modelBodySize(cfg, dtype)
	if !ok {
		return nil, fmt.Errorf("%w: header describes a model too large to address", errs.ErrFormat)
	}

	body, err := readFull(r, size, "model body")
	if err != nil {
		return nil, err
	}
	if err := expectEOF(r); err != nil {
		return nil, err
	}

	m, err := model.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: header describes an invalid model: %v", errs.ErrFormat, err)
	}

	specs, params := m.Params.Specs(), m.Params.List()
	off := 0
	if dtype == Float32 {
		for _, p := range params {
			off += decodeFloat32s(p.Value.Data, body[off:])
		}
	} else {
		for i, s := range specs {
			if !s.Role.IsNorm() {
				off += decodeHalf(params[i].Value.Data, body[off:], dtype)
			}
		}
		for i, s := range specs {
			if s.Role.IsNorm() {
				off += decodeFloat32s(params[i].Value.Data, body[off:])
			}
		}
	}

	return &ModelFile{Header: *h, DType: dtype, Model: m}, nil
}

// open opens a file, reporting a missing path as ErrResourceUnavailable.
func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", errs.ErrResourceUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func appendFloat32s(buf []byte, vals []float32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// decodeFloat32s fills dst from src and returns the bytes consumed.
func decodeFloat32s(dst []float32, src []byte) int {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return 4 * len(dst)
}

func appendHalf(buf []byte, vals []float32, dtype DType) []byte {
	for _, v := range vals {
		var bits uint16
		if dtype == BFloat16 {
			bits = BFloat16Bits(v)
		} else {
			bits = float16.Fromfloat32(v).Bits()
		}
		buf = binary.LittleEndian.AppendUint16(buf, bits)
	}
	return buf
}

// decodeHalf fills dst from 16-bit values in src and returns the bytes consumed.
func decodeHalf(dst []float32, src []byte, dtype DType) int {
	for i := range dst {
		bits := binary.LittleEndian.Uint16(src[2*i:])
		if dtype == BFloat16 {
			dst[i] = BFloat16Value(bits)
		} else {
			dst[i] = float16.Frombits(bits).Float32()
		}
	}
	return 2 * len(dst)
}

// BFloat16Bits rounds f to bfloat16 with round-to-nearest-even. NaN maps
// to the canonical quiet NaN.
func BFloat16Bits(f float32) uint16 {
	if math.IsNaN(float64(f)) {
		return 0x7fc0
	}
	u := math.Float32bits(f)
	u += 0x7fff + (u>>16)&1
	return uint16(u >> 16)
}

// BFloat16Value widens a bfloat16 to float32 exactly.
func BFloat16Value(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

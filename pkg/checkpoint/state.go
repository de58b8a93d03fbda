package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/exp/constraints"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/model"
)

const debugStateVersion int32 = 1

// DebugState is a captured forward/backward pass: the batch, the logits,
// the loss and every parameter gradient. Another implementation can replay
// the batch and compare its numerics against it.
type DebugState struct {
	Inputs  model.Batch
	Targets model.Batch
	Logits  []float32 // (B, T, V)
	Loss    float32
	Grads   [][]float32 // one slice per layout entry, in layout order
}

// Kind implements Artifact.
func (*DebugState) Kind() Kind { return KindDebugState }

// CaptureDebugState runs a training forward and backward pass of m on
// (x, y) with freshly zeroed gradients and snapshots the result.
func CaptureDebugState(m *model.GPT2Model, x, y model.Batch) (*DebugState, error) {
	m.ZeroGrad()
	logits, loss, err := m.ForwardWithTargets(x, y)
	if err != nil {
		return nil, err
	}
	if err := m.Backward(); err != nil {
		return nil, err
	}

	s := &DebugState{
		Inputs:  cloneBatch(x),
		Targets: cloneBatch(y),
		Logits:  append([]float32(nil), logits.Data...),
		Loss:    loss,
	}
	for _, p := range m.Params.List() {
		s.Grads = append(s.Grads, append([]float32(nil), p.Grad.Data...))
	}
	return s, nil
}

func cloneBatch(x model.Batch) model.Batch {
	return model.Batch{B: x.B, T: x.T, Tokens: append([]int32(nil), x.Tokens...)}
}

// EncodeDebugState serializes s: header (B in slot 2, T in slot 3), inputs
// and targets as int32, logits, loss, then the gradients in the float32
// checkpoint layout.
func EncodeDebugState(s *DebugState) ([]byte, error) {
	B, T := s.Inputs.B, s.Inputs.T
	if s.Targets.B != B || s.Targets.T != T {
		return nil, fmt.Errorf("%w: inputs (%d, %d) and targets (%d, %d) differ in shape",
			errs.ErrPrecondition, B, T, s.Targets.B, s.Targets.T)
	}

	h := NewHeader(MagicDebugState, debugStateVersion)
	h[2] = int32(B)
	h[3] = int32(T)

	buf := h.appendTo(nil)
	buf = appendInt32s(buf, s.Inputs.Tokens)
	buf = appendInt32s(buf, s.Targets.Tokens)
	buf = appendFloat32s(buf, s.Logits)
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s.Loss))
	for _, g := range s.Grads {
		buf = appendFloat32s(buf, g)
	}
	return buf, nil
}

// WriteDebugState encodes s and writes it to w.
func WriteDebugState(w io.Writer, s *DebugState) error {
	buf, err := EncodeDebugState(s)
	if err != nil {
		return err
	}
	return writeAll(w, buf)
}

// SaveDebugState writes a debug state to path.
func SaveDebugState(path string, s *DebugState) error {
	buf, err := EncodeDebugState(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadDebugState reads a debug state for a model of configuration cfg,
// which determines the logits and gradient sizes.
func ReadDebugState(r io.Reader, cfg model.Config) (*DebugState, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Magic() != MagicDebugState {
		return nil, fmt.Errorf("%w: bad magic %d for a debug state", errs.ErrFormat, h.Magic())
	}
	if h.Version() != debugStateVersion {
		return nil, fmt.Errorf("%w: unsupported debug state version %d", errs.ErrFormat, h.Version())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	B, T := int(h[2]), int(h[3])
	if B <= 0 || T <= 0 {
		return nil, fmt.Errorf("%w: debug state batch shape (%d, %d)", errs.ErrFormat, B, T)
	}
	if T > cfg.BlockSize {
		return nil, fmt.Errorf("%w: debug state sequence length %d exceeds block size %d",
			errs.ErrFormat, T, cfg.BlockSize)
	}
	n, ok := debugStateBodySize(B, T, cfg)
	if !ok {
		return nil, fmt.Errorf("%w: debug state of shape (%d, %d) is too large to address", errs.ErrFormat, B, T)
	}

	body, err := readFull(r, n, "debug state body")
	if err != nil {
		return nil, err
	}
	if err := expectEOF(r); err != nil {
		return nil, err
	}

	s := &DebugState{
		Inputs:  model.Batch{B: B, T: T, Tokens: make([]int32, B*T)},
		Targets: model.Batch{B: B, T: T, Tokens: make([]int32, B*T)},
		Logits:  make([]float32, B*T*cfg.VocabSize),
	}
	off := decodeInt32s(s.Inputs.Tokens, body)
	off += decodeInt32s(s.Targets.Tokens, body[off:])
	off += decodeFloat32s(s.Logits, body[off:])
	s.Loss = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
	off += 4
	for _, spec := range model.Layout(cfg) {
		g := make([]float32, spec.Size())
		off += decodeFloat32s(g, body[off:])
		s.Grads = append(s.Grads, g)
	}
	return s, nil
}

// debugStateBodySize is the byte size of inputs, targets, logits, loss and
// float32 gradients for a batch of shape (B, T).
func debugStateBodySize(B, T int, cfg model.Config) (int, bool) {
	bt, ok := mulSize(B, T)
	if !ok {
		return 0, false
	}
	logits, ok := mulSize(bt, cfg.VocabSize)
	if !ok {
		return 0, false
	}
	words, ok := sumSizes(bt, bt, logits, 1)
	if !ok {
		return 0, false
	}
	head, ok := mulSize(4, words)
	if !ok {
		return 0, false
	}
	grads, ok := modelBodySize(cfg, Float32)
	if !ok {
		return 0, false
	}
	return sumSizes(head, grads)
}

// LoadDebugState reads a debug state from path.
func LoadDebugState(path string, cfg model.Config) (*DebugState, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDebugState(bufio.NewReader(f), cfg)
}

// Report holds the largest absolute differences between a replay and a
// captured debug state.
type Report struct {
	LogitsDiff float64
	LossDiff   float64
	GradDiffs  map[string]float64 // keyed by parameter name
	WorstGrad  string
}

// MaxGradDiff returns the largest gradient difference across tensors.
func (r Report) MaxGradDiff() float64 {
	return r.GradDiffs[r.WorstGrad]
}

// Within reports whether every difference is at most tol. A NaN
// difference is never within tolerance.
func (r Report) Within(tol float64) bool {
	for _, d := range []float64{r.LogitsDiff, r.LossDiff, r.MaxGradDiff()} {
		if !(d <= tol) {
			return false
		}
	}
	return true
}

// Check replays the captured batch on m, which must match the state's
// shapes, and compares logits, loss and gradients. The gradients of m are
// zeroed before the replay.
func (s *DebugState) Check(m *model.GPT2Model) (Report, error) {
	specs := m.Params.Specs()
	if len(specs) != len(s.Grads) {
		return Report{}, fmt.Errorf("%w: state has %d gradient tensors, model has %d",
			errs.ErrCheckpointMismatch, len(s.Grads), len(specs))
	}

	replay, err := CaptureDebugState(m, s.Inputs, s.Targets)
	if err != nil {
		return Report{}, err
	}
	if len(replay.Logits) != len(s.Logits) {
		return Report{}, fmt.Errorf("%w: state has %d logits, replay produced %d",
			errs.ErrCheckpointMismatch, len(s.Logits), len(replay.Logits))
	}

	rep := Report{
		LogitsDiff: maxAbsDiff(s.Logits, replay.Logits),
		LossDiff:   math.Abs(float64(s.Loss - replay.Loss)),
		GradDiffs:  make(map[string]float64, len(specs)),
	}
	worst := -1.0
	for i, spec := range specs {
		if len(s.Grads[i]) != len(replay.Grads[i]) {
			return Report{}, fmt.Errorf("%w: gradient %s has %d values, expected %d",
				errs.ErrCheckpointMismatch, spec.Name(), len(s.Grads[i]), len(replay.Grads[i]))
		}
		d := maxAbsDiff(s.Grads[i], replay.Grads[i])
		rep.GradDiffs[spec.Name()] = d
		if math.IsNaN(worst) {
			continue
		}
		if d > worst || math.IsNaN(d) {
			worst, rep.WorstGrad = d, spec.Name()
		}
	}
	return rep, nil
}

func maxAbsDiff[F constraints.Float](a, b []F) float64 {
	var worst float64
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > worst || math.IsNaN(d) {
			worst = d
		}
	}
	return worst
}

func appendInt32s(buf []byte, vals []int32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	return buf
}

// decodeInt32s fills dst from src and returns the bytes consumed.
func decodeInt32s(dst []int32, src []byte) int {
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return 4 * len(dst)
}

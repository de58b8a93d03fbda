// Command train is the llm.c export driver: it exports the tokenizer, builds a
// GPT-2 model from a pretrained checkpoint or a preset, writes the parameter
// checkpoint and a debug state for one batch, runs a few optimizer steps on
// that batch and samples from the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"gpt2ref/pkg/checkpoint"
	"gpt2ref/pkg/console"
	"gpt2ref/pkg/data"
	"gpt2ref/pkg/hfcheckpoint"
	"gpt2ref/pkg/model"
	"gpt2ref/pkg/optim"
	"gpt2ref/pkg/tokenizer"
)

func main() {
	modelType := flag.String("model-type", "gpt2", "Preset: gpt2, gpt2-medium, gpt2-large or gpt2-xl")
	pretrained := flag.String("pretrained", "", "Hugging Face model.safetensors to load; random init when empty")
	tokPath := flag.String("tokenizer", "gpt2.tiktoken", "Tokenizer: tiktoken rank file or tokenizer.json")
	input := flag.String("input", "data/tiny_shakespeare_val.bin", "Token file of little-endian int32 ids")
	outDir := flag.String("out-dir", ".", "Directory for exported files")
	dtypes := flag.String("dtypes", "float32,bfloat16", "Comma separated checkpoint precisions to write")
	batchSize := flag.Int("batch-size", 4, "Batch size B")
	seqLen := flag.Int("seq-len", 64, "Sequence length T")
	iterations := flag.Int("num-iterations", 10, "Optimizer steps on the first batch")
	lr := flag.Float64("lr", 1e-4, "Learning rate")
	inferenceOnly := flag.Bool("inference-only", false, "Skip backward, exports and training")
	seed := flag.Uint64("seed", 42, "Seed for initialization and sampling")
	sampleTokens := flag.Int("sample-tokens", 16, "Tokens to sample after training")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	flag.Parse()

	out := console.New(*noColor)
	src := rand.NewPCG(*seed, *seed)

	tok, err := tokenizer.Load(*tokPath)
	if err != nil {
		out.Fatalf("loading tokenizer: %v", err)
	}
	vocabPath := filepath.Join(*outDir, "gpt2_tokenizer.bin")
	if err := checkpoint.SaveTokenizer(vocabPath, tok); err != nil {
		out.Fatalf("writing tokenizer: %v", err)
	}
	out.Printf("[light_magenta][ INIT ][reset] wrote %s (%d tokens)\n", vocabPath, tok.MaxTokenValue()+1)

	m, err := buildModel(*modelType, *pretrained, src)
	if err != nil {
		out.Fatalf("building model: %v", err)
	}
	cfg := m.Config
	out.Printf("[light_magenta][ INIT ][reset] %s: %d layers, %d heads, %d channels, %d parameters\n",
		*modelType, cfg.NumLayers, cfg.NumHeads, cfg.EmbeddingDim, m.NumParameters())

	tokens, err := data.LoadTokens(*input)
	if err != nil {
		out.Fatalf("loading tokens: %v", err)
	}
	loader, err := data.NewLoader(tokens, *batchSize, *seqLen)
	if err != nil {
		out.Fatalf("creating loader: %v", err)
	}
	x, y := loader.Next()

	if !*inferenceOnly {
		state, err := checkpoint.CaptureDebugState(m, x, y)
		if err != nil {
			out.Fatalf("forward/backward: %v", err)
		}
		out.Printf("[light_blue]loss on first batch: %.6f\n", state.Loss)

		name := fmt.Sprintf("gpt2_%dM", (m.NumParameters()+500_000)/1_000_000)
		for _, d := range strings.Split(*dtypes, ",") {
			dtype, err := checkpoint.ParseDType(strings.TrimSpace(d))
			if err != nil {
				out.Fatalf("%v", err)
			}
			path := filepath.Join(*outDir, name+dtypeSuffix(dtype)+".bin")
			if err := checkpoint.SaveModel(path, m, dtype); err != nil {
				out.Fatalf("writing checkpoint: %v", err)
			}
			out.Printf("[light_magenta][ SAVE ][reset] %s (%s)\n", path, dtype)
		}
		statePath := filepath.Join(*outDir, name+"_debug_state.bin")
		if err := checkpoint.SaveDebugState(statePath, state); err != nil {
			out.Fatalf("writing debug state: %v", err)
		}
		out.Printf("[light_magenta][ SAVE ][reset] %s\n", statePath)

		if err := train(out, m, x, y, *iterations, float32(*lr)); err != nil {
			out.Fatalf("training: %v", err)
		}
	}

	eot := tok.EOTID()
	if eot < 0 || eot >= cfg.VocabSize {
		out.Fatalf("tokenizer has no <|endoftext|> the model can embed")
	}
	start, err := model.NewBatch(1, 1, []int32{int32(eot)})
	if err != nil {
		out.Fatalf("%v", err)
	}
	opts := model.GenerateOptions{MaxNewTokens: *sampleTokens, Temperature: 1.0, TopK: 40}
	sample, err := model.Generate(context.Background(), m, start, opts, src)
	if err != nil {
		out.Fatalf("generating: %v", err)
	}
	ids := make([]int, len(sample.Tokens))
	for i, id := range sample.Tokens {
		ids[i] = int(id)
	}
	out.Printf("[light_green]sample:[reset] %s\n", tok.Decode(ids))
}

// buildModel loads a pretrained checkpoint when path is set, otherwise it
// randomly initializes the preset.
func buildModel(modelType, path string, src rand.Source) (*model.GPT2Model, error) {
	cfg, err := model.ConfigForModelType(modelType)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return model.NewInitialized(cfg, src)
	}
	st, err := hfcheckpoint.Open(path)
	if err != nil {
		return nil, err
	}
	return model.LoadPretrained(cfg, st)
}

func train(out *console.Printer, m *model.GPT2Model, x, y model.Batch, iterations int, lr float32) error {
	cfg := optim.DefaultConfig()
	cfg.LR = lr
	opt, err := optim.NewAdamW(m.Params.List(), cfg)
	if err != nil {
		return err
	}

	bar := out.Progress(iterations, "[light_blue]training")
	var loss float32
	began := time.Now()
	for i := 0; i < iterations; i++ {
		if _, loss, err = m.ForwardWithTargets(x, y); err != nil {
			return err
		}
		opt.ZeroGrad()
		if err := m.Backward(); err != nil {
			return err
		}
		opt.Step()
		bar.Describe(fmt.Sprintf("step %d loss %.4f", i+1, loss))
		if err := bar.Add(1); err != nil {
			return err
		}
	}
	out.Printf("trained %d steps in %v, final loss %.6f\n", iterations, time.Since(began).Round(time.Millisecond), loss)
	return nil
}

func dtypeSuffix(d checkpoint.DType) string {
	switch d {
	case checkpoint.BFloat16:
		return "_bf16"
	case checkpoint.Float16:
		return "_fp16"
	}
	return ""
}

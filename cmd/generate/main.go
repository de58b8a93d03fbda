package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"

	"gpt2ref/pkg/checkpoint"
	"gpt2ref/pkg/console"
	"gpt2ref/pkg/model"
	"gpt2ref/pkg/tokenizer"
)

func main() {
	// Define command line flags
	modelPath := flag.String("model", "gpt2_124M.bin", "Parameter checkpoint (any precision)")
	tokPath := flag.String("tokenizer", "gpt2.tiktoken", "Tokenizer: tiktoken rank file or tokenizer.json")
	prompt := flag.String("prompt", "Hello, I am", "Input prompt text; empty starts from <|endoftext|>")
	maxTokens := flag.Int("max-tokens", 32, "Number of tokens to generate")
	temperature := flag.Float64("temperature", 1.0, "Sampling temperature")
	topK := flag.Int("top-k", 40, "Sample from the k most likely tokens; 0 disables")
	seed := flag.Uint64("seed", 1337, "Sampling seed")
	noColor := flag.Bool("no-color", false, "Disable colored output")

	flag.Parse()
	out := console.New(*noColor)

	out.Printf("%s\n[light_blue]            GPT-2 Text Generation\n[reset]%s\n\n", strings.Repeat("=", 50), strings.Repeat("=", 50))

	mf, err := checkpoint.LoadModel(*modelPath)
	if err != nil {
		out.Fatalf("loading model: %v", err)
	}
	cfg := mf.Config()
	out.Printf("Model Configuration:\n")
	out.Printf("  Checkpoint:   %s (%s)\n", *modelPath, mf.DType)
	out.Printf("  Vocab Size:   %d\n", cfg.VocabSize)
	out.Printf("  Block Size:   %d\n", cfg.BlockSize)
	out.Printf("  Embedding:    %d\n", cfg.EmbeddingDim)
	out.Printf("  Heads:        %d\n", cfg.NumHeads)
	out.Printf("  Layers:       %d\n", cfg.NumLayers)
	out.Printf("  Parameters:   %d\n\n", mf.Model.NumParameters())

	tok, err := tokenizer.Load(*tokPath)
	if err != nil {
		out.Fatalf("loading tokenizer: %v", err)
	}

	// Encode the prompt
	var ids []int
	if *prompt == "" {
		ids = []int{tok.EOTID()}
	} else if ids, err = tok.Encode(*prompt, tokenizer.EncodeOptions{AllowedSpecial: []string{tokenizer.EndOfText}}); err != nil {
		out.Fatalf("encoding prompt: %v", err)
	}
	tokens := make([]int32, len(ids))
	for i, id := range ids {
		if id < 0 || id >= cfg.VocabSize {
			out.Fatalf("token %d is outside the model vocabulary of %d", id, cfg.VocabSize)
		}
		tokens[i] = int32(id)
	}
	idx, err := model.NewBatch(1, len(tokens), tokens)
	if err != nil {
		out.Fatalf("%v", err)
	}
	out.Printf("Input prompt: %q (%d tokens)\n\n", *prompt, len(tokens))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := model.GenerateOptions{MaxNewTokens: *maxTokens, Temperature: float32(*temperature), TopK: *topK}
	result, err := model.Generate(ctx, mf.Model, idx, opts, rand.NewPCG(*seed, *seed))
	if err != nil {
		out.Fatalf("generating: %v", err)
	}

	outputTokens := make([]int, len(result.Tokens))
	for i, id := range result.Tokens {
		outputTokens[i] = int(id)
	}

	out.Printf("[light_green]Generated text:[reset]\n%s\n\n", tok.Decode(outputTokens))
	out.Printf("  Input tokens:  %d\n", len(tokens))
	out.Printf("  Output tokens: %d\n", len(outputTokens))
	out.Printf("  New tokens:    %d\n", len(outputTokens)-len(tokens))
}

// Command inspect prints the header of exported files and verifies a debug
// state against a parameter checkpoint.
//
// Usage:
//
//	inspect [-no-color] FILE...
//	inspect -model gpt2_124M.bin -state gpt2_124M_debug_state.bin [-tol 1e-2]
package main

import (
	"bufio"
	"flag"
	"os"
	"slices"

	"gpt2ref/pkg/checkpoint"
	"gpt2ref/pkg/console"
)

func main() {
	modelPath := flag.String("model", "", "Parameter checkpoint to replay a debug state with")
	statePath := flag.String("state", "", "Debug state to verify")
	tol := flag.Float64("tol", 1e-2, "Largest accepted absolute difference")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	flag.Parse()

	out := console.New(*noColor)

	for _, path := range flag.Args() {
		if err := describe(out, path); err != nil {
			out.Fatalf("%s: %v", path, err)
		}
	}

	if *modelPath == "" && *statePath == "" {
		if flag.NArg() == 0 {
			flag.Usage()
			os.Exit(2)
		}
		return
	}
	if *modelPath == "" || *statePath == "" {
		out.Fatalf("-model and -state must be given together")
	}
	if !verify(out, *modelPath, *statePath, *tol) {
		os.Exit(1)
	}
}

func describe(out *console.Printer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	art, err := checkpoint.Read(bufio.NewReader(f))
	if err != nil {
		return err
	}

	out.Printf("[light_blue]%s[reset]: %s\n", path, art.Kind())
	switch a := art.(type) {
	case *checkpoint.ModelFile:
		cfg := a.Config()
		out.Printf("  version %d (%s)\n", a.Header.Version(), a.DType)
		out.Printf("  block_size %d, vocab_size %d, n_layer %d, n_head %d, n_embd %d\n",
			cfg.BlockSize, cfg.VocabSize, cfg.NumLayers, cfg.NumHeads, cfg.EmbeddingDim)
		out.Printf("  %d parameters, %d body bytes\n", a.Model.NumParameters(), checkpoint.ModelBodySize(cfg, a.DType))
	case *checkpoint.DebugStateHeader:
		out.Printf("  version %d, B %d, T %d\n", a.Header.Version(), a.B, a.T)
	case *checkpoint.Vocabulary:
		out.Printf("  %d tokens\n", a.Len())
		for id := 0; id < min(a.Len(), 8); id++ {
			out.Printf("  %5d %q\n", id, a.Tokens[id])
		}
		if a.Len() > 8 {
			last := a.Len() - 1
			out.Printf("  ...\n  %5d %q\n", last, a.Tokens[last])
		}
	}
	return nil
}

func verify(out *console.Printer, modelPath, statePath string, tol float64) bool {
	mf, err := checkpoint.LoadModel(modelPath)
	if err != nil {
		out.Fatalf("loading model: %v", err)
	}
	state, err := checkpoint.LoadDebugState(statePath, mf.Config())
	if err != nil {
		out.Fatalf("loading debug state: %v", err)
	}

	rep, err := state.Check(mf.Model)
	if err != nil {
		out.Fatalf("replaying: %v", err)
	}

	out.Printf("logits max diff %.3e\n", rep.LogitsDiff)
	out.Printf("loss   diff     %.3e (expected %.6f)\n", rep.LossDiff, state.Loss)
	names := make([]string, 0, len(rep.GradDiffs))
	for n := range rep.GradDiffs {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		if d := rep.GradDiffs[n]; !(d <= tol) {
			out.Printf("  [yellow]%s[reset] grad diff %.3e\n", n, d)
		}
	}
	out.Printf("worst grad %s %.3e\n", rep.WorstGrad, rep.MaxGradDiff())

	if !rep.Within(tol) {
		out.Printf("[red]FAIL[reset] differences exceed %g\n", tol)
		return false
	}
	out.Printf("[green]OK[reset] all differences within %g\n", tol)
	return true
}

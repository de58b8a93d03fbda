package model

import (
	"fmt"
	"math"

	"gpt2ref/pkg/errs"
	"gpt2ref/pkg/tensor"
)

// crossEntropy computes the mean negative log-likelihood of targets under
// softmax(logits), skipping positions whose target is IgnoreIndex. It also
// returns the row-wise probabilities needed by the backward pass and the
// number of contributing positions.
//
// logits: (rows, V), targets: (rows)
func crossEntropy(logits []float32, targets []int32, V int) (float32, []float32, int, error) {
	rows := len(targets)
	probs := make([]float32, rows*V)
	var sum float64
	count := 0

	for r, target := range targets {
		if target == IgnoreIndex {
			continue
		}
		if target < 0 || int(target) >= V {
			return 0, nil, 0, fmt.Errorf("%w: target %d at position %d outside vocabulary of %d",
				errs.ErrPrecondition, target, r, V)
		}
		row := probs[r*V : (r+1)*V]
		copy(row, logits[r*V:(r+1)*V])

		// log p[target] = logit[target] - logsumexp(logits)
		maxVal := row[0]
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		var z float64
		for _, v := range row {
			z += math.Exp(float64(v - maxVal))
		}
		sum += math.Log(z) + float64(maxVal) - float64(row[target])

		tensor.SoftmaxInPlace(row)
		count++
	}

	if count == 0 {
		return 0, nil, 0, fmt.Errorf("%w: every target is ignored, the loss is undefined", errs.ErrPrecondition)
	}
	return float32(sum / float64(count)), probs, count, nil
}

// crossEntropyBackward writes d(mean loss)/d(logits) into dlogits:
// (p - onehot(target)) / count for contributing rows, zero elsewhere.
func crossEntropyBackward(dlogits, probs []float32, targets []int32, V, count int) {
	scale := 1 / float32(count)
	for r, target := range targets {
		drow := dlogits[r*V : (r+1)*V]
		if target == IgnoreIndex {
			clear(drow)
			continue
		}
		prow := probs[r*V : (r+1)*V]
		for i, p := range prow {
			drow[i] = p * scale
		}
		drow[target] -= scale
	}
}

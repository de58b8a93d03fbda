package tensor

import "math"

// SoftmaxInPlace replaces row with softmax(row). The maximum is subtracted
// before exponentiation; entries equal to -Inf become exactly 0.
func SoftmaxInPlace(row []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}

	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - maxVal))
		row[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range row {
		row[i] *= inv
	}
}

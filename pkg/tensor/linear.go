package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// LinearForward computes out = inp · weightᵀ + bias.
//
// Shapes (row-major, flattened):
//
//	inp    (n, in)
//	weight (outDim, in)   nn.Linear convention
//	bias   (outDim) or nil
//	out    (n, outDim)
//
// Steps:
//  1. Broadcast the bias into every output row (or start from zero)
//  2. Accumulate inp · weightᵀ with a single SGEMM
func LinearForward(out, inp, weight, bias []float32, n, in, outDim int) {
	var beta float32
	if bias != nil {
		for i := 0; i < n; i++ {
			copy(out[i*outDim:(i+1)*outDim], bias)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(inp, n, in),
		general(weight, outDim, in),
		beta, general(out, n, outDim))
}

// LinearBackward accumulates the gradients of LinearForward.
//
//	dinp    (n, in)      += dout · weight
//	dweight (outDim, in) += doutᵀ · inp
//	dbias   (outDim)     += Σ_rows dout
//
// dinp and dbias may be nil when the caller does not need them.
func LinearBackward(dinp, dweight, dbias, dout, inp, weight []float32, n, in, outDim int) {
	if dinp != nil {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			general(dout, n, outDim),
			general(weight, outDim, in),
			1, general(dinp, n, in))
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		general(dout, n, outDim),
		general(inp, n, in),
		1, general(dweight, outDim, in))
	if dbias != nil {
		for i := 0; i < n; i++ {
			row := dout[i*outDim : (i+1)*outDim]
			for o, g := range row {
				dbias[o] += g
			}
		}
	}
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

package tensor

import "math"

// GELU approximation constants.
var (
	geluScale = math.Sqrt(2 / math.Pi)
)

const geluCoeff = 0.044715

// GELUForward writes GELU(inp) into out. Both slices must have the same length.
func GELUForward(out, inp []float32) {
	for i, v := range inp {
		x := float64(v)
		inner := geluScale * (x + geluCoeff*x*x*x)
		out[i] = float32(0.5 * x * (1 + math.Tanh(inner)))
	}
}

// GELUBackward accumulates dout * GELU'(inp) into dinp.
func GELUBackward(dinp, inp, dout []float32) {
	for i, v := range inp {
		x := float64(v)
		inner := geluScale * (x + geluCoeff*x*x*x)
		tanhOut := math.Tanh(inner)
		coshOut := math.Cosh(inner)
		sech2 := 1 / (coshOut * coshOut)
		local := 0.5*(1+tanhOut) + x*0.5*sech2*geluScale*(1+3*geluCoeff*x*x)
		dinp[i] += float32(local * float64(dout[i]))
	}
}

package kernels

import "math"

// MulSiluInto computes the SwiGLU product dst = silu(gate) * up.
func MulSiluInto(dst, gate, up []float32) {
	n := min(len(dst), len(gate), len(up))
	for i := 0; i < n; i++ {
		g := gate[i]
		dst[i] = (g / (1 + float32(math.Exp(float64(-g))))) * up[i]
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

package kernels

import "math"

// RMSNormInto computes dst[i] = x[i] * inv_rms * weight[i].
func RMSNormInto(dst, x, weight []float32, eps float32) {
	n := min(len(dst), len(x), len(weight))
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(x[i])
		sum += v * v
	}
	inv := float32(1.0 / math.Sqrt(sum/float64(n)+float64(eps)))
	for i := 0; i < n; i++ {
		dst[i] = x[i] * inv * weight[i]
	}
}

// RMSNorm64 is RMSNormInto evaluated entirely in float64.
func RMSNorm64(dst []float64, x, weight []float32, eps float32) {
	n := min(len(dst), len(x), len(weight))
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(x[i])
		sum += v * v
	}
	inv := 1.0 / math.Sqrt(sum/float64(n)+float64(eps))
	for i := 0; i < n; i++ {
		dst[i] = float64(x[i]) * inv * float64(weight[i])
	}
}

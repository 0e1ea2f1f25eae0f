package kernels

import "math"

func Dot(a, b []float32) float32 {
	n := min(len(a), len(b))
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func AddInto(dst, a, b []float32) {
	n := min(len(dst), len(a), len(b))
	for i := 0; i < n; i++ {
		dst[i] = a[i] + b[i]
	}
}

func AddScaled(dst, src []float32, scale float32) {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] += src[i] * scale
	}
}

func Argmax(v []float32) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// L2Norm accumulates in float64.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// MatVecT computes dst = transpose(mat) * vec where mat is GGML column-major
// [rows][cols]. Each output element is a contiguous dot product, which is
// the layout GGUF uses for linear weights (ne0 = input width).
func MatVecT(dst, mat []float32, rows, cols int, vec []float32) {
	if rows <= 0 || cols <= 0 {
		return
	}
	if len(dst) < cols || len(vec) < rows || len(mat) < rows*cols {
		return
	}
	for c := 0; c < cols; c++ {
		dst[c] = Dot(mat[c*rows:(c+1)*rows], vec[:rows])
	}
}

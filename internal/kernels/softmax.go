package kernels

import "math"

// SoftmaxInto writes softmax(x) into dst using max subtraction.
func SoftmaxInto(dst, x []float32) {
	n := min(len(dst), len(x))
	if n == 0 {
		return
	}
	maxV := x[0]
	for i := 1; i < n; i++ {
		if x[i] > maxV {
			maxV = x[i]
		}
	}
	var sum float64
	for i := 0; i < n; i++ {
		e := math.Exp(float64(x[i] - maxV))
		dst[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / sum)
	for i := 0; i < n; i++ {
		dst[i] *= inv
	}
}

// Softmax64 returns softmax(x) in float64.
func Softmax64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	Softmax64InPlace(out)
	return out
}

func Softmax64InPlace(x []float64) {
	if len(x) == 0 {
		return
	}
	maxV := x[0]
	for _, v := range x[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range x {
		x[i] = math.Exp(v - maxV)
		sum += x[i]
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}

// LogEps is added inside logarithms of probabilities.
const LogEps = 1e-10

// KL returns KL(p||q) = sum p * (log(p+eps) - log(q+eps)).
func KL(p, q []float64) float64 {
	n := min(len(p), len(q))
	var sum float64
	for i := 0; i < n; i++ {
		sum += p[i] * (math.Log(p[i]+LogEps) - math.Log(q[i]+LogEps))
	}
	return sum
}

// Entropy returns -sum p * log(p+eps).
func Entropy(p []float64) float64 {
	var sum float64
	for _, v := range p {
		sum -= v * math.Log(v+LogEps)
	}
	return sum
}

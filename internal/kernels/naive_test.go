package kernels

import (
	"math"
	"testing"
)

func TestDot(t *testing.T) {
	got := Dot([]float32{1, 2, 3}, []float32{4, 5, 6})
	if got != 32 {
		t.Fatalf("Dot = %v, want 32", got)
	}
}

func TestAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3}
	AddScaled(dst, []float32{1, 1, 1}, 2)
	want := []float32{3, 4, 5}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestArgmax(t *testing.T) {
	if got := Argmax([]float32{1, 5, 5, 2}); got != 1 {
		t.Fatalf("Argmax = %d, want 1 (first max wins)", got)
	}
	if got := Argmax(nil); got != -1 {
		t.Fatalf("Argmax(nil) = %d, want -1", got)
	}
}

func TestL2Norm(t *testing.T) {
	if got := L2Norm([]float32{3, 4}); got != 5 {
		t.Fatalf("L2Norm = %v, want 5", got)
	}
}

func TestMatVecT(t *testing.T) {
	mat := []float32{1, 4, 2, 5, 3, 6}
	vec := []float32{1, 1}
	dst := make([]float32, 3)
	MatVecT(dst, mat, 2, 3, vec)
	if dst[0] != 5 || dst[1] != 7 || dst[2] != 9 {
		t.Fatalf("MatVecT = %v, want [5 7 9]", dst)
	}
}

func TestRMSNormInto(t *testing.T) {
	x := []float32{3, 4}
	w := []float32{1, 2}
	dst := make([]float32, 2)
	RMSNormInto(dst, x, w, 0)
	rms := math.Sqrt((9 + 16) / 2.0)
	want := []float64{3 / rms, 8 / rms}
	for i := range want {
		if math.Abs(float64(dst[i])-want[i]) > 1e-5 {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}

	d64 := make([]float64, 2)
	RMSNorm64(d64, x, w, 0)
	for i := range want {
		if math.Abs(d64[i]-want[i]) > 1e-12 {
			t.Fatalf("RMSNorm64[%d] = %v, want %v", i, d64[i], want[i])
		}
	}
}

func TestMulSiluInto(t *testing.T) {
	dst := make([]float32, 2)
	MulSiluInto(dst, []float32{0, 1}, []float32{5, 2})
	if dst[0] != 0 {
		t.Fatalf("silu(0)*5 = %v, want 0", dst[0])
	}
	want := 2 / (1 + math.Exp(-1))
	if math.Abs(float64(dst[1])-want) > 1e-6 {
		t.Fatalf("silu(1)*2 = %v, want %v", dst[1], want)
	}
}

func TestSoftmax(t *testing.T) {
	dst := make([]float32, 3)
	SoftmaxInto(dst, []float32{1000, 1000, 1000})
	for i, v := range dst {
		if math.Abs(float64(v)-1.0/3) > 1e-6 {
			t.Fatalf("softmax[%d] = %v, want 1/3", i, v)
		}
	}

	p := Softmax64([]float32{0, math.Float32frombits(0x7f7fffff)})
	if p[1] != 1 || p[0] != 0 {
		t.Fatalf("Softmax64 = %v, want [0 1]", p)
	}
}

func TestKLAndEntropy(t *testing.T) {
	p := []float64{0.5, 0.5}
	if kl := KL(p, p); math.Abs(kl) > 1e-12 {
		t.Fatalf("KL(p,p) = %v, want 0", kl)
	}
	if kl := KL(p, []float64{0.9, 0.1}); kl <= 0 {
		t.Fatalf("KL = %v, want > 0", kl)
	}
	if h := Entropy(p); math.Abs(h-math.Ln2) > 1e-9 {
		t.Fatalf("Entropy = %v, want ln 2", h)
	}
	if h := Entropy([]float64{1, 0}); math.Abs(h) > 1e-9 {
		t.Fatalf("Entropy(one-hot) = %v, want 0", h)
	}
}

// Package tensor holds the dense float32 activations captured at hook
// points. Data is row-major and the leading batch dimension is always 1.
package tensor

import "fmt"

type Tensor struct {
	Shape []int
	Data  []float32
}

func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) ZerosLike() *Tensor { return New(t.Shape...) }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: append([]float32(nil), t.Data...)}
}

// SeqLen is the size of axis 1, the token axis of [1, seq, ...] tensors.
func (t *Tensor) SeqLen() int {
	if len(t.Shape) < 2 {
		return 0
	}
	return t.Shape[1]
}

// RowSize is the number of values per sequence position.
func (t *Tensor) RowSize() int {
	if t.SeqLen() == 0 {
		return 0
	}
	return len(t.Data) / t.SeqLen()
}

// Row returns the values at sequence position pos, sharing storage.
func (t *Tensor) Row(pos int) []float32 {
	n := t.RowSize()
	return t.Data[pos*n : (pos+1)*n]
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Scale returns a new tensor with every value multiplied by f.
func (t *Tensor) Scale(f float32) *Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] *= f
	}
	return out
}

// MeanOverPositions averages along the sequence axis and broadcasts the
// mean back to every position.
func (t *Tensor) MeanOverPositions() *Tensor {
	out := t.ZerosLike()
	seq, n := t.SeqLen(), t.RowSize()
	if seq == 0 {
		return out
	}
	mean := make([]float64, n)
	for p := 0; p < seq; p++ {
		for i, v := range t.Row(p) {
			mean[i] += float64(v)
		}
	}
	for p := 0; p < seq; p++ {
		row := out.Row(p)
		for i := range row {
			row[i] = float32(mean[i] / float64(seq))
		}
	}
	return out
}

// PatchPrefix returns a copy of t whose first min(seq_t, seq_src) positions
// are taken from src. Trailing dimensions must agree; otherwise t is
// returned unchanged (as a copy).
func (t *Tensor) PatchPrefix(src *Tensor) *Tensor {
	out := t.Clone()
	if t.RowSize() != src.RowSize() || len(t.Shape) != len(src.Shape) {
		return out
	}
	n := min(t.SeqLen(), src.SeqLen()) * t.RowSize()
	copy(out.Data[:n], src.Data[:n])
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

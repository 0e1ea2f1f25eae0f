package model

import "neuralmri-go/internal/kernels"

// LogitLens projects a residual-stream row through the final RMSNorm and
// the unembedding, entirely in float64.
func (m *Model) LogitLens(resid []float32) []float64 {
	d := m.cfg.DModel
	normed := make([]float64, d)
	kernels.RMSNorm64(normed, resid, m.outNorm, m.cfg.RMSEps)
	out := make([]float64, m.cfg.Vocab)
	for t := range out {
		row := m.output[t*d : (t+1)*d]
		var sum float64
		for i, x := range normed {
			sum += float64(row[i]) * x
		}
		out[t] = sum
	}
	return out
}

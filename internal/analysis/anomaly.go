package analysis

import (
	"context"
	"fmt"

	"neuralmri-go/internal/kernels"
	"neuralmri-go/internal/model"
)

const lensTopK = 3

// Anomaly projects every layer's residual output through the logit lens and
// scores each (layer, token) by its divergence from the final prediction
// and its own entropy. All maths runs in float64.
func (e *Engine) Anomaly(ctx context.Context, req AnomalyRequest) (*AnomalyData, error) {
	s := e.begin(ctx, ModeAnomaly)
	m, tokens, strTokens, err := e.prepare(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	logits, cache, err := m.Run(s.ctx, tokens)
	if err != nil {
		return nil, err
	}
	cfg := m.Config()
	seq := len(tokens)

	final := make([][]float64, seq)
	for p := range final {
		final[p] = kernels.Softmax64(logits.Row(p))
	}

	kl := make([][]float64, cfg.Layers)
	ent := make([][]float64, cfg.Layers)
	top := make([][][]TokenProb, cfg.Layers)
	var klRange, entRange minMax
	for l := 0; l < cfg.Layers; l++ {
		resid, err := cache.Get(model.HookResidPost(l))
		if err != nil {
			return nil, err
		}
		kl[l] = make([]float64, seq)
		ent[l] = make([]float64, seq)
		top[l] = make([][]TokenProb, seq)
		for p := 0; p < seq; p++ {
			probs := m.LogitLens(resid.Row(p))
			kernels.Softmax64InPlace(probs)
			kl[l][p] = kernels.KL(final[p], probs)
			ent[l][p] = kernels.Entropy(probs)
			top[l][p] = topProbs(m, probs, lensTopK)
		}
		klRange.add(kl[l]...)
		entRange.add(ent[l]...)
	}

	layers := make([]LayerAnomaly, cfg.Layers)
	for l := range layers {
		la := LayerAnomaly{
			LayerID:        fmt.Sprintf("blocks.%d", l),
			AnomalyScores:  make([]float64, seq),
			KLScores:       make([]float64, seq),
			EntropyScores:  make([]float64, seq),
			TopPredictions: top[l],
		}
		for p := 0; p < seq; p++ {
			kn, en := klRange.norm(kl[l][p]), entRange.norm(ent[l][p])
			la.KLScores[p] = round4(kn)
			la.EntropyScores[p] = round4(en)
			la.AnomalyScores[p] = round4(clamp01(AlphaKL*kn + BetaEntropy*en))
		}
		layers[l] = la
	}

	s.log.Info("FLAIR scan", "tokens", seq, "layers", len(layers), "elapsed_ms", s.elapsedMS())
	return &AnomalyData{
		ModelID:  m.ID(),
		ScanMode: ModeAnomaly,
		Tokens:   strTokens,
		Layers:   layers,
		Metadata: e.finish(s, map[string]any{
			"seq_len":      seq,
			"n_layers":     cfg.Layers,
			"alpha_kl":     AlphaKL,
			"beta_entropy": BetaEntropy,
		}),
	}, nil
}

// topProbs returns the k most probable tokens, ties broken by lower id.
func topProbs(m *model.Model, probs []float64, k int) []TokenProb {
	idx := kernels.TopK(probs, k)
	out := make([]TokenProb, len(idx))
	for i, id := range idx {
		out[i] = TokenProb{Token: m.DecodeToken(int32(id)), Prob: round4(probs[id])}
	}
	return out
}

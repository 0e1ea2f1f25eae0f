package analysis

import (
	"context"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/kernels"
)

// SAE decodes the residual stream at the decoder's hook point into sparse
// features for every token of the prompt.
func (e *Engine) SAE(ctx context.Context, req SAERequest) (*SAEData, error) {
	if e.saes == nil {
		return nil, errs.New(errs.ErrInternal, "SAE manager not configured")
	}
	s := e.begin(ctx, ModeSAE)
	m, tokens, strTokens, err := e.prepare(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	dec, info, err := e.saes.Get(s.ctx, m.ID(), req.Layer)
	if err != nil {
		return nil, err
	}
	hook := dec.HookName
	if hook == "" {
		hook = info.HookName(req.Layer)
	}
	if !m.HasHook(hook) {
		return nil, errs.Newf(errs.ErrInternal, "SAE hook %s is not produced by model %s", hook, m.ID())
	}
	if dec.DModel != m.Config().DModel {
		return nil, errs.Newf(errs.ErrInternal, "SAE d_in %d does not match model width %d", dec.DModel, m.Config().DModel)
	}

	_, cache, err := m.Run(s.ctx, tokens)
	if err != nil {
		return nil, err
	}
	acts, err := cache.Get(hook)
	if err != nil {
		return nil, err
	}

	seq := len(tokens)
	features := make([][]float64, seq)
	var sqErr float64
	active := 0
	globalMax := math.Inf(-1)
	for p := 0; p < seq; p++ {
		row := acts.Row(p)
		f := dec.Encode(row)
		recon := dec.Decode(f)
		for i, x := range row {
			d := float64(x) - recon[i]
			sqErr += d * d
		}
		for _, v := range f {
			if v > 0 {
				active++
			}
			globalMax = math.Max(globalMax, v)
		}
		features[p] = f
	}
	globalMax = math.Max(globalMax, 1e-8)
	reconLoss := sqErr / float64(seq*dec.DModel)
	sparsity := float64(active) / float64(seq*dec.DSAE)

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultSAETopK
	}
	topK = min(topK, dec.DSAE)

	union := roaring.New()
	tokenFeatures := make([]SAETokenFeatures, seq)
	for p, f := range features {
		top := kernels.TopK(f, topK)
		infos := make([]SAEFeatureInfo, len(top))
		for i, idx := range top {
			infos[i] = SAEFeatureInfo{
				FeatureIdx:           idx,
				Activation:           round4(f[idx]),
				ActivationNormalized: round4(f[idx] / globalMax),
			}
			if url := info.NeuronpediaURL(req.Layer, idx); url != "" {
				infos[i].NeuronpediaURL = &url
			}
			if f[idx] > 0 {
				union.Add(uint32(idx))
			}
		}
		tokenFeatures[p] = SAETokenFeatures{TokenIdx: p, TokenStr: strTokens[p], TopFeatures: infos}
	}

	heatIdx := make([]int, 0, union.GetCardinality())
	for _, idx := range union.ToArray() {
		heatIdx = append(heatIdx, int(idx))
	}
	heat := make([][]float64, seq)
	for p, f := range features {
		heat[p] = make([]float64, len(heatIdx))
		for c, idx := range heatIdx {
			heat[p][c] = round4(f[idx] / globalMax)
		}
	}

	s.log.Info("SAE scan", "layer", req.Layer, "tokens", seq, "active_features", len(heatIdx), "elapsed_ms", s.elapsedMS())
	return &SAEData{
		ModelID:               m.ID(),
		ScanMode:              ModeSAE,
		Prompt:                req.Prompt,
		LayerIdx:              req.Layer,
		HookName:              hook,
		DSAE:                  dec.DSAE,
		Tokens:                strTokens,
		TokenFeatures:         tokenFeatures,
		ReconstructionLoss:    roundTo(reconLoss, 6),
		Sparsity:              round4(sparsity),
		HeatmapFeatureIndices: heatIdx,
		HeatmapValues:         heat,
		Metadata: e.finish(s, map[string]any{
			"seq_len":               seq,
			"top_k":                 topK,
			"total_active_features": len(heatIdx),
		}),
	}, nil
}

package analysis

import (
	"context"
	"math"

	"neuralmri-go/internal/model"
	"neuralmri-go/internal/tensor"
)

func zeroHook(t *tensor.Tensor) *tensor.Tensor { return t.ZerosLike() }

// ablationImportances zero-ablates each patchable component in turn and
// returns the L2 distance between the baseline and ablated logits at
// target. One pass per component.
func ablationImportances(ctx context.Context, m *model.Model, tokens []int32, baseline *tensor.Tensor, target int) ([]model.Component, []float64, error) {
	comps := m.PatchableComponents()
	base := baseline.Row(target)
	raw := make([]float64, len(comps))
	for i, c := range comps {
		ablated, err := m.RunWithHooks(ctx, tokens, model.Hook{Name: c.Hook, Fn: zeroHook})
		if err != nil {
			return nil, nil, err
		}
		var sum float64
		for j, v := range ablated.Row(target) {
			d := float64(v) - float64(base[j])
			sum += d * d
		}
		raw[i] = math.Sqrt(sum)
	}
	return comps, raw, nil
}

func attentionHeads(m *model.Model, cache model.ActivationCache) ([]AttentionHead, error) {
	cfg := m.Config()
	var heads []AttentionHead
	for l := 0; l < cfg.Layers; l++ {
		pattern, err := cache.Get(model.HookPattern(l))
		if err != nil {
			return nil, err
		}
		seq := pattern.Shape[2]
		for h := 0; h < cfg.Heads; h++ {
			rows := make([][]float64, seq)
			for i := range rows {
				src := pattern.Data[(h*seq+i)*seq : (h*seq+i+1)*seq]
				rows[i] = make([]float64, seq)
				for j, v := range src {
					rows[i][j] = float64(v)
				}
			}
			heads = append(heads, AttentionHead{LayerIdx: l, HeadIdx: h, Pattern: rows})
		}
	}
	return heads, nil
}

func importances(comps []model.Component, raw []float64, threshold float64) []ComponentImportance {
	var rng minMax
	rng.add(raw...)
	out := make([]ComponentImportance, len(comps))
	for i, c := range comps {
		imp := round4(rng.norm(raw[i]))
		out[i] = ComponentImportance{LayerID: c.ID, Importance: imp, IsPathway: imp >= threshold}
	}
	return out
}

// Circuit captures attention patterns from one cached pass and ranks
// components by how far zero-ablating them moves the target logits.
func (e *Engine) Circuit(ctx context.Context, req CircuitRequest) (*CircuitData, error) {
	s := e.begin(ctx, ModeCircuit)
	m, tokens, strTokens, err := e.prepare(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = e.threshold
	}
	target := targetIndex(req.TargetTokenIdx, len(tokens))

	logits, cache, err := m.Run(s.ctx, tokens)
	if err != nil {
		return nil, err
	}
	heads, err := attentionHeads(m, cache)
	if err != nil {
		return nil, err
	}
	comps, raw, err := ablationImportances(s.ctx, m, tokens, logits, target)
	if err != nil {
		return nil, err
	}
	components := importances(comps, raw, threshold)

	connections := make([]PathwayConnection, 0, len(components))
	pathways := 0
	for i := 0; i+1 < len(components); i++ {
		strength := (components[i].Importance + components[i+1].Importance) / 2
		c := PathwayConnection{
			FromID:    components[i].LayerID,
			ToID:      components[i+1].LayerID,
			Strength:  round4(strength),
			IsPathway: strength >= threshold,
		}
		if c.IsPathway {
			pathways++
		}
		connections = append(connections, c)
	}

	s.log.Info("DTI scan", "tokens", len(tokens), "components", len(components), "pathways", pathways, "elapsed_ms", s.elapsedMS())
	return &CircuitData{
		ModelID:        m.ID(),
		ScanMode:       ModeCircuit,
		Tokens:         strTokens,
		TargetTokenIdx: target,
		Connections:    connections,
		Components:     components,
		AttentionHeads: heads,
		Metadata: e.finish(s, map[string]any{
			"seq_len":              len(tokens),
			"n_components_ablated": len(comps),
			"threshold":            threshold,
		}),
	}, nil
}

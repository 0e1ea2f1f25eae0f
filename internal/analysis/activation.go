package analysis

import (
	"context"
	"math"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/kernels"
	"neuralmri-go/internal/model"
	"neuralmri-go/internal/tensor"
)

type aggregator func([]float32) float64

func meanAbs(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += math.Abs(float64(x))
	}
	return sum / float64(len(v))
}

func aggregatorFor(name string) (aggregator, error) {
	switch name {
	case "", "l2":
		return kernels.L2Norm, nil
	case "mean":
		return meanAbs, nil
	}
	return nil, errs.Newf(errs.ErrInvalidInput, "unknown aggregation %q (want l2 or mean)", name)
}

// componentNorms holds the raw per-token magnitude of every component's
// output in component order, plus per-head norms for attention layers.
type componentNorms struct {
	ids     []string
	raw     [][]float64
	perHead map[string][][]float64
	rng     minMax
}

func (c *componentNorms) add(id string, vals []float64) {
	c.ids = append(c.ids, id)
	c.raw = append(c.raw, vals)
	c.rng.add(vals...)
}

func perToken(t *tensor.Tensor, agg aggregator) []float64 {
	out := make([]float64, t.SeqLen())
	for p := range out {
		out[p] = agg(t.Row(p))
	}
	return out
}

// measureComponents reads embed, attention z, mlp output and the final
// residual from one activation cache.
func measureComponents(m *model.Model, cache model.ActivationCache, agg aggregator) (*componentNorms, error) {
	cfg := m.Config()
	c := &componentNorms{perHead: make(map[string][][]float64, cfg.Layers)}

	embed, err := cache.Get(model.HookEmbed)
	if err != nil {
		return nil, err
	}
	c.add("embed", perToken(embed, agg))

	for l := 0; l < cfg.Layers; l++ {
		z, err := cache.Get(model.HookZ(l))
		if err != nil {
			return nil, err
		}
		c.add(model.AttnID(l), perToken(z, agg))
		c.perHead[model.AttnID(l)] = headNorms(z, cfg.Heads, cfg.DHead, agg)

		mlp, err := cache.Get(model.HookMLPOut(l))
		if err != nil {
			return nil, err
		}
		c.add(model.MLPID(l), perToken(mlp, agg))
	}

	final, err := cache.Get(model.HookResidPost(cfg.Layers - 1))
	if err != nil {
		return nil, err
	}
	c.add("unembed", perToken(final, agg))
	return c, nil
}

// headNorms returns [heads][seq] norms divided by the layer's largest head
// norm (or by 1 when that is zero).
func headNorms(z *tensor.Tensor, heads, dHead int, agg aggregator) [][]float64 {
	seq := z.SeqLen()
	out := make([][]float64, heads)
	var peak float64
	for h := range out {
		out[h] = make([]float64, seq)
		for p := 0; p < seq; p++ {
			row := z.Row(p)
			v := agg(row[h*dHead : (h+1)*dHead])
			out[h][p] = v
			peak = math.Max(peak, v)
		}
	}
	if peak == 0 {
		peak = 1
	}
	for h := range out {
		for p, v := range out[h] {
			out[h][p] = round4(clamp01(v / peak))
		}
	}
	return out
}

// Activation runs one pass and reports globally normalised per-token
// magnitudes for every component.
func (e *Engine) Activation(ctx context.Context, req ActivationRequest) (*ActivationData, error) {
	agg, err := aggregatorFor(req.Aggregation)
	if err != nil {
		return nil, err
	}
	s := e.begin(ctx, ModeActivation)
	m, tokens, strTokens, err := e.prepare(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	_, cache, err := m.Run(s.ctx, tokens)
	if err != nil {
		return nil, err
	}
	norms, err := measureComponents(m, cache, agg)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(req.Layers))
	for _, id := range req.Layers {
		want[id] = true
	}
	layers := make([]LayerActivation, 0, len(norms.ids))
	for i, id := range norms.ids {
		if len(want) > 0 && !want[id] {
			continue
		}
		layers = append(layers, LayerActivation{
			LayerID:     id,
			Activations: norms.rng.normAll(norms.raw[i]),
			PerHead:     norms.perHead[id],
		})
	}

	s.log.Info("fMRI scan", "tokens", len(tokens), "layers", len(layers), "elapsed_ms", s.elapsedMS())
	return &ActivationData{
		ModelID:  m.ID(),
		ScanMode: ModeActivation,
		Tokens:   strTokens,
		Layers:   layers,
		Metadata: e.finish(s, map[string]any{
			"seq_len":     len(tokens),
			"n_layers":    m.Config().Layers,
			"aggregation": aggregationName(req.Aggregation),
		}),
	}, nil
}

func aggregationName(s string) string {
	if s == "" {
		return "l2"
	}
	return s
}

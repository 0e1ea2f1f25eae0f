package perturb

import (
	"context"
	"time"

	"neuralmri-go/internal/kernels"
	"neuralmri-go/internal/logger"
	"neuralmri-go/internal/model"
	"neuralmri-go/internal/tensor"
)

// baselines holds the clean cached pass and the corrupt pass that every
// patch is measured against.
type baselines struct {
	clean, corrupt       *tensor.Tensor
	cleanCache           model.ActivationCache
	corruptTokens        []int32
	target               int
	best                 int
	cleanLogit, corLogit float64
}

func (e *Engine) runBaselines(ctx context.Context, m *model.Model, cleanPrompt, corruptPrompt string, targetIdx int) (*baselines, error) {
	cleanTokens, err := tokenize(m, cleanPrompt)
	if err != nil {
		return nil, err
	}
	corruptTokens, err := tokenize(m, corruptPrompt)
	if err != nil {
		return nil, err
	}
	// The target must exist in both runs.
	last := min(len(cleanTokens), len(corruptTokens)) - 1
	target := targetIdx
	if target < 0 {
		target = len(cleanTokens) - 1
	}
	target = min(target, last)

	clean, cache, err := m.Run(ctx, cleanTokens)
	if err != nil {
		return nil, err
	}
	corrupt, err := m.RunWithHooks(ctx, corruptTokens)
	if err != nil {
		return nil, err
	}
	b := &baselines{
		clean:         clean,
		corrupt:       corrupt,
		cleanCache:    cache,
		corruptTokens: corruptTokens,
		target:        target,
		best:          kernels.Argmax(clean.Row(target)),
	}
	b.cleanLogit = float64(clean.Row(target)[b.best])
	b.corLogit = float64(corrupt.Row(target)[b.best])
	return b, nil
}

// patched runs the corrupt prompt with the clean activation at hook
// substituted in, and returns the patched logits and recovery score.
func (b *baselines) patched(ctx context.Context, m *model.Model, hook string) (*tensor.Tensor, float64, error) {
	clean, err := b.cleanCache.Get(hook)
	if err != nil {
		return nil, 0, err
	}
	logits, err := m.RunWithHooks(ctx, b.corruptTokens, model.Hook{Name: hook, Fn: patchWith(clean)})
	if err != nil {
		return nil, 0, err
	}
	score := recovery(b.cleanLogit, b.corLogit, float64(logits.Row(b.target)[b.best]))
	return logits, score, nil
}

// Patch measures how much of the clean prediction is restored when one
// component's clean activation is patched into the corrupt run.
func (e *Engine) Patch(ctx context.Context, req PatchRequest) (*PatchResult, error) {
	start := time.Now()
	m, err := e.models.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := m.ResolveHook(req.Component)
	if err != nil {
		return nil, err
	}
	b, err := e.runBaselines(ctx, m, req.CleanPrompt, req.CorruptPrompt, req.TargetTokenIdx)
	if err != nil {
		return nil, err
	}
	logits, score, err := b.patched(ctx, m, hook)
	if err != nil {
		return nil, err
	}
	e.count("patch")

	ms := elapsedMS(start)
	logger.FromContext(ctx).Info("activation patch", "component", req.Component, "recovery", score, "elapsed_ms", ms)
	return &PatchResult{
		ModelID:           m.ID(),
		Component:         req.Component,
		CleanPrompt:       req.CleanPrompt,
		CorruptPrompt:     req.CorruptPrompt,
		CleanPrediction:   top1(m, b.clean.Row(b.target)),
		CorruptPrediction: top1(m, b.corrupt.Row(b.target)),
		PatchedPrediction: top1(m, logits.Row(b.target)),
		RecoveryScore:     round4(score),
		Metadata:          map[string]any{"target_token_idx": b.target, "compute_time_ms": ms},
	}, nil
}

func cellType(c model.Component) string {
	switch c.Type {
	case model.TypeAttention:
		return "attn"
	case model.TypeMLP:
		return "mlp"
	default:
		return "embed"
	}
}

// CausalTrace patches every component in turn. It runs one clean pass, one
// corrupt pass and one patched pass per component, nothing more.
func (e *Engine) CausalTrace(ctx context.Context, req CausalTraceRequest) (*CausalTraceResult, error) {
	start := time.Now()
	m, err := e.models.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	b, err := e.runBaselines(ctx, m, req.CleanPrompt, req.CorruptPrompt, req.TargetTokenIdx)
	if err != nil {
		return nil, err
	}

	comps := m.PatchableComponents()
	cells := make([]CausalTraceCell, 0, len(comps))
	for _, c := range comps {
		_, score, err := b.patched(ctx, m, c.Hook)
		if err != nil {
			return nil, err
		}
		cells = append(cells, CausalTraceCell{
			Component:     c.ID,
			LayerIdx:      c.Layer,
			ComponentType: cellType(c),
			RecoveryScore: round4(score),
		})
	}
	e.count("causal_trace")

	ms := elapsedMS(start)
	logger.FromContext(ctx).Info("causal trace", "components", len(cells), "elapsed_ms", ms)
	return &CausalTraceResult{
		ModelID:           m.ID(),
		CleanPrompt:       req.CleanPrompt,
		CorruptPrompt:     req.CorruptPrompt,
		TargetTokenIdx:    b.target,
		CleanPrediction:   m.DecodeToken(int32(b.best)),
		CorruptPrediction: m.DecodeToken(int32(kernels.Argmax(b.corrupt.Row(b.target)))),
		Cells:             cells,
		NLayers:           m.Config().Layers,
		Metadata:          map[string]any{"compute_time_ms": ms},
	}, nil
}

// Package perturb runs interventions against the resident model: zeroing,
// amplifying or mean-ablating one component's output, and patching clean
// activations into a corrupt run.
package perturb

import (
	"context"
	"log/slog"
	"math"
	"time"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/kernels"
	"neuralmri-go/internal/logger"
	"neuralmri-go/internal/metrics"
	"neuralmri-go/internal/model"
	"neuralmri-go/internal/tensor"
)

// recoveryEpsilon is the smallest clean-corrupt logit gap that yields a
// recovery score.
const recoveryEpsilon = 1e-6

type Engine struct {
	models  *model.Manager
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewEngine(models *model.Manager, m *metrics.Metrics) *Engine {
	return &Engine{models: models, metrics: m, log: logger.WithComponent("perturb")}
}

func (e *Engine) count(kind string) {
	if e.metrics != nil {
		e.metrics.PerturbationsTotal.WithLabelValues(kind).Inc()
	}
}

func elapsedMS(start time.Time) float64 {
	return roundTo(float64(time.Since(start).Microseconds())/1000, 1)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.RoundToEven(v*p) / p
}

func round4(v float64) float64 { return roundTo(v, 4) }

func tokenize(m *model.Model, prompt string) ([]int32, error) {
	if prompt == "" {
		return nil, errs.New(errs.ErrInvalidInput, "prompt must not be empty")
	}
	return m.ToTokens(prompt)
}

// ZeroOut replaces the component's output with zeros.
func (e *Engine) ZeroOut(ctx context.Context, req ComponentRequest) (*PerturbResult, error) {
	return e.perturb(ctx, req.Component, req.Prompt, TypeZeroOut, nil, func(t, _ *tensor.Tensor) *tensor.Tensor {
		return t.ZerosLike()
	})
}

// Amplify multiplies the component's output by the request factor.
func (e *Engine) Amplify(ctx context.Context, req AmplifyRequest) (*PerturbResult, error) {
	f := req.factor()
	return e.perturb(ctx, req.Component, req.Prompt, TypeAmplify, map[string]any{"factor": f}, func(t, _ *tensor.Tensor) *tensor.Tensor {
		return t.Scale(float32(f))
	})
}

// Ablate replaces the component's output with its baseline mean over
// positions, broadcast back to every position.
func (e *Engine) Ablate(ctx context.Context, req ComponentRequest) (*PerturbResult, error) {
	return e.perturb(ctx, req.Component, req.Prompt, TypeAblate, nil, func(_, baseline *tensor.Tensor) *tensor.Tensor {
		return baseline.MeanOverPositions()
	})
}

// substitution builds the replacement from the live hook value and the
// value the same hook produced in the baseline pass.
type substitution func(value, baseline *tensor.Tensor) *tensor.Tensor

func (e *Engine) perturb(ctx context.Context, component, prompt, kind string, extra map[string]any, sub substitution) (*PerturbResult, error) {
	start := time.Now()
	m, err := e.models.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	hook, err := m.ResolveHook(component)
	if err != nil {
		return nil, err
	}
	tokens, err := tokenize(m, prompt)
	if err != nil {
		return nil, err
	}
	target := len(tokens) - 1

	orig, cache, err := m.Run(ctx, tokens)
	if err != nil {
		return nil, err
	}
	baseline, err := cache.Get(hook)
	if err != nil {
		return nil, err
	}
	pert, err := m.RunWithHooks(ctx, tokens, model.Hook{Name: hook, Fn: func(t *tensor.Tensor) *tensor.Tensor {
		return sub(t, baseline)
	}})
	if err != nil {
		return nil, err
	}
	e.count(kind)

	res := compare(m, orig.Row(target), pert.Row(target))
	res.ModelID = m.ID()
	res.Component = component
	res.PerturbationType = kind
	meta := map[string]any{"target_token_idx": target}
	for k, v := range extra {
		meta[k] = v
	}
	meta["compute_time_ms"] = elapsedMS(start)
	res.Metadata = meta

	logger.FromContext(ctx).Info("perturbation", "type", kind, "component", component, "kl", res.KLDivergence, "elapsed_ms", meta["compute_time_ms"])
	return res, nil
}

// predictions returns the top-k tokens of one logit row by probability.
func predictions(m *model.Model, logits []float32, k int) []TokenPrediction {
	probs := kernels.Softmax64(logits)
	idx := kernels.TopK(probs, k)
	out := make([]TokenPrediction, len(idx))
	for i, id := range idx {
		out[i] = TokenPrediction{
			Token: m.DecodeToken(int32(id)),
			Logit: round4(float64(logits[id])),
			Prob:  round4(probs[id]),
		}
	}
	return out
}

func top1(m *model.Model, logits []float32) TokenPrediction {
	return predictions(m, logits, 1)[0]
}

// compare fills the prediction, logit-diff and KL fields for one position.
func compare(m *model.Model, orig, pert []float32) *PerturbResult {
	origTop := predictions(m, orig, predictionTopK)
	pertTop := predictions(m, pert, predictionTopK)
	best := kernels.Argmax(orig)
	return &PerturbResult{
		Original:      origTop[0],
		Perturbed:     pertTop[0],
		TopKOriginal:  origTop,
		TopKPerturbed: pertTop,
		LogitDiff:     round4(float64(pert[best]) - float64(orig[best])),
		KLDivergence:  round4(kernels.KL(kernels.Softmax64(orig), kernels.Softmax64(pert))),
	}
}

// recovery is (patched-corrupt)/(clean-corrupt) clamped to [0,1], or 0 when
// the clean and corrupt logits are indistinguishable.
func recovery(clean, corrupt, patched float64) float64 {
	denom := clean - corrupt
	if math.Abs(denom) <= recoveryEpsilon {
		return 0
	}
	return math.Max(0, math.Min(1, (patched-corrupt)/denom))
}

// patchWith substitutes the clean activation over the positions both runs
// share.
func patchWith(clean *tensor.Tensor) model.HookFunc {
	return func(t *tensor.Tensor) *tensor.Tensor { return t.PatchPrefix(clean) }
}

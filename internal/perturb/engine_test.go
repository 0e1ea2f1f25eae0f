package perturb

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/metrics"
	"neuralmri-go/internal/model"
	"neuralmri-go/internal/tensor"
)

const (
	cleanPrompt   = "The capital of France is"
	corruptPrompt = "The capital of Germany is"
)

func newTestEngine(t *testing.T) (*Engine, *model.Model, *metrics.Metrics) {
	t.Helper()
	m, err := model.NewRandom("test-model", model.SyntheticConfig(), 1)
	require.NoError(t, err)
	mg := model.NewManager("auto")
	mg.LoadModel(m)
	met := metrics.New()
	return NewEngine(mg, met), m, met
}

func TestRecovery(t *testing.T) {
	assert.Equal(t, 0.5, recovery(2, 0, 1))
	assert.Equal(t, 1.0, recovery(2, 0, 5))
	assert.Equal(t, 0.0, recovery(2, 0, -1))
	assert.Equal(t, 0.0, recovery(1, 1+1e-7, 3))
	assert.Equal(t, 1.0, recovery(-1, 1, -1))
}

func TestZeroOut(t *testing.T) {
	e, m, met := newTestEngine(t)
	before := m.Passes()
	res, err := e.ZeroOut(context.Background(), ComponentRequest{Component: "blocks.0.mlp", Prompt: cleanPrompt})
	require.NoError(t, err)
	assert.Equal(t, before+2, m.Passes())

	assert.Equal(t, TypeZeroOut, res.PerturbationType)
	assert.Equal(t, "test-model", res.ModelID)
	require.Len(t, res.TopKOriginal, 5)
	require.Len(t, res.TopKPerturbed, 5)
	assert.Equal(t, res.TopKOriginal[0], res.Original)
	for i := 1; i < 5; i++ {
		assert.GreaterOrEqual(t, res.TopKOriginal[i-1].Prob, res.TopKOriginal[i].Prob)
	}
	assert.GreaterOrEqual(t, res.KLDivergence, 0.0)
	assert.Contains(t, res.Metadata, "compute_time_ms")
	assert.Equal(t, 1.0, testutil.ToFloat64(met.PerturbationsTotal.WithLabelValues(TypeZeroOut)))
}

func TestAmplifyIdentity(t *testing.T) {
	e, _, _ := newTestEngine(t)
	one := 1.0
	res, err := e.Amplify(context.Background(), AmplifyRequest{Component: "blocks.1.attn", Prompt: cleanPrompt, Factor: &one})
	require.NoError(t, err)
	assert.InDelta(t, 0, res.KLDivergence, 1e-6)
	assert.InDelta(t, 0, res.LogitDiff, 1e-6)
	assert.Equal(t, res.TopKOriginal, res.TopKPerturbed)
	assert.Equal(t, 1.0, res.Metadata["factor"])
}

func TestAmplifyDefaultFactor(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.Amplify(context.Background(), AmplifyRequest{Component: "embed", Prompt: cleanPrompt})
	require.NoError(t, err)
	assert.Equal(t, DefaultAmplifyFactor, res.Metadata["factor"])
	assert.Greater(t, res.KLDivergence, 0.0)
}

func TestAblate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.Ablate(context.Background(), ComponentRequest{Component: "blocks.0.attn", Prompt: cleanPrompt})
	require.NoError(t, err)
	assert.Equal(t, TypeAblate, res.PerturbationType)
	assert.Greater(t, res.KLDivergence, 0.0)
}

func TestUnknownComponent(t *testing.T) {
	e, m, _ := newTestEngine(t)
	before := m.Passes()
	for _, id := range []string{"unembed", "blocks.9.attn", "blocks.0.ln1", "attn"} {
		_, err := e.ZeroOut(context.Background(), ComponentRequest{Component: id, Prompt: cleanPrompt})
		require.Error(t, err, id)
		assert.ErrorIs(t, err, errs.ErrUnknownComponent)
		assert.Equal(t, "Unknown component: "+id, err.Error())
	}
	assert.Equal(t, before, m.Passes())
}

func TestNotLoaded(t *testing.T) {
	e := NewEngine(model.NewManager("auto"), nil)
	_, err := e.CausalTrace(context.Background(), CausalTraceRequest{CleanPrompt: cleanPrompt, CorruptPrompt: corruptPrompt})
	assert.ErrorIs(t, err, errs.ErrModelNotLoaded)
}

func TestPatchEmbedFullyRecovers(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.Patch(context.Background(), PatchRequest{
		CleanPrompt:    cleanPrompt,
		CorruptPrompt:  corruptPrompt,
		Component:      "embed",
		TargetTokenIdx: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.RecoveryScore)
	assert.Equal(t, res.CleanPrediction, res.PatchedPrediction)
	assert.Equal(t, 5, res.Metadata["target_token_idx"])
}

func TestPatchIdenticalPromptsIsZero(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.Patch(context.Background(), PatchRequest{
		CleanPrompt:    cleanPrompt,
		CorruptPrompt:  cleanPrompt,
		Component:      "blocks.0.attn",
		TargetTokenIdx: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.RecoveryScore)
}

func TestPatchDifferentLengths(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res, err := e.Patch(context.Background(), PatchRequest{
		CleanPrompt:    cleanPrompt,
		CorruptPrompt:  "The cat",
		Component:      "blocks.1.mlp",
		TargetTokenIdx: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Metadata["target_token_idx"])
	assert.GreaterOrEqual(t, res.RecoveryScore, 0.0)
	assert.LessOrEqual(t, res.RecoveryScore, 1.0)
}

func TestCausalTrace(t *testing.T) {
	e, m, met := newTestEngine(t)
	before := m.Passes()
	res, err := e.CausalTrace(context.Background(), CausalTraceRequest{
		CleanPrompt:    cleanPrompt,
		CorruptPrompt:  corruptPrompt,
		TargetTokenIdx: -1,
	})
	require.NoError(t, err)

	n := m.Config().Layers
	assert.Equal(t, before+int64(2+2*n+1), m.Passes())
	assert.Equal(t, n, res.NLayers)
	assert.Equal(t, 5, res.TargetTokenIdx)
	require.Len(t, res.Cells, 1+2*n)

	assert.Equal(t, CausalTraceCell{Component: "embed", LayerIdx: -1, ComponentType: "embed", RecoveryScore: 1}, res.Cells[0])
	assert.Equal(t, "blocks.0.attn", res.Cells[1].Component)
	assert.Equal(t, "attn", res.Cells[1].ComponentType)
	assert.Equal(t, 0, res.Cells[1].LayerIdx)
	assert.Equal(t, "mlp", res.Cells[4].ComponentType)
	assert.Equal(t, 1, res.Cells[4].LayerIdx)
	for _, c := range res.Cells {
		assert.GreaterOrEqual(t, c.RecoveryScore, 0.0)
		assert.LessOrEqual(t, c.RecoveryScore, 1.0)
	}
	assert.NotEmpty(t, res.CleanPrediction)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.PerturbationsTotal.WithLabelValues("causal_trace")))
}

func TestCausalTraceInertComponentIsZero(t *testing.T) {
	e, m, _ := newTestEngine(t)
	for _, p := range m.Params() {
		if p.Name == "blocks.1.attn.W_O" {
			clear(p.Data)
		}
	}

	res, err := e.CausalTrace(context.Background(), CausalTraceRequest{
		CleanPrompt:    cleanPrompt,
		CorruptPrompt:  corruptPrompt,
		TargetTokenIdx: -1,
	})
	require.NoError(t, err)
	cells := map[string]float64{}
	for _, c := range res.Cells {
		cells[c.Component] = c.RecoveryScore
	}
	assert.Equal(t, 1.0, cells["embed"])
	assert.Equal(t, 0.0, cells["blocks.1.attn"])
}

func TestRecoveryGrowsWithPatchedPrefix(t *testing.T) {
	e, m, _ := newTestEngine(t)
	ctx := context.Background()
	b, err := e.runBaselines(ctx, m, cleanPrompt, corruptPrompt, -1)
	require.NoError(t, err)
	clean, err := b.cleanCache.Get(model.HookEmbed)
	require.NoError(t, err)

	// The prompts differ only at position 4.
	seq := clean.SeqLen()
	require.Equal(t, 6, seq)
	prev := -1.0
	for k := 0; k <= seq; k++ {
		prefix := func(x *tensor.Tensor) *tensor.Tensor {
			out := x.Clone()
			n := k * x.RowSize()
			copy(out.Data[:n], clean.Data[:n])
			return out
		}
		logits, err := m.RunWithHooks(ctx, b.corruptTokens, model.Hook{Name: model.HookEmbed, Fn: prefix})
		require.NoError(t, err)
		score := recovery(b.cleanLogit, b.corLogit, float64(logits.Row(b.target)[b.best]))

		assert.GreaterOrEqual(t, score, prev, "prefix %d", k)
		if k <= 4 {
			assert.Equal(t, 0.0, score, "prefix %d", k)
		} else {
			assert.Equal(t, 1.0, score, "prefix %d", k)
		}
		prev = score
	}
}

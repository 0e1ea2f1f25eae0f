package model

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/tensor"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewRandom("test-model", SyntheticConfig(), 1)
	require.NoError(t, err)
	return m
}

func testTokens(t *testing.T, m *Model) []int32 {
	t.Helper()
	ids, err := m.ToTokens("The capital of France is")
	require.NoError(t, err)
	return ids
}

func TestComponentsOrder(t *testing.T) {
	m := newTestModel(t)
	comps := m.Components()
	require.Len(t, comps, 2+2*m.Config().Layers)
	assert.Equal(t, "embed", comps[0].ID)
	assert.Equal(t, TypeEmbed, comps[0].Type)
	assert.Equal(t, "blocks.0.attn", comps[1].ID)
	assert.Equal(t, "blocks.0.hook_attn_out", comps[1].Hook)
	assert.Equal(t, "blocks.1.mlp", comps[4].ID)
	assert.Equal(t, 1, comps[4].Layer)
	assert.Equal(t, "unembed", comps[5].ID)
	assert.Equal(t, TypeOutput, comps[5].Type)
	assert.Len(t, m.PatchableComponents(), 5)
}

func TestResolveHook(t *testing.T) {
	m := newTestModel(t)
	cases := map[string]string{
		"embed":         "hook_embed",
		"blocks.0.attn": "blocks.0.hook_attn_out",
		"blocks.1.mlp":  "blocks.1.hook_mlp_out",
	}
	for id, want := range cases {
		got, err := m.ResolveHook(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"unembed", "blocks.2.attn", "blocks.x.mlp", "blocks.0.ln1", ""} {
		_, err := m.ResolveHook(bad)
		assert.ErrorIs(t, err, errs.ErrUnknownComponent, bad)
	}
}

func TestRunCapturesHookShapes(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)
	seq := len(ids)
	cfg := m.Config()

	logits, cache, err := m.Run(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []int{1, seq, cfg.Vocab}, logits.Shape)
	assert.Equal(t, []int{1, seq, cfg.DModel}, cache[HookEmbed].Shape)
	for l := 0; l < cfg.Layers; l++ {
		assert.Equal(t, []int{1, seq, cfg.Heads, cfg.DHead}, cache[HookZ(l)].Shape)
		assert.Equal(t, []int{1, cfg.Heads, seq, seq}, cache[HookPattern(l)].Shape)
		for _, h := range []string{HookResidPre(l), HookAttnOut(l), HookResidMid(l), HookMLPOut(l), HookResidPost(l)} {
			assert.Equal(t, []int{1, seq, cfg.DModel}, cache[h].Shape, h)
		}
	}
	assert.Len(t, cache, 1+7*cfg.Layers)
}

func TestAttentionPatternIsCausalDistribution(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)
	seq := len(ids)
	_, cache, err := m.Run(context.Background(), ids)
	require.NoError(t, err)

	pat := cache[HookPattern(0)]
	for h := 0; h < m.Config().Heads; h++ {
		for i := 0; i < seq; i++ {
			row := pat.Data[(h*seq+i)*seq : (h*seq+i+1)*seq]
			var sum float64
			for j, v := range row {
				if j > i {
					assert.Zero(t, v)
				}
				sum += float64(v)
			}
			assert.InDelta(t, 1.0, sum, 1e-5)
		}
	}
}

func TestResidualStreamAddsUp(t *testing.T) {
	m := newTestModel(t)
	_, cache, err := m.Run(context.Background(), testTokens(t, m))
	require.NoError(t, err)

	pre, attn, mid := cache[HookResidPre(1)], cache[HookAttnOut(1)], cache[HookResidMid(1)]
	mlp, post := cache[HookMLPOut(1)], cache[HookResidPost(1)]
	for i := range pre.Data {
		assert.InDelta(t, pre.Data[i]+attn.Data[i], mid.Data[i], 1e-5)
		assert.InDelta(t, mid.Data[i]+mlp.Data[i], post.Data[i], 1e-5)
	}
	assert.Equal(t, cache[HookResidPost(0)].Data, cache[HookResidPre(1)].Data)
}

func TestRunWithHooksIdentityMatchesRun(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)
	base, _, err := m.Run(context.Background(), ids)
	require.NoError(t, err)

	identity := func(x *tensor.Tensor) *tensor.Tensor { return x }
	got, err := m.RunWithHooks(context.Background(), ids,
		Hook{Name: HookAttnOut(0), Fn: identity},
		Hook{Name: HookMLPOut(1), Fn: identity},
	)
	require.NoError(t, err)
	assert.Equal(t, base.Data, got.Data)
}

func TestRunWithHooksSubstitutes(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)
	base, _, err := m.Run(context.Background(), ids)
	require.NoError(t, err)

	seen := map[string]*tensor.Tensor{}
	capture := func(name string) Hook {
		return Hook{Name: name, Fn: func(x *tensor.Tensor) *tensor.Tensor {
			seen[name] = x.Clone()
			return x
		}}
	}
	zero := func(x *tensor.Tensor) *tensor.Tensor { return x.ZerosLike() }
	got, err := m.RunWithHooks(context.Background(), ids,
		Hook{Name: HookMLPOut(0), Fn: zero},
		capture(HookMLPOut(0)),
		capture(HookResidMid(0)),
		capture(HookResidPost(0)),
	)
	require.NoError(t, err)
	assert.NotEqual(t, base.Data, got.Data)
	for _, v := range seen[HookMLPOut(0)].Data {
		require.Zero(t, v)
	}
	assert.Equal(t, seen[HookResidMid(0)].Data, seen[HookResidPost(0)].Data)
}

func TestRunWithHooksErrors(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)

	_, err := m.RunWithHooks(context.Background(), ids, Hook{Name: "blocks.9.hook_mlp_out", Fn: func(x *tensor.Tensor) *tensor.Tensor { return x }})
	assert.ErrorIs(t, err, errs.ErrUnknownComponent)

	_, err = m.RunWithHooks(context.Background(), ids, Hook{Name: HookEmbed, Fn: func(*tensor.Tensor) *tensor.Tensor { return tensor.New(1, 1, 1) }})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = m.RunWithHooks(context.Background(), []int32{int32(m.Config().Vocab)})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, _, err = m.Run(context.Background(), nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestRunCancelledContext(t *testing.T) {
	m := newTestModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := m.Run(ctx, testTokens(t, m))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Passes())
}

func TestPassCounterAndObserver(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)
	var observed int
	m.SetPassObserver(func() { observed++ })

	_, _, err := m.Run(context.Background(), ids)
	require.NoError(t, err)
	_, err = m.RunWithHooks(context.Background(), ids)
	require.NoError(t, err)
	assert.EqualValues(t, 2, m.Passes())
	assert.Equal(t, 2, observed)
}

func TestLogitLensOfFinalResidualMatchesLogits(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)
	logits, cache, err := m.Run(context.Background(), ids)
	require.NoError(t, err)

	final := cache[HookResidPost(m.Config().Layers-1)]
	last := len(ids) - 1
	lens := m.LogitLens(final.Row(last))
	for i, v := range logits.Row(last) {
		require.InDelta(t, float64(v), lens[i], 1e-3)
	}
}

func TestTokensStartWithBOS(t *testing.T) {
	m := newTestModel(t)
	ids := testTokens(t, m)
	strs := m.ToStrTokens(ids)
	assert.Equal(t, EndOfText, strs[0])
	assert.Equal(t, []string{EndOfText, "The", " capital", " of", " France", " is"}, strs)
	assert.Equal(t, " France", m.DecodeToken(ids[4]))
}

func TestParamsAndTotals(t *testing.T) {
	m := newTestModel(t)
	cfg := m.Config()
	params := m.Params()
	require.Len(t, params, 1+9*cfg.Layers+2)
	assert.Equal(t, "embed.W_E", params[0].Name)
	assert.Equal(t, "blocks.0.attn.W_Q", params[2].Name)
	assert.Equal(t, []int{cfg.Heads * cfg.DHead, cfg.DModel}, params[2].Shape)
	assert.Equal(t, "unembed.W_U", params[len(params)-1].Name)

	var want int64
	for _, p := range params {
		want += int64(len(p.Data))
	}
	assert.Equal(t, want, m.TotalParams())
}

func TestGGUFRoundTrip(t *testing.T) {
	for _, name := range []string{"synthetic.gguf", "synthetic.gguf.zst"} {
		t.Run(name, func(t *testing.T) {
			m := newTestModel(t)
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, m.WriteGGUF(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, "test-model", loaded.ID())
			assert.Equal(t, m.Config(), loaded.Config())
			assert.False(t, loaded.TiedEmbeddings())

			ids := testTokens(t, m)
			got, err := loaded.ToTokens("The capital of France is")
			require.NoError(t, err)
			assert.Equal(t, ids, got)

			want, _, err := m.Run(context.Background(), ids)
			require.NoError(t, err)
			have, _, err := loaded.Run(context.Background(), ids)
			require.NoError(t, err)
			for i := range want.Data {
				require.False(t, math.IsNaN(float64(have.Data[i])))
				require.InDelta(t, want.Data[i], have.Data[i], 1e-5)
			}
		})
	}
}

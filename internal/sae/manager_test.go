package sae

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/metrics"
)

type countingLoader struct {
	calls int
}

func (l *countingLoader) Load(_ context.Context, info Info, layer int) (*Decoder, error) {
	l.calls++
	return NewRandomDecoder(info.HookName(layer), 4, 8, int64(layer)), nil
}

func TestManagerCachesSameLayer(t *testing.T) {
	l := &countingLoader{}
	m := metrics.New()
	mgr := NewManager(nil, l, m)
	ctx := context.Background()

	d1, info, err := mgr.Get(ctx, "gpt2", 3)
	require.NoError(t, err)
	assert.Equal(t, "gpt2-small-res-jb", info.Release)
	d2, _, err := mgr.Get(ctx, "gpt2", 3)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, 1, l.calls)

	_, _, err = mgr.Get(ctx, "gpt2", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, l.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SAELoadsTotal.WithLabelValues("gpt2")))

	id, layer, ok := mgr.Resident()
	assert.True(t, ok)
	assert.Equal(t, "gpt2", id)
	assert.Equal(t, 4, layer)
}

func TestManagerUnsupportedUnloadsFirst(t *testing.T) {
	mgr := NewManager(nil, &countingLoader{}, nil)
	ctx := context.Background()
	_, _, err := mgr.Get(ctx, "gpt2", 0)
	require.NoError(t, err)

	_, _, err = mgr.Get(ctx, "pythia-70m", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedModel))
	assert.Equal(t, "No SAE available for model: pythia-70m", err.Error())
	_, _, ok := mgr.Resident()
	assert.False(t, ok)

	_, _, err = mgr.Get(ctx, "gpt2", 12)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnsupportedLayer))
	assert.Contains(t, err.Error(), "Layer 12 not available for SAE. Valid: [0 1 2")
}

func TestManagerUnload(t *testing.T) {
	mgr := NewManager(nil, &countingLoader{}, nil)
	assert.False(t, mgr.Unload())

	_, _, err := mgr.Get(context.Background(), "gpt2", 1)
	require.NoError(t, err)
	assert.False(t, mgr.UnloadIfModel("google/gemma-2-2b"))
	assert.True(t, mgr.UnloadIfModel("gpt2"))
	assert.False(t, mgr.Unload())
}

func TestManagerLoaderErrorLeavesEmpty(t *testing.T) {
	boom := errors.New("boom")
	mgr := NewManager(nil, LoaderFunc(func(context.Context, Info, int) (*Decoder, error) {
		return nil, boom
	}), nil)

	_, _, err := mgr.Get(context.Background(), "gpt2", 0)
	assert.ErrorIs(t, err, boom)
	_, _, ok := mgr.Resident()
	assert.False(t, ok)
}

func TestDirLoader(t *testing.T) {
	dir := t.TempDir()
	loader := DirLoader{Dir: dir}
	info, _ := DefaultRegistry().Lookup("google/gemma-2-2b")

	path := loader.Path(info, 2)
	assert.Equal(t, filepath.Join(dir, "gemma-scope-2b-pt-res-canonical", "layer_2", "width_16k", "canonical.gguf"), path)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	want := NewRandomDecoder("blocks.2.hook_resid_post", 4, 8, 3)
	require.NoError(t, want.WriteGGUF(path+".zst"))

	got, err := loader.Load(context.Background(), info, 2)
	require.NoError(t, err)
	assert.Equal(t, want.WEnc, got.WEnc)
}

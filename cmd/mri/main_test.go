package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuralmri-go/internal/analysis"
	"neuralmri-go/internal/perturb"
)

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.Bytes()
}

func synthesize(t *testing.T) (modelPath, saeDir string) {
	t.Helper()
	dir := t.TempDir()
	modelPath = filepath.Join(dir, "tiny.gguf.zst")
	saeDir = filepath.Join(dir, "saes")
	out := execute(t, "synth", "--out", modelPath, "--sae-dir", saeDir, "--d-sae", "64")
	assert.Contains(t, string(out), "layers=2")
	return modelPath, saeDir
}

func TestScanActivationCommand(t *testing.T) {
	modelPath, _ := synthesize(t)
	out := execute(t, "--model", modelPath, "--log-level", "error", "scan", "activation", "--prompt", "The capital of France is")

	var res analysis.ActivationData
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "gpt2", res.ModelID)
	assert.Len(t, res.Tokens, 6)
	assert.Len(t, res.Layers, 6)
}

func TestScanSAECommand(t *testing.T) {
	modelPath, saeDir := synthesize(t)
	t.Setenv("NMRI_SAE_DIR", saeDir)
	out := execute(t, "--model", modelPath, "--log-level", "error", "scan", "sae", "--prompt", "The cat", "--layer", "1", "--top-k", "4")

	var res analysis.SAEData
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, 1, res.LayerIdx)
	assert.Equal(t, 64, res.DSAE)
	assert.Len(t, res.TokenFeatures, 3)
}

func TestPerturbTraceCommand(t *testing.T) {
	modelPath, _ := synthesize(t)
	out := execute(t, "--model", modelPath, "--log-level", "error", "perturb", "trace",
		"--clean", "The capital of France is", "--corrupt", "The capital of Germany is")

	var res perturb.CausalTraceResult
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Len(t, res.Cells, 5)
	assert.Equal(t, 2, res.NLayers)
}

func TestInspectAndTokenize(t *testing.T) {
	modelPath, _ := synthesize(t)

	out := execute(t, "inspect", modelPath, "--kv-prefix", "llama.")
	assert.Contains(t, string(out), "llama.block_count = 2")
	assert.Contains(t, string(out), "blk.0.attn_q.weight")
	assert.NotContains(t, string(out), "general.name")

	out = execute(t, "tokenize", modelPath, "--prompt", "The cat")
	var tok tokenization
	require.NoError(t, json.Unmarshal(out, &tok))
	assert.Equal(t, []string{"<|endoftext|>", "The", " cat"}, tok.Pieces)
}

func TestHashIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.gguf"), filepath.Join(dir, "b.gguf.zst")
	execute(t, "synth", "--out", a, "--seed", "7")
	execute(t, "synth", "--out", b, "--seed", "7")

	var ha, hb []tensorHash
	require.NoError(t, json.Unmarshal(execute(t, "hash", a, "--tensor", "token_embd.weight"), &ha))
	require.NoError(t, json.Unmarshal(execute(t, "hash", b, "--tensor", "token_embd.weight"), &hb))
	require.Len(t, ha, 1)
	assert.Equal(t, ha, hb)
	assert.Equal(t, "f32", ha[0].Type)
}

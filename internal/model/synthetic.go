package model

import (
	"fmt"
	"math"
	"math/rand"

	"neuralmri-go/internal/gguf"
	"neuralmri-go/internal/tokenizer"
)

// EndOfText is the BOS token of the synthetic vocabulary.
const EndOfText = "<|endoftext|>"

var syntheticWords = []string{
	"The", " the", " of", " is", " in", " a", " and", " to",
	" capital", " France", " Paris", " Germany", " Berlin", " city",
	" Eiffel", " Tower", " located", " cat", " sat", " on", " mat",
	" dog", " ran", " Hello", " world", " quick", " brown", " fox",
}

// SyntheticVocab returns a byte-level vocabulary (every byte, a handful of
// merged words, then EndOfText) and its merge list.
func SyntheticVocab() (tokens, merges []string) {
	enc := tokenizer.ByteSymbols()
	tokens = append(tokens, enc...)
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		seen[t] = true
	}
	for _, w := range syntheticWords {
		sym := enc[w[0]]
		for i := 1; i < len(w); i++ {
			next := enc[w[i]]
			merged := sym + next
			if !seen[merged] {
				seen[merged] = true
				tokens = append(tokens, merged)
				merges = append(merges, sym+" "+next)
			}
			sym = merged
		}
	}
	return append(tokens, EndOfText), merges
}

// SyntheticConfig is a small two-layer model used by tests and demos.
func SyntheticConfig() Config {
	return Config{
		Layers:   2,
		Heads:    4,
		KVHeads:  2,
		DModel:   32,
		DHead:    8,
		DMLP:     64,
		RMSEps:   1e-5,
		RopeBase: 10000,
	}
}

// NewRandom builds a deterministic model with Gaussian weights scaled by
// 1/sqrt(fan_in) and the synthetic byte-level vocabulary. cfg.Vocab is
// replaced by the vocabulary size.
func NewRandom(id string, cfg Config, seed int64) (*Model, error) {
	tokens, merges := SyntheticVocab()
	cfg.Vocab = len(tokens)
	if cfg.RMSEps == 0 {
		cfg.RMSEps = 1e-5
	}
	if cfg.RopeBase == 0 {
		cfg.RopeBase = 10000
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DHead*cfg.Heads != cfg.DModel {
		return nil, fmt.Errorf("config: d_head*n_heads=%d must equal d_model=%d", cfg.DHead*cfg.Heads, cfg.DModel)
	}

	rng := rand.New(rand.NewSource(seed))
	gauss := func(n, fanIn int) []float32 {
		out := make([]float32, n)
		s := 1 / math.Sqrt(float64(fanIn))
		for i := range out {
			out[i] = float32(rng.NormFloat64() * s)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	d := cfg.DModel
	m := &Model{id: id, arch: "llama", cfg: cfg}
	m.embed = gauss(cfg.Vocab*d, 1)
	m.layers = make([]layerWeights, cfg.Layers)
	for i := range m.layers {
		m.layers[i] = layerWeights{
			attnNorm: ones(d),
			wq:       gauss(cfg.qDim()*d, d),
			wk:       gauss(cfg.kvDim()*d, d),
			wv:       gauss(cfg.kvDim()*d, d),
			wo:       gauss(d*cfg.qDim(), cfg.qDim()),
			ffnNorm:  ones(d),
			wGate:    gauss(cfg.DMLP*d, d),
			wUp:      gauss(cfg.DMLP*d, d),
			wDown:    gauss(d*cfg.DMLP, cfg.DMLP),
		}
	}
	m.outNorm = ones(d)
	m.output = gauss(cfg.Vocab*d, d)

	tok, err := tokenizer.NewFromModelInfo(syntheticTokenizerInfo(tokens, merges))
	if err != nil {
		return nil, err
	}
	m.tok = tok
	m.finish()
	return m, nil
}

func syntheticTokenizerInfo(tokens, merges []string) gguf.ModelInfo {
	return gguf.ModelInfo{KeyValues: map[string]any{
		"tokenizer.ggml.model":         "gpt2",
		"tokenizer.ggml.tokens":        tokens,
		"tokenizer.ggml.merges":        merges,
		"tokenizer.ggml.bos_token_id":  uint32(len(tokens) - 1),
		"tokenizer.ggml.add_bos_token": true,
	}}
}

// WriteGGUF serialises the model with llama tensor naming. The tokenizer
// written is always the synthetic vocabulary, so only models whose
// vocabulary matches it round-trip their tokenizer.
func (m *Model) WriteGGUF(path string) error {
	cfg := m.cfg
	w := gguf.NewWriter()
	w.SetString("general.architecture", "llama")
	w.SetString("general.name", m.id)
	w.SetUint32("llama.block_count", uint32(cfg.Layers))
	w.SetUint32("llama.embedding_length", uint32(cfg.DModel))
	w.SetUint32("llama.feed_forward_length", uint32(cfg.DMLP))
	w.SetUint32("llama.attention.head_count", uint32(cfg.Heads))
	w.SetUint32("llama.attention.head_count_kv", uint32(cfg.KVHeads))
	w.SetFloat32("llama.attention.layer_norm_rms_epsilon", cfg.RMSEps)
	w.SetFloat32("llama.rope.freq_base", cfg.RopeBase)

	tokens, merges := SyntheticVocab()
	if len(tokens) == cfg.Vocab {
		w.SetString("tokenizer.ggml.model", "gpt2")
		w.SetStrings("tokenizer.ggml.tokens", tokens)
		w.SetStrings("tokenizer.ggml.merges", merges)
		w.SetUint32("tokenizer.ggml.bos_token_id", uint32(len(tokens)-1))
		w.SetBool("tokenizer.ggml.add_bos_token", true)
	}

	d := uint64(cfg.DModel)
	add := func(name string, data []float32, dims ...uint64) error {
		return w.AddTensor(name, dims, data)
	}
	if err := add("token_embd.weight", m.embed, d, uint64(cfg.Vocab)); err != nil {
		return err
	}
	for i, l := range m.layers {
		p := fmt.Sprintf("blk.%d.", i)
		q, kv, mlp := uint64(cfg.qDim()), uint64(cfg.kvDim()), uint64(cfg.DMLP)
		for _, t := range []struct {
			name string
			data []float32
			dims []uint64
		}{
			{"attn_norm.weight", l.attnNorm, []uint64{d}},
			{"attn_q.weight", l.wq, []uint64{d, q}},
			{"attn_k.weight", l.wk, []uint64{d, kv}},
			{"attn_v.weight", l.wv, []uint64{d, kv}},
			{"attn_output.weight", l.wo, []uint64{q, d}},
			{"ffn_norm.weight", l.ffnNorm, []uint64{d}},
			{"ffn_gate.weight", l.wGate, []uint64{d, mlp}},
			{"ffn_up.weight", l.wUp, []uint64{d, mlp}},
			{"ffn_down.weight", l.wDown, []uint64{mlp, d}},
		} {
			if err := add(p+t.name, t.data, t.dims...); err != nil {
				return err
			}
		}
	}
	if err := add("output_norm.weight", m.outNorm, d); err != nil {
		return err
	}
	if !m.tied {
		if err := add("output.weight", m.output, d, uint64(cfg.Vocab)); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

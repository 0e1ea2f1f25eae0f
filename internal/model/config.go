package model

import (
	"fmt"

	"neuralmri-go/internal/gguf"
)

// Config is the static architecture of a llama-family decoder.
type Config struct {
	Layers   int     `json:"n_layers"`
	Heads    int     `json:"n_heads"`
	KVHeads  int     `json:"n_kv_heads"`
	DModel   int     `json:"d_model"`
	DHead    int     `json:"d_head"`
	DMLP     int     `json:"d_mlp"`
	Vocab    int     `json:"d_vocab"`
	RMSEps   float32 `json:"rms_eps"`
	RopeBase float32 `json:"rope_base"`
}

func (c Config) Validate() error {
	switch {
	case c.Layers <= 0:
		return fmt.Errorf("config: n_layers=%d", c.Layers)
	case c.Heads <= 0 || c.KVHeads <= 0 || c.Heads%c.KVHeads != 0:
		return fmt.Errorf("config: n_heads=%d n_kv_heads=%d", c.Heads, c.KVHeads)
	case c.DModel <= 0 || c.DHead <= 0 || c.DMLP <= 0 || c.Vocab <= 0:
		return fmt.Errorf("config: d_model=%d d_head=%d d_mlp=%d d_vocab=%d", c.DModel, c.DHead, c.DMLP, c.Vocab)
	case c.DHead%2 != 0:
		return fmt.Errorf("config: d_head=%d must be even for rotary embeddings", c.DHead)
	}
	return nil
}

func (c Config) qDim() int { return c.Heads * c.DHead }
func (c Config) kvDim() int { return c.KVHeads * c.DHead }

// configFromInfo reads architecture hyperparameters from GGUF keys, using
// the embedding tensor for d_model and the vocabulary size.
func configFromInfo(info gguf.ModelInfo) (Config, error) {
	arch := info.Architecture()
	if arch == "" {
		arch = "llama"
	}
	key := func(s string) any { return info.KeyValues[arch+"."+s] }

	emb, ok := info.TensorByName("token_embd.weight")
	if !ok {
		return Config{}, fmt.Errorf("missing tensor: token_embd.weight")
	}
	if len(emb.Dimensions) != 2 {
		return Config{}, fmt.Errorf("token_embd.weight: expected 2 dims, got %d", len(emb.Dimensions))
	}

	cfg := Config{
		Layers:   int(firstUint32(key("block_count"))),
		Heads:    int(firstUint32(key("attention.head_count"))),
		KVHeads:  int(firstUint32(key("attention.head_count_kv"))),
		DModel:   int(emb.Dimensions[0]),
		DMLP:     int(firstUint32(key("feed_forward_length"))),
		Vocab:    int(emb.Dimensions[1]),
		RMSEps:   firstFloat32(1e-5, key("attention.layer_norm_rms_epsilon")),
		RopeBase: firstFloat32(10000, key("rope.freq_base")),
	}
	if cfg.Heads <= 0 {
		cfg.Heads = 1
	}
	if cfg.KVHeads <= 0 {
		cfg.KVHeads = cfg.Heads
	}
	if cfg.Layers <= 0 {
		for cfg.Layers = 0; ; cfg.Layers++ {
			if _, ok := info.TensorByName(fmt.Sprintf("blk.%d.attn_q.weight", cfg.Layers)); !ok {
				break
			}
		}
	}
	if cfg.DMLP <= 0 {
		if t, ok := info.TensorByName("blk.0.ffn_gate.weight"); ok && len(t.Dimensions) == 2 {
			cfg.DMLP = int(t.Dimensions[1])
		}
	}
	cfg.DHead = cfg.DModel / cfg.Heads
	return cfg, cfg.Validate()
}

func firstUint32(values ...any) uint32 {
	for _, v := range values {
		switch x := v.(type) {
		case uint32:
			return x
		case uint64:
			if x <= uint64(^uint32(0)) {
				return uint32(x)
			}
		case int32:
			if x >= 0 {
				return uint32(x)
			}
		}
	}
	return 0
}

func firstFloat32(fallback float32, values ...any) float32 {
	for _, v := range values {
		switch x := v.(type) {
		case float32:
			return x
		case float64:
			return float32(x)
		}
	}
	return fallback
}

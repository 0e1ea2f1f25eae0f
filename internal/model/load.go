package model

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"neuralmri-go/internal/gguf"
	"neuralmri-go/internal/tokenizer"
)

// Load reads a llama-family model from a GGUF file (optionally .zst
// compressed). The model id defaults to general.name, then the file name.
func Load(path string) (*Model, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := configFromInfo(f.ModelInfo)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	m := &Model{
		id:   modelName(f.ModelInfo, path),
		arch: f.Architecture(),
		path: path,
		cfg:  cfg,
	}
	l := &tensorLoader{f: f}
	d := cfg.DModel

	m.embed = l.vector("token_embd.weight", cfg.Vocab*d)
	m.outNorm = l.vector("output_norm.weight", d)
	if _, ok := f.TensorByName("output.weight"); ok {
		m.output = l.linear("output.weight", d, cfg.Vocab)
	} else {
		m.output = m.embed
		m.tied = true
	}

	m.layers = make([]layerWeights, cfg.Layers)
	for i := range m.layers {
		p := fmt.Sprintf("blk.%d.", i)
		m.layers[i] = layerWeights{
			attnNorm: l.vector(p+"attn_norm.weight", d),
			wq:       l.linear(p+"attn_q.weight", d, cfg.qDim()),
			wk:       l.linear(p+"attn_k.weight", d, cfg.kvDim()),
			wv:       l.linear(p+"attn_v.weight", d, cfg.kvDim()),
			wo:       l.linear(p+"attn_output.weight", cfg.qDim(), d),
			ffnNorm:  l.vector(p+"ffn_norm.weight", d),
			wGate:    l.linear(p+"ffn_gate.weight", d, cfg.DMLP),
			wUp:      l.linear(p+"ffn_up.weight", d, cfg.DMLP),
			wDown:    l.linear(p+"ffn_down.weight", cfg.DMLP, d),
		}
	}
	if l.err != nil {
		return nil, fmt.Errorf("load %s: %w", path, l.err)
	}

	if tok, err := tokenizer.NewFromModelInfo(f.ModelInfo); err == nil {
		m.tok = tok
	} else {
		slog.Warn("model has no usable tokenizer", "path", path, "error", err)
	}
	m.finish()
	return m, nil
}

func modelName(info gguf.ModelInfo, path string) string {
	if s, ok := info.KeyValues["general.name"].(string); ok && s != "" {
		return s
	}
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".zst")
	return strings.TrimSuffix(base, ".gguf")
}

// tensorLoader records the first error so a whole layer can be read
// without checking every call.
type tensorLoader struct {
	f   *gguf.File
	err error
}

func (l *tensorLoader) vector(name string, want int) []float32 {
	if l.err != nil {
		return nil
	}
	data, err := l.f.ReadTensor(name)
	if err != nil {
		l.err = err
		return nil
	}
	if len(data) != want {
		l.err = fmt.Errorf("%s len=%d want=%d", name, len(data), want)
		return nil
	}
	return data
}

// linear returns a weight in [out][in] layout. GGUF stores linear weights
// with ne0=in; a tensor stored the other way round is transposed.
func (l *tensorLoader) linear(name string, in, out int) []float32 {
	if l.err != nil {
		return nil
	}
	t, ok := l.f.TensorByName(name)
	if !ok {
		l.err = fmt.Errorf("missing tensor: %s", name)
		return nil
	}
	if len(t.Dimensions) != 2 {
		l.err = fmt.Errorf("%s: expected 2 dims, got %v", name, t.Dimensions)
		return nil
	}
	rows, cols := int(t.Dimensions[0]), int(t.Dimensions[1])
	data := l.vector(name, in*out)
	if data == nil {
		return nil
	}
	switch {
	case rows == in && cols == out:
		return data
	case rows == out && cols == in:
		tr := make([]float32, len(data))
		for i := 0; i < in; i++ {
			for o := 0; o < out; o++ {
				tr[o*in+i] = data[i*out+o]
			}
		}
		return tr
	default:
		l.err = fmt.Errorf("%s dims=%v, want [%d %d]", name, t.Dimensions, in, out)
		return nil
	}
}

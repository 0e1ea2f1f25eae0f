// Package model wraps a llama-family decoder as a set of addressable
// components whose outputs can be captured or replaced during a forward
// pass.
package model

import (
	"fmt"
	"sync"
	"sync/atomic"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/tokenizer"
)

type layerWeights struct {
	attnNorm []float32
	wq       []float32 // [q_dim][d_model]
	wk       []float32 // [kv_dim][d_model]
	wv       []float32 // [kv_dim][d_model]
	wo       []float32 // [d_model][q_dim]
	ffnNorm  []float32
	wGate    []float32 // [d_mlp][d_model]
	wUp      []float32 // [d_mlp][d_model]
	wDown    []float32 // [d_model][d_mlp]
}

// Model is immutable after construction apart from the pass counter.
// Every forward pass holds mu for its full duration.
type Model struct {
	id   string
	arch string
	path string
	cfg  Config
	tok  *tokenizer.Tokenizer

	embed   []float32 // [vocab][d_model]
	outNorm []float32
	output  []float32 // [vocab][d_model]
	tied    bool
	layers  []layerWeights

	components []Component
	hookNames  map[string]struct{}

	mu       sync.Mutex
	passes   atomic.Int64
	observer atomic.Pointer[func()]
}

func (m *Model) finish() {
	m.components = buildComponents(m.cfg)
	m.hookNames = buildHookNames(m.cfg)
}

func (m *Model) ID() string { return m.id }
func (m *Model) Config() Config { return m.cfg }
func (m *Model) Architecture() string { return m.arch }
func (m *Model) Path() string { return m.path }
func (m *Model) TiedEmbeddings() bool { return m.tied }
func (m *Model) Tokenizer() *tokenizer.Tokenizer { return m.tok }

// Passes reports how many forward passes have run against this model.
func (m *Model) Passes() int64 { return m.passes.Load() }

// SetPassObserver registers fn to be called once per forward pass.
func (m *Model) SetPassObserver(fn func()) {
	if fn == nil {
		m.observer.Store(nil)
		return
	}
	m.observer.Store(&fn)
}

// Param is a named weight tensor. Linear weights have shape [out, in].
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

// Params lists the weights in component order.
func (m *Model) Params() []Param {
	c := m.cfg
	out := []Param{{Name: "embed.W_E", Shape: []int{c.Vocab, c.DModel}, Data: m.embed}}
	for l, w := range m.layers {
		p := fmt.Sprintf("blocks.%d.", l)
		out = append(out,
			Param{Name: p + "ln1.w", Shape: []int{c.DModel}, Data: w.attnNorm},
			Param{Name: p + "attn.W_Q", Shape: []int{c.qDim(), c.DModel}, Data: w.wq},
			Param{Name: p + "attn.W_K", Shape: []int{c.kvDim(), c.DModel}, Data: w.wk},
			Param{Name: p + "attn.W_V", Shape: []int{c.kvDim(), c.DModel}, Data: w.wv},
			Param{Name: p + "attn.W_O", Shape: []int{c.DModel, c.qDim()}, Data: w.wo},
			Param{Name: p + "ln2.w", Shape: []int{c.DModel}, Data: w.ffnNorm},
			Param{Name: p + "mlp.W_gate", Shape: []int{c.DMLP, c.DModel}, Data: w.wGate},
			Param{Name: p + "mlp.W_in", Shape: []int{c.DMLP, c.DModel}, Data: w.wUp},
			Param{Name: p + "mlp.W_out", Shape: []int{c.DModel, c.DMLP}, Data: w.wDown},
		)
	}
	out = append(out, Param{Name: "ln_final.w", Shape: []int{c.DModel}, Data: m.outNorm})
	return append(out, Param{Name: "unembed.W_U", Shape: []int{c.Vocab, c.DModel}, Data: m.output})
}

// TotalParams counts distinct parameter elements; a tied unembedding is
// counted once.
func (m *Model) TotalParams() int64 {
	var n int64
	for _, p := range m.Params() {
		if m.tied && p.Name == "unembed.W_U" {
			continue
		}
		n += int64(len(p.Data))
	}
	return n
}

func (m *Model) ToTokens(prompt string) ([]int32, error) {
	if m.tok == nil {
		return nil, fmt.Errorf("model %s has no tokenizer", m.id)
	}
	ids := m.tok.Tokenize(prompt)
	if len(ids) == 0 {
		return nil, errs.New(errs.ErrInvalidInput, "prompt produced no tokens")
	}
	return ids, nil
}

func (m *Model) ToStrTokens(ids []int32) []string {
	if m.tok == nil {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = fmt.Sprintf("<%d>", id)
		}
		return out
	}
	return m.tok.Pieces(ids)
}

func (m *Model) DecodeToken(id int32) string {
	if m.tok == nil {
		return fmt.Sprintf("<%d>", id)
	}
	return m.tok.TokenString(id)
}

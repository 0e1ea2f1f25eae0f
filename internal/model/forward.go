package model

import (
	"context"
	"fmt"
	"math"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/kernels"
	"neuralmri-go/internal/tensor"
)

// HookFunc receives the value produced at a hook point and returns the
// value that propagates onward. It must return a tensor of the same shape.
type HookFunc func(*tensor.Tensor) *tensor.Tensor

type Hook struct {
	Name string
	Fn   HookFunc
}

// ActivationCache maps hook names to the values captured during one pass.
type ActivationCache map[string]*tensor.Tensor

func (c ActivationCache) Get(name string) (*tensor.Tensor, error) {
	t, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("activation cache: no value for %s", name)
	}
	return t, nil
}

// Run performs one forward pass and captures every hook point.
func (m *Model) Run(ctx context.Context, tokens []int32) (*tensor.Tensor, ActivationCache, error) {
	return m.forward(ctx, tokens, nil, true)
}

// RunWithHooks performs one forward pass with each hook's function applied
// when its hook point is produced. Several hooks may target the same point;
// they are applied in order.
func (m *Model) RunWithHooks(ctx context.Context, tokens []int32, hooks ...Hook) (*tensor.Tensor, error) {
	logits, _, err := m.forward(ctx, tokens, hooks, false)
	return logits, err
}

type passResult struct {
	logits *tensor.Tensor
	cache  ActivationCache
	err    error
}

// forward runs the pass on its own goroutine under the model mutex. A
// cancelled ctx abandons the wait but not the pass itself.
func (m *Model) forward(ctx context.Context, tokens []int32, hooks []Hook, capture bool) (*tensor.Tensor, ActivationCache, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(tokens) == 0 {
		return nil, nil, errs.New(errs.ErrInvalidInput, "empty token sequence")
	}
	st := &passState{hooks: make(map[string][]HookFunc, len(hooks))}
	for _, h := range hooks {
		if !m.HasHook(h.Name) {
			return nil, nil, errs.Newf(errs.ErrUnknownComponent, "unknown hook point: %s", h.Name)
		}
		if h.Fn == nil {
			return nil, nil, errs.Newf(errs.ErrInvalidInput, "hook %s has no function", h.Name)
		}
		st.hooks[h.Name] = append(st.hooks[h.Name], h.Fn)
	}
	for _, id := range tokens {
		if id < 0 || int(id) >= m.cfg.Vocab {
			return nil, nil, errs.Newf(errs.ErrInvalidInput, "token id %d out of range [0,%d)", id, m.cfg.Vocab)
		}
	}
	if capture {
		st.cache = make(ActivationCache, len(m.hookNames))
	}

	done := make(chan passResult, 1)
	go func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.passes.Add(1)
		if fn := m.observer.Load(); fn != nil {
			(*fn)()
		}
		logits, err := m.pass(tokens, st)
		done <- passResult{logits: logits, cache: st.cache, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, nil, r.err
		}
		return r.logits, r.cache, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

type passState struct {
	hooks map[string][]HookFunc
	cache ActivationCache
}

func (s *passState) apply(name string, t *tensor.Tensor) (*tensor.Tensor, error) {
	for _, fn := range s.hooks[name] {
		out := fn(t)
		if out == nil || !out.SameShape(t) {
			return nil, errs.Newf(errs.ErrInvalidInput, "hook %s: replacement must have shape %v", name, t.Shape)
		}
		t = out
	}
	if s.cache != nil {
		s.cache[name] = t
	}
	return t, nil
}

func (m *Model) pass(tokens []int32, st *passState) (*tensor.Tensor, error) {
	cfg := m.cfg
	seq, d := len(tokens), cfg.DModel

	x := tensor.New(1, seq, d)
	for p, id := range tokens {
		copy(x.Row(p), m.embed[int(id)*d:(int(id)+1)*d])
	}
	x, err := st.apply(HookEmbed, x)
	if err != nil {
		return nil, err
	}
	for l := range m.layers {
		if x, err = m.block(l, x, st); err != nil {
			return nil, err
		}
	}

	logits := tensor.New(1, seq, cfg.Vocab)
	normed := make([]float32, d)
	for p := 0; p < seq; p++ {
		kernels.RMSNormInto(normed, x.Row(p), m.outNorm, cfg.RMSEps)
		kernels.MatVecT(logits.Row(p), m.output, d, cfg.Vocab, normed)
	}
	return logits, nil
}

func (m *Model) block(l int, resid *tensor.Tensor, st *passState) (*tensor.Tensor, error) {
	cfg := m.cfg
	w := &m.layers[l]
	seq, d := resid.SeqLen(), cfg.DModel
	heads, kvHeads, hd := cfg.Heads, cfg.KVHeads, cfg.DHead
	qDim, kvDim := cfg.qDim(), cfg.kvDim()

	pre, err := st.apply(HookResidPre(l), resid)
	if err != nil {
		return nil, err
	}

	q := make([]float32, seq*qDim)
	k := make([]float32, seq*kvDim)
	v := make([]float32, seq*kvDim)
	normed := make([]float32, d)
	for p := 0; p < seq; p++ {
		kernels.RMSNormInto(normed, pre.Row(p), w.attnNorm, cfg.RMSEps)
		qp, kp := q[p*qDim:(p+1)*qDim], k[p*kvDim:(p+1)*kvDim]
		kernels.MatVecT(qp, w.wq, d, qDim, normed)
		kernels.MatVecT(kp, w.wk, d, kvDim, normed)
		kernels.MatVecT(v[p*kvDim:(p+1)*kvDim], w.wv, d, kvDim, normed)
		applyRoPE(qp, p, heads, cfg.RopeBase)
		applyRoPE(kp, p, kvHeads, cfg.RopeBase)
	}

	pattern := tensor.New(1, heads, seq, seq)
	scale := float32(1 / math.Sqrt(float64(hd)))
	for h := 0; h < heads; h++ {
		kvh := h * kvHeads / heads
		for i := 0; i < seq; i++ {
			row := pattern.Data[(h*seq+i)*seq : (h*seq+i+1)*seq]
			qv := q[i*qDim+h*hd : i*qDim+(h+1)*hd]
			for j := 0; j <= i; j++ {
				row[j] = kernels.Dot(qv, k[j*kvDim+kvh*hd:j*kvDim+(kvh+1)*hd]) * scale
			}
			kernels.SoftmaxInto(row[:i+1], row[:i+1])
		}
	}
	if pattern, err = st.apply(HookPattern(l), pattern); err != nil {
		return nil, err
	}

	z := tensor.New(1, seq, heads, hd)
	for h := 0; h < heads; h++ {
		kvh := h * kvHeads / heads
		for i := 0; i < seq; i++ {
			dst := z.Data[(i*heads+h)*hd : (i*heads+h+1)*hd]
			row := pattern.Data[(h*seq+i)*seq : (h*seq+i+1)*seq]
			for j, a := range row {
				if a != 0 {
					kernels.AddScaled(dst, v[j*kvDim+kvh*hd:j*kvDim+(kvh+1)*hd], a)
				}
			}
		}
	}
	if z, err = st.apply(HookZ(l), z); err != nil {
		return nil, err
	}

	attnOut := tensor.New(1, seq, d)
	for p := 0; p < seq; p++ {
		kernels.MatVecT(attnOut.Row(p), w.wo, qDim, d, z.Row(p))
	}
	if attnOut, err = st.apply(HookAttnOut(l), attnOut); err != nil {
		return nil, err
	}

	mid := tensor.New(1, seq, d)
	for p := 0; p < seq; p++ {
		kernels.AddInto(mid.Row(p), pre.Row(p), attnOut.Row(p))
	}
	if mid, err = st.apply(HookResidMid(l), mid); err != nil {
		return nil, err
	}

	mlpOut := tensor.New(1, seq, d)
	gate := make([]float32, cfg.DMLP)
	up := make([]float32, cfg.DMLP)
	for p := 0; p < seq; p++ {
		kernels.RMSNormInto(normed, mid.Row(p), w.ffnNorm, cfg.RMSEps)
		kernels.MatVecT(gate, w.wGate, d, cfg.DMLP, normed)
		kernels.MatVecT(up, w.wUp, d, cfg.DMLP, normed)
		kernels.MulSiluInto(gate, gate, up)
		kernels.MatVecT(mlpOut.Row(p), w.wDown, cfg.DMLP, d, gate)
	}
	if mlpOut, err = st.apply(HookMLPOut(l), mlpOut); err != nil {
		return nil, err
	}

	post := tensor.New(1, seq, d)
	for p := 0; p < seq; p++ {
		kernels.AddInto(post.Row(p), mid.Row(p), mlpOut.Row(p))
	}
	return st.apply(HookResidPost(l), post)
}

// applyRoPE rotates adjacent pairs of each head in place (GGML "normal"
// rotary mode).
func applyRoPE(v []float32, pos, heads int, base float32) {
	hd := len(v) / heads
	for h := 0; h < heads; h++ {
		off := h * hd
		for i := 0; i+1 < hd; i += 2 {
			theta := float64(pos) * math.Pow(float64(base), -float64(i)/float64(hd))
			sin, cos := math.Sincos(theta)
			x0, x1 := v[off+i], v[off+i+1]
			v[off+i] = x0*float32(cos) - x1*float32(sin)
			v[off+i+1] = x0*float32(sin) + x1*float32(cos)
		}
	}
}

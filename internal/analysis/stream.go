package analysis

import (
	"context"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/kernels"
)

// Frame types emitted by Stream.
const (
	FrameScanStart           = "scan_start"
	FrameActivation          = "activation_frame"
	FrameAttentionPattern    = "attention_pattern"
	FrameComponentImportance = "component_importance"
	FrameScanComplete        = "scan_complete"
)

type ScanStartFrame struct {
	Type    string   `json:"type"`
	Mode    string   `json:"mode"`
	ScanID  string   `json:"scan_id"`
	Tokens  []string `json:"tokens"`
	NLayers int      `json:"n_layers"`
	SeqLen  int      `json:"seq_len"`
}

type FrameLayer struct {
	LayerID    string  `json:"layer_id"`
	Activation float64 `json:"activation"`
}

type ActivationFrame struct {
	Type     string       `json:"type"`
	TokenIdx int          `json:"token_idx"`
	Layers   []FrameLayer `json:"layers"`
}

type AttentionPatternFrame struct {
	Type string `json:"type"`
	AttentionHead
}

type ComponentImportanceFrame struct {
	Type string `json:"type"`
	ComponentImportance
}

type ScanCompleteFrame struct {
	Type          string  `json:"type"`
	ComputeTimeMS float64 `json:"compute_time_ms"`
}

// Emitter receives frames in order. A non-nil error stops the stream.
type Emitter func(frame any) error

// Stream runs an fMRI or DTI scan and emits it incrementally: scan_start,
// then one activation_frame per token (fMRI) or every attention_pattern
// followed by every component_importance (DTI), then scan_complete.
func (e *Engine) Stream(ctx context.Context, mode, prompt string, emit Emitter) error {
	if mode == "" {
		mode = ModeActivation
	}
	if mode != ModeActivation && mode != ModeCircuit {
		return errs.Newf(errs.ErrInvalidInput, "unsupported stream mode: %s", mode)
	}
	if prompt == "" {
		return errs.New(errs.ErrInvalidInput, "Empty prompt")
	}
	s := e.begin(ctx, mode)
	m, tokens, strTokens, err := e.prepare(ctx, prompt)
	if err != nil {
		return err
	}
	logits, cache, err := m.Run(s.ctx, tokens)
	if err != nil {
		return err
	}

	send := func(frame any) error {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		return emit(frame)
	}
	if err := send(ScanStartFrame{
		Type:    FrameScanStart,
		Mode:    mode,
		ScanID:  s.id,
		Tokens:  strTokens,
		NLayers: m.Config().Layers,
		SeqLen:  len(tokens),
	}); err != nil {
		return err
	}

	switch mode {
	case ModeActivation:
		norms, err := measureComponents(m, cache, kernels.L2Norm)
		if err != nil {
			return err
		}
		for t := range tokens {
			layers := make([]FrameLayer, len(norms.ids))
			for i, id := range norms.ids {
				layers[i] = FrameLayer{LayerID: id, Activation: round4(norms.rng.norm(norms.raw[i][t]))}
			}
			if err := send(ActivationFrame{Type: FrameActivation, TokenIdx: t, Layers: layers}); err != nil {
				return err
			}
		}
	case ModeCircuit:
		heads, err := attentionHeads(m, cache)
		if err != nil {
			return err
		}
		for _, h := range heads {
			if err := send(AttentionPatternFrame{Type: FrameAttentionPattern, AttentionHead: h}); err != nil {
				return err
			}
		}
		target := len(tokens) - 1
		comps, raw, err := ablationImportances(s.ctx, m, tokens, logits, target)
		if err != nil {
			return err
		}
		for _, ci := range importances(comps, raw, e.threshold) {
			if err := send(ComponentImportanceFrame{Type: FrameComponentImportance, ComponentImportance: ci}); err != nil {
				return err
			}
		}
	}

	meta := e.finish(s, map[string]any{})
	s.log.Info("stream complete", "mode", mode, "tokens", len(tokens))
	return send(ScanCompleteFrame{Type: FrameScanComplete, ComputeTimeMS: meta["compute_time_ms"].(float64)})
}

package analysis

import (
	"context"

	"neuralmri-go/internal/model"
)

var layerTypeNames = map[model.ComponentType]string{
	model.TypeEmbed:     "embedding",
	model.TypeAttention: "attention",
	model.TypeMLP:       "mlp",
	model.TypeOutput:    "output",
}

// Structural reports the static topology. It runs no forward pass.
func (e *Engine) Structural(ctx context.Context) (*StructuralData, error) {
	s := e.begin(ctx, ModeStructural)
	m, err := e.models.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	cfg := m.Config()

	var layers []LayerStructure
	for _, c := range m.Components() {
		ls := LayerStructure{LayerID: c.ID, LayerType: layerTypeNames[c.Type]}
		if c.Layer >= 0 {
			idx := c.Layer
			ls.LayerIndex = &idx
		}
		switch c.Type {
		case model.TypeEmbed:
			ls.ParamCount = int64(cfg.Vocab) * int64(cfg.DModel)
			ls.ShapeInfo = map[string]int{"d_vocab": cfg.Vocab, "d_model": cfg.DModel}
		case model.TypeAttention:
			ls.ParamCount = 4 * int64(cfg.DModel) * int64(cfg.DHead) * int64(cfg.Heads)
			ls.ShapeInfo = map[string]int{"n_heads": cfg.Heads, "d_head": cfg.DHead, "d_model": cfg.DModel}
		case model.TypeMLP:
			ls.ParamCount = 2 * int64(cfg.DModel) * int64(cfg.DMLP)
			ls.ShapeInfo = map[string]int{"d_mlp": cfg.DMLP, "d_model": cfg.DModel}
		case model.TypeOutput:
			ls.ParamCount = int64(cfg.DModel) * int64(cfg.Vocab)
			ls.ShapeInfo = map[string]int{"d_model": cfg.DModel, "d_vocab": cfg.Vocab}
		}
		layers = append(layers, ls)
	}

	connections := make([]ConnectionInfo, 0, len(layers))
	for i := 0; i+1 < len(layers); i++ {
		connections = append(connections, ConnectionInfo{
			FromID: layers[i].LayerID,
			ToID:   layers[i+1].LayerID,
			Type:   "sequential",
		})
	}

	return &StructuralData{
		ModelID:     m.ID(),
		ScanMode:    ModeStructural,
		TotalParams: m.TotalParams(),
		Layers:      layers,
		Connections: connections,
		Metadata:    e.finish(s, map[string]any{"device": e.models.Device()}),
	}, nil
}

package analysis

import (
	"context"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"neuralmri-go/internal/model"
)

// Weights summarises every weight matrix (rank >= 2), optionally restricted
// to parameters whose name contains one of req.Layers.
func (e *Engine) Weights(ctx context.Context, req WeightRequest) (*WeightData, error) {
	s := e.begin(ctx, ModeWeights)
	m, err := e.models.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var params []model.Param
	for _, p := range m.Params() {
		if len(p.Shape) < 2 || !matchesAny(p.Name, req.Layers) {
			continue
		}
		params = append(params, p)
	}

	results := make([]LayerWeightStats, len(params))
	g, gctx := errgroup.WithContext(s.ctx)
	g.SetLimit(e.weightWorkers)
	for i, p := range params {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = summarize(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.log.Debug("T2 scan", "tensors", len(results), "elapsed_ms", s.elapsedMS())
	return &WeightData{
		ModelID:  m.ID(),
		ScanMode: ModeWeights,
		Layers:   results,
		Metadata: e.finish(s, map[string]any{"num_tensors_scanned": len(results)}),
	}, nil
}

func matchesAny(name string, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if strings.Contains(name, id) {
			return true
		}
	}
	return false
}

func summarize(p model.Param) LayerWeightStats {
	x := make([]float64, len(p.Data))
	for i, v := range p.Data {
		x[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(x, nil)
	lo, hi := floats.Min(x), floats.Max(x)

	limit := math.Abs(mean) + 3*std
	outliers := 0
	for _, v := range x {
		if math.Abs(v) > limit {
			outliers++
		}
	}

	layerID, component := p.Name, p.Name
	if i := strings.LastIndexByte(p.Name, '.'); i >= 0 {
		layerID, component = p.Name[:i], p.Name[i+1:]
	}
	return LayerWeightStats{
		LayerID:     layerID,
		Component:   component,
		Mean:        mean,
		Std:         std,
		MinVal:      lo,
		MaxVal:      hi,
		L2Norm:      floats.Norm(x, 2),
		Shape:       append([]int(nil), p.Shape...),
		NumOutliers: outliers,
		Histogram:   histc(x, histogramBins, lo, hi),
	}
}

// histc counts x into equal-width bins over [lo, hi]; values equal to hi
// land in the last bin. A zero-width range is widened by 1 on each side.
func histc(x []float64, bins int, lo, hi float64) []float64 {
	out := make([]float64, bins)
	if lo == hi {
		lo, hi = lo-1, hi+1
	}
	width := (hi - lo) / float64(bins)
	for _, v := range x {
		b := int((v - lo) / width)
		b = max(0, min(b, bins-1))
		out[b]++
	}
	return out
}

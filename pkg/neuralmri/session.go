// Package neuralmri is the public entry point: a Session owns the resident
// model, the scan cache, the SAE slot and both engines.
package neuralmri

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"neuralmri-go/internal/analysis"
	"neuralmri-go/internal/config"
	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/logger"
	"neuralmri-go/internal/metrics"
	"neuralmri-go/internal/model"
	"neuralmri-go/internal/perturb"
	"neuralmri-go/internal/sae"
	"neuralmri-go/internal/scancache"
)

// Cache modes.
const (
	cacheStructural = "structural"
	cacheWeights    = "weights"
	cacheActivation = "activation"
	cacheCircuits   = "circuits"
	cacheAnomaly    = "anomaly"
	cacheSAE        = "sae"
)

type Session struct {
	cfg      config.Config
	models   *model.Manager
	cache    *scancache.ScanCache
	saes     *sae.Manager
	analysis *analysis.Engine
	perturb  *perturb.Engine
	metrics  *metrics.Metrics
	log      *slog.Logger
}

type Option func(*options)

type options struct {
	metrics *metrics.Metrics
	loader  sae.Loader
}

// WithMetrics shares a collector set, e.g. with an HTTP server.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithSAELoader replaces the directory loader for decoder files.
func WithSAELoader(l sae.Loader) Option { return func(o *options) { o.loader = l } }

func New(cfg config.Config, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.loader == nil {
		o.loader = sae.DirLoader{Dir: cfg.SAE.Dir}
	}
	registry, err := sae.LoadRegistry(cfg.SAE.Registry)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		models:  model.NewManager(cfg.Device),
		cache:   scancache.New(cfg.MaxCacheEntries, o.metrics),
		saes:    sae.NewManager(registry, o.loader, o.metrics),
		metrics: o.metrics,
		log:     logger.WithComponent("session"),
	}
	s.analysis = analysis.NewEngine(s.models,
		analysis.WithSAEManager(s.saes),
		analysis.WithMetrics(o.metrics),
		analysis.WithWeightWorkers(cfg.Analysis.WeightWorkers),
		analysis.WithPathwayThreshold(cfg.Analysis.PathwayThreshold),
	)
	s.perturb = perturb.NewEngine(s.models, o.metrics)

	s.models.SetPassObserver(o.metrics.ForwardPassesTotal.Inc)
	s.models.OnUnload(func(id string) {
		n := s.cache.InvalidateModel(id)
		s.saes.UnloadIfModel(id)
		s.log.Info("model state released", "model_id", id, "cache_entries", n)
	})
	return s, nil
}

func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

func (s *Session) Cache() *scancache.ScanCache { return s.cache }

// LoadModel reads a GGUF file and makes it resident, replacing any current
// model. An empty path falls back to the configured model path.
func (s *Session) LoadModel(ctx context.Context, id, path string) (model.Info, error) {
	if path == "" {
		path = s.cfg.ModelPath
	}
	if path == "" {
		return model.Info{}, errs.New(errs.ErrInvalidInput, "no model path given")
	}
	if id == "" {
		id = s.cfg.DefaultModel
	}
	if _, err := s.models.Load(ctx, id, path); err != nil {
		return model.Info{}, fmt.Errorf("load model %s: %w", id, err)
	}
	return s.models.Info()
}

// UseModel makes an in-memory model resident.
func (s *Session) UseModel(m *model.Model) (model.Info, error) {
	s.models.LoadModel(m)
	return s.models.Info()
}

func (s *Session) UnloadModel() bool { return s.models.Unload() }

func (s *Session) ModelInfo() (model.Info, error) { return s.models.Info() }

func (s *Session) Components() ([]model.Component, error) {
	m, err := s.models.Model()
	if err != nil {
		return nil, err
	}
	return m.Components(), nil
}

func (s *Session) Tokenize(prompt string) ([]int32, []string, error) {
	m, err := s.models.Model()
	if err != nil {
		return nil, nil, err
	}
	ids, err := m.ToTokens(prompt)
	if err != nil {
		return nil, nil, err
	}
	return ids, m.ToStrTokens(ids), nil
}

// cached serves a scan result from the scan cache, computing it on a miss
// against the model resolved here. The result is stored only while that
// model is still resident.
func cached[T any](ctx context.Context, s *Session, mode, key string, fn func(context.Context) (*T, error)) (*T, error) {
	m, err := s.models.Model()
	if err != nil {
		return nil, err
	}
	ctx = model.WithModel(ctx, m)
	resident := func() bool { return s.models.IsResident(m) }
	v, hit, err := s.cache.GetOrComputeIf(ctx, m.ID(), mode, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, resident)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case hit:
		outcome = "cached"
	}
	s.metrics.ScansTotal.WithLabelValues(mode, outcome).Inc()
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

func requirePrompt(prompt string) error {
	if prompt == "" {
		return errs.New(errs.ErrInvalidInput, "prompt must not be empty")
	}
	return nil
}

func (s *Session) ScanStructural(ctx context.Context) (*analysis.StructuralData, error) {
	return cached(ctx, s, cacheStructural, "", func(ctx context.Context) (*analysis.StructuralData, error) {
		return s.analysis.Structural(ctx)
	})
}

func (s *Session) ScanWeights(ctx context.Context, req analysis.WeightRequest) (*analysis.WeightData, error) {
	return cached(ctx, s, cacheWeights, strings.Join(req.Layers, ","), func(ctx context.Context) (*analysis.WeightData, error) {
		return s.analysis.Weights(ctx, req)
	})
}

func (s *Session) ScanActivation(ctx context.Context, req analysis.ActivationRequest) (*analysis.ActivationData, error) {
	if err := requirePrompt(req.Prompt); err != nil {
		return nil, err
	}
	key := req.Prompt
	if (req.Aggregation != "" && req.Aggregation != "l2") || len(req.Layers) > 0 {
		key = fmt.Sprintf("%s::agg%s::layers%s", req.Prompt, req.Aggregation, strings.Join(req.Layers, ","))
	}
	return cached(ctx, s, cacheActivation, key, func(ctx context.Context) (*analysis.ActivationData, error) {
		return s.analysis.Activation(ctx, req)
	})
}

func (s *Session) ScanCircuit(ctx context.Context, req analysis.CircuitRequest) (*analysis.CircuitData, error) {
	if err := requirePrompt(req.Prompt); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s::target%d::th%g", req.Prompt, req.TargetTokenIdx, req.Threshold)
	return cached(ctx, s, cacheCircuits, key, func(ctx context.Context) (*analysis.CircuitData, error) {
		return s.analysis.Circuit(ctx, req)
	})
}

func (s *Session) ScanAnomaly(ctx context.Context, req analysis.AnomalyRequest) (*analysis.AnomalyData, error) {
	if err := requirePrompt(req.Prompt); err != nil {
		return nil, err
	}
	return cached(ctx, s, cacheAnomaly, req.Prompt, func(ctx context.Context) (*analysis.AnomalyData, error) {
		return s.analysis.Anomaly(ctx, req)
	})
}

func (s *Session) ScanSAE(ctx context.Context, req analysis.SAERequest) (*analysis.SAEData, error) {
	if err := requirePrompt(req.Prompt); err != nil {
		return nil, err
	}
	if req.TopK <= 0 {
		req.TopK = analysis.DefaultSAETopK
	}
	modelID := s.models.ModelID()
	if modelID != "" {
		if _, ok := s.saes.Registry().Lookup(modelID); !ok {
			return nil, errs.Newf(errs.ErrUnsupportedModel, "No SAE available for model: %s", modelID)
		}
	}
	key := fmt.Sprintf("%s::layer%d::k%d", req.Prompt, req.Layer, req.TopK)
	return cached(ctx, s, cacheSAE, key, func(ctx context.Context) (*analysis.SAEData, error) {
		return s.analysis.SAE(ctx, req)
	})
}

// SAEInfo describes decoder availability for the resident model.
type SAEInfo struct {
	Available      bool   `json:"available"`
	ModelID        string `json:"model_id,omitempty"`
	Release        string `json:"release,omitempty"`
	Layers         []int  `json:"layers"`
	DSAE           int    `json:"d_sae"`
	HasNeuronpedia bool   `json:"has_neuronpedia"`
	ResidentLayer  *int   `json:"resident_layer,omitempty"`
}

func (s *Session) SAEInfo() SAEInfo {
	modelID := s.models.ModelID()
	out := SAEInfo{ModelID: modelID, Layers: []int{}}
	if modelID == "" {
		return out
	}
	info, ok := s.saes.Registry().Lookup(modelID)
	if !ok {
		return out
	}
	out.Available = true
	out.Release = info.Release
	out.Layers = info.Layers
	out.DSAE = info.DSAE
	out.HasNeuronpedia = info.NeuronpediaURLTemplate != ""
	if id, layer, ok := s.saes.Resident(); ok && id == modelID {
		out.ResidentLayer = &layer
	}
	return out
}

// SAESupport reports decoder availability for every registered model.
func (s *Session) SAESupport() map[string]bool {
	return s.saes.Registry().Support(s.saes.Registry().Models())
}

func (s *Session) ZeroOut(ctx context.Context, req perturb.ComponentRequest) (*perturb.PerturbResult, error) {
	return s.perturb.ZeroOut(ctx, req)
}

func (s *Session) Amplify(ctx context.Context, req perturb.AmplifyRequest) (*perturb.PerturbResult, error) {
	return s.perturb.Amplify(ctx, req)
}

func (s *Session) Ablate(ctx context.Context, req perturb.ComponentRequest) (*perturb.PerturbResult, error) {
	return s.perturb.Ablate(ctx, req)
}

func (s *Session) Patch(ctx context.Context, req perturb.PatchRequest) (*perturb.PatchResult, error) {
	return s.perturb.Patch(ctx, req)
}

func (s *Session) CausalTrace(ctx context.Context, req perturb.CausalTraceRequest) (*perturb.CausalTraceResult, error) {
	return s.perturb.CausalTrace(ctx, req)
}

// Stream emits an fMRI or DTI scan frame by frame. Streams bypass the scan
// cache.
func (s *Session) Stream(ctx context.Context, mode, prompt string, emit analysis.Emitter) error {
	return s.analysis.Stream(ctx, mode, prompt, emit)
}

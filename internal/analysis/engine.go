// Package analysis implements the read-only scans over a resident model:
// structural topology, weight statistics, per-token activations, circuit
// importance, logit-lens anomalies and sparse-feature decoding.
package analysis

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/logger"
	"neuralmri-go/internal/metrics"
	"neuralmri-go/internal/model"
	"neuralmri-go/internal/sae"
)

const (
	DefaultPathwayThreshold = 0.3
	DefaultSAETopK          = 10
	DefaultWeightWorkers    = 4

	AlphaKL     = 0.6
	BetaEntropy = 0.4

	histogramBins = 20
)

type Engine struct {
	models        *model.Manager
	saes          *sae.Manager
	metrics       *metrics.Metrics
	weightWorkers int
	threshold     float64
	log           *slog.Logger
}

type Option func(*Engine)

func WithSAEManager(s *sae.Manager) Option { return func(e *Engine) { e.saes = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithWeightWorkers bounds the goroutines summarising weight tensors.
func WithWeightWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.weightWorkers = n
		}
	}
}

func WithPathwayThreshold(t float64) Option {
	return func(e *Engine) {
		if t > 0 {
			e.threshold = t
		}
	}
}

func NewEngine(models *model.Manager, opts ...Option) *Engine {
	e := &Engine{
		models:        models,
		weightWorkers: DefaultWeightWorkers,
		threshold:     DefaultPathwayThreshold,
		log:           logger.WithComponent("analysis"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scan carries the per-call bookkeeping shared by every scan mode.
type scan struct {
	mode  string
	id    string
	start time.Time
	ctx   context.Context
	log   *slog.Logger
}

func (e *Engine) begin(ctx context.Context, mode string) *scan {
	id := uuid.NewString()
	ctx = logger.WithScanID(ctx, id)
	return &scan{mode: mode, id: id, start: time.Now(), ctx: ctx, log: logger.FromContext(ctx).With("component", "analysis")}
}

func (s *scan) elapsedMS() float64 {
	return roundTo(float64(time.Since(s.start).Microseconds())/1000, 1)
}

func (e *Engine) finish(s *scan, meta map[string]any) map[string]any {
	ms := s.elapsedMS()
	meta["compute_time_ms"] = ms
	meta["scan_id"] = s.id
	if e.metrics != nil {
		e.metrics.ScanDuration.WithLabelValues(s.mode).Observe(ms / 1000)
	}
	return meta
}

// prepare resolves the model for ctx and tokenizes prompt.
func (e *Engine) prepare(ctx context.Context, prompt string) (*model.Model, []int32, []string, error) {
	if prompt == "" {
		return nil, nil, nil, errs.New(errs.ErrInvalidInput, "prompt must not be empty")
	}
	m, err := e.models.Resolve(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	tokens, err := m.ToTokens(prompt)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, tokens, m.ToStrTokens(tokens), nil
}

// targetIndex maps a requested position onto [0, seq). Negative selects the
// last position; positions past the end are clamped to it.
func targetIndex(idx, seq int) int {
	if idx < 0 || idx >= seq {
		return seq - 1
	}
	return idx
}

func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.RoundToEven(v*p) / p
}

func round4(v float64) float64 { return roundTo(v, 4) }

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

// minMax accumulates a global range for [0,1] normalisation. An empty or
// degenerate range normalises with a span of 1.
type minMax struct {
	lo, hi float64
	seen   bool
}

func (r *minMax) add(vs ...float64) {
	for _, v := range vs {
		if !r.seen {
			r.lo, r.hi, r.seen = v, v, true
			continue
		}
		r.lo = math.Min(r.lo, v)
		r.hi = math.Max(r.hi, v)
	}
}

func (r *minMax) span() float64 {
	if r.hi > r.lo {
		return r.hi - r.lo
	}
	return 1
}

func (r *minMax) norm(v float64) float64 {
	return clamp01((v - r.lo) / r.span())
}

func (r *minMax) normAll(vs []float64) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = round4(r.norm(v))
	}
	return out
}

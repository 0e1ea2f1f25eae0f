package sae

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/logger"
	"neuralmri-go/internal/metrics"
)

// Loader produces the decoder for one registry entry and layer.
type Loader interface {
	Load(ctx context.Context, info Info, layer int) (*Decoder, error)
}

type LoaderFunc func(ctx context.Context, info Info, layer int) (*Decoder, error)

func (f LoaderFunc) Load(ctx context.Context, info Info, layer int) (*Decoder, error) {
	return f(ctx, info, layer)
}

// DirLoader reads <Dir>/<release>/<sae_id>.gguf, falling back to the
// .gguf.zst variant.
type DirLoader struct {
	Dir string
}

func (l DirLoader) Path(info Info, layer int) string {
	return filepath.Join(l.Dir, info.Release, filepath.FromSlash(info.SAEID(layer))+".gguf")
}

func (l DirLoader) Load(ctx context.Context, info Info, layer int) (*Decoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := l.Path(info, layer)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if _, zerr := os.Stat(path + ".zst"); zerr == nil {
			path += ".zst"
		}
	}
	return ReadDecoder(path)
}

// Manager keeps at most one decoder resident, tagged by (model, layer).
type Manager struct {
	mu       sync.Mutex
	registry *Registry
	loader   Loader
	metrics  *metrics.Metrics
	log      *slog.Logger

	dec     *Decoder
	modelID string
	layer   int
}

func NewManager(registry *Registry, loader Loader, m *metrics.Metrics) *Manager {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Manager{
		registry: registry,
		loader:   loader,
		metrics:  m,
		log:      logger.WithComponent("sae-manager"),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// Get returns the resident decoder when it matches (modelID, layer).
// Otherwise the resident decoder is unloaded first, the request validated
// against the registry, and the new decoder loaded.
func (m *Manager) Get(ctx context.Context, modelID string, layer int) (*Decoder, Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, known := m.registry.Lookup(modelID)
	if m.dec != nil && m.modelID == modelID && m.layer == layer {
		return m.dec, info, nil
	}
	m.unloadLocked()

	if !known {
		return nil, Info{}, errs.Newf(errs.ErrUnsupportedModel, "No SAE available for model: %s", modelID)
	}
	if !info.HasLayer(layer) {
		return nil, Info{}, errs.Newf(errs.ErrUnsupportedLayer, "Layer %d not available for SAE. Valid: %v", layer, info.Layers)
	}
	if m.loader == nil {
		return nil, Info{}, fmt.Errorf("sae: no loader configured")
	}

	m.log.Info("loading SAE", "release", info.Release, "sae_id", info.SAEID(layer))
	dec, err := m.loader.Load(ctx, info, layer)
	if err != nil {
		return nil, Info{}, fmt.Errorf("load SAE %s/%s: %w", info.Release, info.SAEID(layer), err)
	}
	if err := dec.Validate(); err != nil {
		return nil, Info{}, err
	}
	m.dec, m.modelID, m.layer = dec, modelID, layer
	if m.metrics != nil {
		m.metrics.SAELoadsTotal.WithLabelValues(modelID).Inc()
	}
	m.log.Info("SAE loaded", "model_id", modelID, "layer", layer, "d_sae", dec.DSAE)
	return dec, info, nil
}

// Unload is idempotent and reports whether a decoder was resident.
func (m *Manager) Unload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked()
}

func (m *Manager) UnloadIfModel(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dec == nil || m.modelID != modelID {
		return false
	}
	return m.unloadLocked()
}

func (m *Manager) unloadLocked() bool {
	if m.dec == nil {
		return false
	}
	m.log.Info("SAE unloaded", "model_id", m.modelID, "layer", m.layer)
	m.dec, m.modelID, m.layer = nil, "", 0
	return true
}

// Resident reports the (model, layer) of the loaded decoder.
func (m *Manager) Resident() (modelID string, layer int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelID, m.layer, m.dec != nil
}

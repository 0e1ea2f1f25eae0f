package model

import (
	"context"
	"log/slog"
	"sync"

	"neuralmri-go/internal/errs"
	"neuralmri-go/internal/logger"
)

// Info summarises the resident model.
type Info struct {
	ModelID        string `json:"model_id"`
	Architecture   string `json:"architecture"`
	Path           string `json:"path,omitempty"`
	Config         Config `json:"config"`
	TotalParams    int64  `json:"total_params"`
	NComponents    int    `json:"n_components"`
	TiedEmbeddings bool   `json:"tied_embeddings"`
	Device         string `json:"device"`
}

// Manager owns the single resident model. Swapping is unload-old then
// load-new, and waits for any pass in flight on the old model.
type Manager struct {
	mu       sync.RWMutex
	model    *Model
	device   string
	observer func()
	onUnload []func(modelID string)
	log      *slog.Logger
}

func NewManager(device string) *Manager {
	if device == "" {
		device = "auto"
	}
	return &Manager{device: resolveDevice(device), log: logger.WithComponent("model-manager")}
}

// Only the CPU backend exists; "auto" resolves to it.
func resolveDevice(string) string { return "cpu" }

// OnUnload registers fn to run with the old model id whenever a model is
// unloaded or replaced.
func (mg *Manager) OnUnload(fn func(modelID string)) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.onUnload = append(mg.onUnload, fn)
}

// SetPassObserver is attached to every model loaded afterwards.
func (mg *Manager) SetPassObserver(fn func()) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.observer = fn
	if mg.model != nil {
		mg.model.SetPassObserver(fn)
	}
}

// Load reads path and makes it the resident model under id (or the
// model's own name when id is empty).
func (mg *Manager) Load(ctx context.Context, id, path string) (*Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := Load(path)
	if err != nil {
		return nil, err
	}
	if id != "" {
		m.id = id
	}
	mg.LoadModel(m)
	return m, nil
}

func (mg *Manager) LoadModel(m *Model) {
	mg.mu.Lock()
	old := mg.detachLocked()
	m.SetPassObserver(mg.observer)
	mg.model = m
	hooks := append([]func(string){}, mg.onUnload...)
	mg.mu.Unlock()

	mg.finishUnload(old, hooks)
	mg.log.Info("model loaded", "model_id", m.id, "layers", m.cfg.Layers, "params", m.TotalParams(), "device", mg.device)
}

// Unload drops the resident model. It reports whether one was loaded.
func (mg *Manager) Unload() bool {
	mg.mu.Lock()
	old := mg.detachLocked()
	hooks := append([]func(string){}, mg.onUnload...)
	mg.mu.Unlock()
	return mg.finishUnload(old, hooks)
}

func (mg *Manager) detachLocked() *Model {
	old := mg.model
	mg.model = nil
	return old
}

func (mg *Manager) finishUnload(old *Model, hooks []func(string)) bool {
	if old == nil {
		return false
	}
	// Wait out a pass that already holds the old model.
	old.mu.Lock()
	old.SetPassObserver(nil)
	old.mu.Unlock()
	for _, fn := range hooks {
		fn(old.id)
	}
	mg.log.Info("model unloaded", "model_id", old.id)
	return true
}

func (mg *Manager) IsLoaded() bool {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return mg.model != nil
}

func (mg *Manager) Model() (*Model, error) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	if mg.model == nil {
		return nil, errs.New(errs.ErrModelNotLoaded, "No model loaded")
	}
	return mg.model, nil
}

// Resolve returns the model pinned on ctx by WithModel, else the resident
// model.
func (mg *Manager) Resolve(ctx context.Context) (*Model, error) {
	if m, ok := ctx.Value(pinnedKey{}).(*Model); ok && m != nil {
		return m, nil
	}
	return mg.Model()
}

// IsResident reports whether m is still the resident model.
func (mg *Manager) IsResident(m *Model) bool {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return m != nil && mg.model == m
}

type pinnedKey struct{}

// WithModel pins m for every Resolve made under the returned context, so
// one scan sees one model even if the resident model is swapped meanwhile.
func WithModel(ctx context.Context, m *Model) context.Context {
	return context.WithValue(ctx, pinnedKey{}, m)
}

func (mg *Manager) ModelID() string {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	if mg.model == nil {
		return ""
	}
	return mg.model.id
}

func (mg *Manager) Device() string { return mg.device }

func (mg *Manager) Info() (Info, error) {
	m, err := mg.Model()
	if err != nil {
		return Info{}, err
	}
	return Info{
		ModelID:        m.id,
		Architecture:   m.arch,
		Path:           m.path,
		Config:         m.cfg,
		TotalParams:    m.TotalParams(),
		NComponents:    len(m.components),
		TiedEmbeddings: m.tied,
		Device:         mg.device,
	}, nil
}

// Package sae holds the sparse-feature decoder registry, the decoder
// itself and the single-slot manager that keeps at most one decoder
// resident.
package sae

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Info describes the decoder family available for one model.
type Info struct {
	Release                string `yaml:"release" json:"release"`
	SAEIDTemplate          string `yaml:"saeIdTemplate" json:"sae_id_template"`
	HookTemplate           string `yaml:"hookTemplate" json:"hook_template"`
	Layers                 []int  `yaml:"layers" json:"layers"`
	DSAE                   int    `yaml:"dSae" json:"d_sae"`
	NeuronpediaURLTemplate string `yaml:"neuronpediaUrlTemplate" json:"neuronpedia_url_template,omitempty"`
}

func expand(tmpl string, layer int) string {
	return strings.ReplaceAll(tmpl, "{layer}", strconv.Itoa(layer))
}

func (i Info) SAEID(layer int) string { return expand(i.SAEIDTemplate, layer) }

// HookName is the hook point a layer's decoder reads from when the decoder
// file does not name one.
func (i Info) HookName(layer int) string { return expand(i.HookTemplate, layer) }

func (i Info) NeuronpediaURL(layer, feature int) string {
	if i.NeuronpediaURLTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(expand(i.NeuronpediaURLTemplate, layer), "{feature_idx}", strconv.Itoa(feature))
}

func (i Info) HasLayer(layer int) bool { return slices.Contains(i.Layers, layer) }

func layerRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Registry is an immutable model id to Info table.
type Registry struct {
	entries map[string]Info
}

func builtins() map[string]Info {
	return map[string]Info{
		"gpt2": {
			Release:                "gpt2-small-res-jb",
			SAEIDTemplate:          "blocks.{layer}.hook_resid_pre",
			HookTemplate:           "blocks.{layer}.hook_resid_pre",
			Layers:                 layerRange(12),
			DSAE:                   24576,
			NeuronpediaURLTemplate: "https://neuronpedia.org/gpt2-small/{layer}-res-jb/{feature_idx}",
		},
		"google/gemma-2-2b": {
			Release:                "gemma-scope-2b-pt-res-canonical",
			SAEIDTemplate:          "layer_{layer}/width_16k/canonical",
			HookTemplate:           "blocks.{layer}.hook_resid_post",
			Layers:                 layerRange(26),
			DSAE:                   16384,
			NeuronpediaURLTemplate: "https://neuronpedia.org/gemma-2-2b/{layer}-gemmascope-res-16k/{feature_idx}",
		},
	}
}

func DefaultRegistry() *Registry {
	return &Registry{entries: builtins()}
}

// NewRegistry builds a registry from the built-ins plus extra, with extra
// entries replacing built-ins of the same id.
func NewRegistry(extra map[string]Info) *Registry {
	entries := builtins()
	for id, info := range extra {
		entries[id] = info
	}
	return &Registry{entries: entries}
}

type registryFile struct {
	Models map[string]Info `yaml:"models"`
}

// LoadRegistry merges the YAML file at path over the built-ins. An empty
// path yields the built-ins.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sae registry %s: %w", path, err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing sae registry %s: %w", path, err)
	}
	for id, info := range f.Models {
		if info.Release == "" || info.SAEIDTemplate == "" || len(info.Layers) == 0 {
			return nil, fmt.Errorf("sae registry %s: entry %q needs release, saeIdTemplate and layers", path, id)
		}
		if info.HookTemplate == "" {
			info.HookTemplate = "blocks.{layer}.hook_resid_pre"
			f.Models[id] = info
		}
	}
	return NewRegistry(f.Models), nil
}

// Lookup returns a copy of the entry for modelID.
func (r *Registry) Lookup(modelID string) (Info, bool) {
	info, ok := r.entries[modelID]
	if !ok {
		return Info{}, false
	}
	info.Layers = slices.Clone(info.Layers)
	return info, true
}

// Support reports decoder availability for each of ids.
func (r *Registry) Support(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, out[id] = r.entries[id]
	}
	return out
}

func (r *Registry) Models() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

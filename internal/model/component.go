package model

import (
	"fmt"
	"strconv"
	"strings"

	"neuralmri-go/internal/errs"
)

type ComponentType string

const (
	TypeEmbed     ComponentType = "embed"
	TypeAttention ComponentType = "attention"
	TypeMLP       ComponentType = "mlp"
	TypeOutput    ComponentType = "output"
)

// Component is one addressable stage of the forward pass. Layer is -1 for
// the embedding and unembedding.
type Component struct {
	ID    string
	Type  ComponentType
	Layer int
	Hook  string
}

const HookEmbed = "hook_embed"

func BlockHook(layer int, name string) string {
	return "blocks." + strconv.Itoa(layer) + "." + name
}

func HookResidPre(l int) string { return BlockHook(l, "hook_resid_pre") }
func HookZ(l int) string { return BlockHook(l, "attn.hook_z") }
func HookPattern(l int) string { return BlockHook(l, "attn.hook_pattern") }
func HookAttnOut(l int) string { return BlockHook(l, "hook_attn_out") }
func HookResidMid(l int) string { return BlockHook(l, "hook_resid_mid") }
func HookMLPOut(l int) string { return BlockHook(l, "hook_mlp_out") }
func HookResidPost(l int) string { return BlockHook(l, "hook_resid_post") }

func AttnID(l int) string { return fmt.Sprintf("blocks.%d.attn", l) }
func MLPID(l int) string { return fmt.Sprintf("blocks.%d.mlp", l) }

func buildComponents(cfg Config) []Component {
	out := make([]Component, 0, 2+2*cfg.Layers)
	out = append(out, Component{ID: "embed", Type: TypeEmbed, Layer: -1, Hook: HookEmbed})
	for l := 0; l < cfg.Layers; l++ {
		out = append(out,
			Component{ID: AttnID(l), Type: TypeAttention, Layer: l, Hook: HookAttnOut(l)},
			Component{ID: MLPID(l), Type: TypeMLP, Layer: l, Hook: HookMLPOut(l)},
		)
	}
	return append(out, Component{ID: "unembed", Type: TypeOutput, Layer: -1, Hook: HookResidPost(cfg.Layers - 1)})
}

func buildHookNames(cfg Config) map[string]struct{} {
	names := map[string]struct{}{HookEmbed: {}}
	for l := 0; l < cfg.Layers; l++ {
		for _, h := range []string{HookResidPre(l), HookZ(l), HookPattern(l), HookAttnOut(l), HookResidMid(l), HookMLPOut(l), HookResidPost(l)} {
			names[h] = struct{}{}
		}
	}
	return names
}

// ResolveHook maps a patchable component id onto the hook point carrying
// its output.
func (m *Model) ResolveHook(id string) (string, error) {
	if id == "embed" {
		return HookEmbed, nil
	}
	rest, ok := strings.CutPrefix(id, "blocks.")
	if ok {
		idx, kind, _ := strings.Cut(rest, ".")
		l, err := strconv.Atoi(idx)
		if err == nil && l >= 0 && l < m.cfg.Layers {
			switch kind {
			case "attn":
				return HookAttnOut(l), nil
			case "mlp":
				return HookMLPOut(l), nil
			}
		}
	}
	return "", errs.Newf(errs.ErrUnknownComponent, "Unknown component: %s", id)
}

func (m *Model) Components() []Component {
	return append([]Component(nil), m.components...)
}

// PatchableComponents is embed followed by attn and mlp for every layer.
func (m *Model) PatchableComponents() []Component {
	return m.Components()[:1+2*m.cfg.Layers]
}

func (m *Model) HasHook(name string) bool {
	_, ok := m.hookNames[name]
	return ok
}

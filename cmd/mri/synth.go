package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/model"
	"neuralmri-go/internal/sae"
)

type synthFlags struct {
	out      string
	id       string
	seed     int64
	saeDir   string
	registry string
	dSAE     int
}

func newSynthCmd() *cobra.Command {
	var f synthFlags
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Write a small random model (and optional SAE decoders) as GGUF",
		Long: `synth writes a randomly initialised llama-style model with a byte-level
BPE vocabulary. With --sae-dir it also writes one random decoder per layer
that the SAE registry lists for the model id, laid out for the directory
loader.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSynth(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.out, "out", "synthetic.gguf", "Output path (.gguf or .gguf.zst)")
	cmd.Flags().StringVar(&f.id, "id", "gpt2", "Model id written as general.name")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&f.saeDir, "sae-dir", "", "Also write SAE decoders under this directory")
	cmd.Flags().StringVar(&f.registry, "sae-registry", "", "SAE registry YAML (built-in registry when empty)")
	cmd.Flags().IntVar(&f.dSAE, "d-sae", 256, "SAE dictionary size")
	return cmd
}

func runSynth(cmd *cobra.Command, f synthFlags) error {
	cfg := model.SyntheticConfig()
	m, err := model.NewRandom(f.id, cfg, f.seed)
	if err != nil {
		return err
	}
	if err := m.WriteGGUF(f.out); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "model=%s id=%s layers=%d d_model=%d params=%d\n", f.out, f.id, cfg.Layers, cfg.DModel, m.TotalParams())

	if f.saeDir == "" {
		return nil
	}
	registry, err := sae.LoadRegistry(f.registry)
	if err != nil {
		return err
	}
	info, ok := registry.Lookup(f.id)
	if !ok {
		return fmt.Errorf("no SAE registry entry for model %s", f.id)
	}
	loader := sae.DirLoader{Dir: f.saeDir}
	for layer := range cfg.Layers {
		if !info.HasLayer(layer) {
			continue
		}
		path := loader.Path(info, layer)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		dec := sae.NewRandomDecoder(info.HookName(layer), cfg.DModel, f.dSAE, f.seed+int64(layer))
		if err := dec.WriteGGUF(path); err != nil {
			return fmt.Errorf("write sae layer %d: %w", layer, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sae=%s hook=%s d_sae=%d\n", path, dec.HookName, dec.DSAE)
	}
	return nil
}

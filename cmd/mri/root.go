package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/config"
	"neuralmri-go/internal/logger"
	"neuralmri-go/pkg/neuralmri"
)

type globalFlags struct {
	configPath string
	modelPath  string
	modelID    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "mri",
		Short:         "Scan and perturb transformer internals",
		Long:          `mri runs structural, weight, activation, circuit, anomaly and sparse-feature scans over a GGUF model and applies causal interventions to its components.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to YAML config file")
	pf.StringVar(&g.modelPath, "model", "", "Path to GGUF model (.gguf or .gguf.zst)")
	pf.StringVar(&g.modelID, "model-id", "", "Model id used for cache keys and SAE lookup")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(
		newScanCmd(&g),
		newPerturbCmd(&g),
		newSynthCmd(),
		newInspectCmd(),
		newHashCmd(),
		newTokenizeCmd(),
		newServeCmd(&g),
	)
	return root
}

// loadConfig reads the config file and lets flags override it.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.modelPath != "" {
		cfg.ModelPath = g.modelPath
	}
	if g.modelID != "" {
		cfg.DefaultModel = g.modelID
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// openSession builds a session and loads the configured model into it.
func (g *globalFlags) openSession(ctx context.Context) (*neuralmri.Session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := neuralmri.New(*cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.LoadModel(ctx, cfg.DefaultModel, cfg.ModelPath); err != nil {
		return nil, err
	}
	return s, nil
}

// runJSON opens a session, runs fn and prints its result.
func (g *globalFlags) runJSON(fn func(context.Context, *neuralmri.Session) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		s, err := g.openSession(cmd.Context())
		if err != nil {
			return err
		}
		res, err := fn(cmd.Context(), s)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/analysis"
	"neuralmri-go/pkg/neuralmri"
)

func newScanCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a read-only scan and print the result as JSON",
	}

	structural := &cobra.Command{
		Use:   "structural",
		Short: "T1: model topology and parameter counts",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.ScanStructural(ctx)
		}),
	}

	var weights analysis.WeightRequest
	weightsCmd := &cobra.Command{
		Use:   "weights",
		Short: "T2: per-parameter weight statistics",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.ScanWeights(ctx, weights)
		}),
	}
	weightsCmd.Flags().StringSliceVar(&weights.Layers, "layers", nil, "Only parameters whose name contains one of these substrings")

	var act analysis.ActivationRequest
	actCmd := &cobra.Command{
		Use:   "activation",
		Short: "fMRI: per-component activation strength per token",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.ScanActivation(ctx, act)
		}),
	}
	actCmd.Flags().StringVar(&act.Prompt, "prompt", "", "Prompt text")
	actCmd.Flags().StringSliceVar(&act.Layers, "layers", nil, "Only these component ids")
	actCmd.Flags().StringVar(&act.Aggregation, "aggregation", "l2", "Per-position aggregation: l2 or mean")

	circ := analysis.CircuitRequest{TargetTokenIdx: -1}
	circCmd := &cobra.Command{
		Use:   "circuit",
		Short: "DTI: component importance by zero-ablation",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.ScanCircuit(ctx, circ)
		}),
	}
	circCmd.Flags().StringVar(&circ.Prompt, "prompt", "", "Prompt text")
	circCmd.Flags().IntVar(&circ.TargetTokenIdx, "target", -1, "Target position (negative for last)")
	circCmd.Flags().Float64Var(&circ.Threshold, "threshold", 0, "Pathway threshold (0 for the configured default)")

	var anom analysis.AnomalyRequest
	anomCmd := &cobra.Command{
		Use:   "anomaly",
		Short: "FLAIR: logit-lens anomaly scores",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.ScanAnomaly(ctx, anom)
		}),
	}
	anomCmd.Flags().StringVar(&anom.Prompt, "prompt", "", "Prompt text")

	var feat analysis.SAERequest
	saeCmd := &cobra.Command{
		Use:   "sae",
		Short: "SAE: sparse feature decomposition at one layer",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.ScanSAE(ctx, feat)
		}),
	}
	saeCmd.Flags().StringVar(&feat.Prompt, "prompt", "", "Prompt text")
	saeCmd.Flags().IntVar(&feat.Layer, "layer", 0, "Layer index")
	saeCmd.Flags().IntVar(&feat.TopK, "top-k", analysis.DefaultSAETopK, "Features to report")

	saeInfo := &cobra.Command{
		Use:   "sae-info",
		Short: "Report SAE availability for the loaded model",
		RunE: g.runJSON(func(_ context.Context, s *neuralmri.Session) (any, error) {
			return s.SAEInfo(), nil
		}),
	}

	cmd.AddCommand(structural, weightsCmd, actCmd, circCmd, anomCmd, saeCmd, saeInfo)
	return cmd
}

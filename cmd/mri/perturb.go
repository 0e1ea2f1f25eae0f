package main

import (
	"context"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/perturb"
	"neuralmri-go/pkg/neuralmri"
)

func newPerturbCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perturb",
		Short: "Intervene on a component and compare predictions",
	}
	componentFlags := func(c *cobra.Command, req *perturb.ComponentRequest) {
		c.Flags().StringVar(&req.Component, "component", "", "Component id (embed, blocks.N.attn, blocks.N.mlp)")
		c.Flags().StringVar(&req.Prompt, "prompt", "", "Prompt text")
		_ = c.MarkFlagRequired("component")
	}

	var zero perturb.ComponentRequest
	zeroCmd := &cobra.Command{
		Use:   "zero",
		Short: "Replace a component's output with zeros",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.ZeroOut(ctx, zero)
		}),
	}
	componentFlags(zeroCmd, &zero)

	var (
		amp    perturb.ComponentRequest
		factor float64
	)
	ampCmd := &cobra.Command{
		Use:   "amplify",
		Short: "Scale a component's output",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.Amplify(ctx, perturb.AmplifyRequest{Component: amp.Component, Prompt: amp.Prompt, Factor: &factor})
		}),
	}
	componentFlags(ampCmd, &amp)
	ampCmd.Flags().Float64Var(&factor, "factor", perturb.DefaultAmplifyFactor, "Scale factor")

	var ablate perturb.ComponentRequest
	ablateCmd := &cobra.Command{
		Use:   "ablate",
		Short: "Replace a component's output with its mean over positions",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.Ablate(ctx, ablate)
		}),
	}
	componentFlags(ablateCmd, &ablate)

	patch := perturb.PatchRequest{TargetTokenIdx: -1}
	patchCmd := &cobra.Command{
		Use:   "patch",
		Short: "Patch one component's clean activation into the corrupt run",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.Patch(ctx, patch)
		}),
	}
	patchCmd.Flags().StringVar(&patch.CleanPrompt, "clean", "", "Clean prompt")
	patchCmd.Flags().StringVar(&patch.CorruptPrompt, "corrupt", "", "Corrupt prompt")
	patchCmd.Flags().StringVar(&patch.Component, "component", "", "Component id")
	patchCmd.Flags().IntVar(&patch.TargetTokenIdx, "target", -1, "Target position (negative for last)")
	_ = patchCmd.MarkFlagRequired("component")

	trace := perturb.CausalTraceRequest{TargetTokenIdx: -1}
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Patch every component in turn and report recovery",
		RunE: g.runJSON(func(ctx context.Context, s *neuralmri.Session) (any, error) {
			return s.CausalTrace(ctx, trace)
		}),
	}
	traceCmd.Flags().StringVar(&trace.CleanPrompt, "clean", "", "Clean prompt")
	traceCmd.Flags().StringVar(&trace.CorruptPrompt, "corrupt", "", "Corrupt prompt")
	traceCmd.Flags().IntVar(&trace.TargetTokenIdx, "target", -1, "Target position (negative for last)")

	cmd.AddCommand(zeroCmd, ampCmd, ablateCmd, patchCmd, traceCmd)
	return cmd
}

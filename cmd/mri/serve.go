package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"neuralmri-go/internal/server"
	"neuralmri-go/pkg/neuralmri"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API, the /ws scan stream and /metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			session, err := neuralmri.New(*cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.ModelPath != "" {
				if _, err := session.LoadModel(ctx, cfg.DefaultModel, cfg.ModelPath); err != nil {
					return err
				}
			} else {
				slog.Warn("starting without a model; load one via POST /api/model/load")
			}
			defer session.UnloadModel()

			if addr == "" {
				addr = cfg.Server.Addr()
			}
			return server.New(session).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config host:port)")
	return cmd
}

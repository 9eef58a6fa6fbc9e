package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/ttsworkerd/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ttsworkerd HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, recorder, err := buildDispatcher(ctx, cfg)
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server.ListenAddr, d,
				server.WithRequestTimeout(cfg.RequestTimeout()),
				server.WithMetrics(recorder),
				server.WithOutputsDir(cfg.Server.OutputsDir),
			).WithShutdownTimeout(cfg.ShutdownTimeout())

			if err := srv.Start(ctx); err != nil {
				_ = d.Shutdown(context.Background())
				return err
			}

			return d.Shutdown(context.Background())
		},
	}

	return cmd
}

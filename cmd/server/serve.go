package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-auth/internal/app"
	"portal-auth/internal/config"
	"portal-auth/internal/logger"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.Init(cfg.LogFormat, cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(
				context.Background(),
				os.Interrupt,
				syscall.SIGTERM,
			)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- application.Run()
			}()

			logger.Info("portal-auth started", map[string]any{
				"port":    cfg.AppPort,
				"version": Version,
			})

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received", nil)
			case err := <-serveErr:
				if err != nil {
					logger.Error("http server failed", map[string]any{
						"error": err.Error(),
					})
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := application.Shutdown(shutdownCtx); err != nil {
				return err
			}

			logger.Info("portal-auth stopped cleanly", nil)
			return nil
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests and community tasks")
	return cmd
}

package main

import (
	"portal-auth/internal/app"
	"portal-auth/internal/config"
	"portal-auth/internal/logger"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the account store schema",
		Long: `Create or update the account store schema for STORE_DRIVER.

The schema is idempotent; running migrate against an up-to-date store is
a no-op. serve applies the same schema on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.Init(cfg.LogFormat, cfg.LogLevel)

			store, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("schema up to date", map[string]any{
				"driver": cfg.StoreDriver,
			})
			return nil
		},
	}
}

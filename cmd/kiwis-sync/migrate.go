package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/config"
	"github.com/vipul43/kiwis-sync/internal/database"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadMigrationEnv()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("applying database migrations")
			if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("migrations completed")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadMigrationEnv()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("reverting database migrations", zap.Int("steps", steps))
			if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
				return err
			}
			logger.Info("migrations reverted")
			return nil
		},
	}
	down.Flags().IntVarP(&steps, "num-steps", "n", 1, "Number of migrations to revert (0 = all)")

	cmd.AddCommand(up, down)
	return cmd
}

func loadMigrationEnv() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

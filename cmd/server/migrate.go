package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/warp/posting-engine/config"
	"github.com/warp/posting-engine/logging"
	"github.com/warp/posting-engine/store/postgres"
	"github.com/warp/posting-engine/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			log.Error().Err(err).Msg("database connection failed")
			return err
		}
		defer pool.Close()

		if err := postgres.ApplyMigrations(ctx, pool, log); err != nil {
			log.Error().Err(err).Msg("migration failed")
			return err
		}

	case config.DriverSQLite:
		// Opening the store creates any missing tables.
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.SQLitePath).Msg("migration failed")
			return err
		}
		defer s.Close()

	default:
		log.Info().Str("driver", cfg.DBDriver).Msg("nothing to migrate")
		return nil
	}

	log.Info().Str("driver", cfg.DBDriver).Msg("all migrations applied successfully")
	return nil
}

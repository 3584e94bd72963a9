package main

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	root "github.com/mhabedinpour-collector/collector"
	"github.com/mhabedinpour-collector/collector/internal/config"
	"github.com/mhabedinpour-collector/collector/pkg/logger"
)

// migrateCommand constructs the 'migrate' subcommand that applies the
// embedded goose migrations (repositories, users, issues, comments,
// watermarks, collection_jobs, spam_flags) to the latest version.
func migrateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrates database to the latest version",
		Run: func(_ *cobra.Command, _ []string) {
			ctx := context.Background()

			strg, closeStrg := getPostgres(ctx, cfg)
			defer closeStrg()

			goose.SetBaseFS(root.Migrations)

			if err := goose.SetDialect("postgres"); err != nil {
				logger.Fatal(ctx, "could not set goose dialect to postgres", zap.Error(err))
			}

			sqlDB, ok := strg.DB.(*sql.DB)
			if !ok {
				logger.Fatal(ctx, "postgres handle is not a *sql.DB outside a transaction")
			}

			if err := goose.Up(sqlDB, "migrations"); err != nil {
				logger.Fatal(ctx, "could not migrate database", zap.Error(err))
			}
		},
	}

	return cmd
}

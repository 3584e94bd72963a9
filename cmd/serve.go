package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mhabedinpour-collector/collector/internal/api"
	"github.com/mhabedinpour-collector/collector/internal/broker"
	jobstorepg "github.com/mhabedinpour-collector/collector/internal/collector/jobstore/postgres"
	"github.com/mhabedinpour-collector/collector/internal/collector/worker"
	"github.com/mhabedinpour-collector/collector/internal/config"
	"github.com/mhabedinpour-collector/collector/pkg/logger"
)

// setupServer configures and starts the HTTP control-surface server
// asynchronously and returns a function that gracefully shuts it down using
// the provided context.
func setupServer(ctx context.Context, deps api.Deps, opts api.Options) func(ctx context.Context) {
	server := api.NewServer(deps, opts)

	go func() {
		logger.Info(ctx, "starting control-surface webserver...", zap.String("addr", opts.Addr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "could not start webserver", zap.Error(err))
		}
	}()

	return func(shutdownCtx context.Context) {
		logger.Info(ctx, "stopping webserver...")

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "could not stop webserver", zap.Error(err))
		}
	}
}

// serveCommand constructs the 'serve' subcommand that runs the request
// broker, the collection worker, and the operator control surface until
// interrupted.
func serveCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the collection worker and the control-surface API",
		Run: func(_ *cobra.Command, _ []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			strg, closeStrg := getPostgres(ctx, cfg)
			defer closeStrg()

			sqlDB, ok := strg.DB.(*sql.DB)
			if !ok {
				logger.Fatal(ctx, "postgres handle is not a *sql.DB outside a transaction")
			}

			jobs := jobstorepg.New(sqlDB)
			defer func() {
				if err := jobs.Close(); err != nil {
					logger.Warn(ctx, "could not close job store", zap.Error(err))
				}
			}()

			jobs.WithNotify(postgresDSN(cfg))

			fetch := broker.New(cfg)

			w := worker.New(jobs, strg, fetch, cfg.Worker, wakeChan(jobs))

			workerErrCh := make(chan error, 1)

			go func() {
				workerErrCh <- w.Run(ctx)
			}()

			stopWebserver := setupServer(ctx, api.Deps{
				Jobs:   jobs,
				ReadDB: sqlx.NewDb(sqlDB, "postgres"),
			}, api.NewOptions(cfg))

			select {
			case <-ctx.Done():
			case err := <-workerErrCh:
				if err != nil {
					logger.Error(ctx, "collection worker exited", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
			defer cancel()

			stopWebserver(shutdownCtx)
		},
	}

	return cmd
}

// wakeChan adapts jobs' PostgreSQL LISTEN/NOTIFY channel into the plain
// <-chan struct{} signal worker.New expects, so the worker's poll loop can
// react to a notification without depending on the jobstore/postgres
// package's pq.Notification type.
func wakeChan(jobs *jobstorepg.PgSQL) <-chan struct{} {
	notifications := jobs.Notifications()
	if notifications == nil {
		return nil
	}

	out := make(chan struct{})

	go func() {
		for range notifications {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out
}

// postgresDSN rebuilds the libpq-style connection string pq.Listener needs,
// matching the DSN store/postgres.New derives from the same config fields.
func postgresDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Username,
		cfg.Database.DatabaseName, cfg.Database.Password, cfg.Database.SslMode)
}

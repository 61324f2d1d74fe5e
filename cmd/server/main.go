package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/copypaste/internal/api"
	"github.com/manpreetbhatti/copypaste/internal/config"
	"github.com/manpreetbhatti/copypaste/internal/db"
	"github.com/manpreetbhatti/copypaste/internal/feed"
	"github.com/manpreetbhatti/copypaste/internal/logging"
	"github.com/manpreetbhatti/copypaste/internal/maintenance"
	"github.com/manpreetbhatti/copypaste/internal/pgstore"
	"github.com/manpreetbhatti/copypaste/internal/ratelimit"
	"github.com/manpreetbhatti/copypaste/internal/store"
	"github.com/manpreetbhatti/copypaste/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configFile string

	cmd := &cobra.Command{
		Use:           "copypaste-server",
		Short:         "Serve shared room documents over HTTP and a websocket change feed",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "copypaste-server:", err)
		os.Exit(1)
	}
}

// openStore returns the configured backend and its closer.
func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, io.Closer, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		database, err := db.New(cfg.Store.SQLitePath, logger.Named("db"))
		if err != nil {
			return nil, nil, err
		}
		return database, database, nil
	case config.DriverPostgres:
		pg, err := pgstore.Open(cfg.Store.PostgresDSN, logger.Named("pgstore"))
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	case config.DriverMemory:
		return store.NewMemory(), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func run(ctx context.Context, cfg *config.Config) error {
	logger, syncLogs, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer syncLogs()

	backend, closer, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closer.Close()

	broker := feed.NewBroker(logger.Named("feed"))
	limiter := ratelimit.NewClientLimiters(cfg.RateLimit.WritesPerSecond, cfg.RateLimit.Burst)
	defer limiter.Stop()

	apiHandler := api.New(api.Config{
		Store:    feed.Notifying(backend, broker),
		Presence: broker,
		Limiter:  limiter,
		Feed:     ws.NewServer(broker, logger.Named("ws")),
		Logger:   logger.Named("api"),
	})

	maint := maintenance.New(backend, broker, maintenance.Config{Interval: cfg.Maintenance.Interval}, logger.Named("maintenance"))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Copypaste server starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Driver),
	)
	logger.Info("Endpoints",
		zap.Strings("routes", []string{
			"GET /ws?room={id}",
			"GET /health",
			"GET /api/stats",
			"GET/POST /api/rooms",
			"POST /api/rooms/new",
			"GET /api/rooms/{id}",
			"PUT /api/rooms/{id}/content",
		}),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		broker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return maint.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		broker.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/jitaccess/internal/api"
	"github.com/edvin/jitaccess/internal/app"
	"github.com/edvin/jitaccess/internal/config"
	"github.com/edvin/jitaccess/internal/db"
	"github.com/edvin/jitaccess/internal/logging"
	"github.com/edvin/jitaccess/internal/metrics"
	"github.com/edvin/jitaccess/internal/reaper"
	"github.com/edvin/jitaccess/migrations"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	reaperFlag := flag.Bool("reaper", true, "Expire grants in-process; disable when the worker runs the reap schedule")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("jit-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, migrations.Core, "core"); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	a, err := app.New(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	checks := map[string]api.Check{
		"database": pool.Ping,
		"redis":    a.Ping,
	}
	if cfg.ProxyURL != "" {
		checks["sql-proxy"] = api.HTTPCheck(http.DefaultClient, cfg.ProxyURL+"/health")
	}

	srv := api.NewServer(logger, api.Deps{
		Requests:   a.Manager,
		Store:      a.Store,
		Audit:      a.Audit,
		AdminToken: cfg.AdminToken,
		Checks:     checks,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting access API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if *reaperFlag {
		r := reaper.New(a.Store, a.Manager, cfg.ReaperInterval, logger)
		g.Go(func() error { return r.Run(ctx) })
	}

	metrics.RegisterPgxPoolMetrics(prometheus.DefaultRegisterer, pool)

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return metricsSrv.Close()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}

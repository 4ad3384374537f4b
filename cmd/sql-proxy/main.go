package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/broker"
	"github.com/edvin/jitaccess/internal/cloudaccess"
	"github.com/edvin/jitaccess/internal/config"
	"github.com/edvin/jitaccess/internal/db"
	"github.com/edvin/jitaccess/internal/logging"
	"github.com/edvin/jitaccess/internal/metrics"
	"github.com/edvin/jitaccess/internal/proxy"
	"github.com/edvin/jitaccess/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("sql-proxy"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := proxy.CheckListenAddr(cfg.ProxyListenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	var tokens proxy.TokenSource
	awsCfg, err := cloudaccess.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
	if err != nil {
		logger.Warn().Err(err).Msg("aws credentials unavailable, iam database auth disabled")
	} else {
		tokens = broker.NewTokenMinter(awsCfg.Credentials)
	}

	st := store.NewPostgres(pool)
	service := proxy.NewService(proxy.NewExecutor(tokens), audit.NewWriter(st, logger), st, logger)
	srv := proxy.NewServer(service, logger)

	httpServer := &http.Server{
		Addr:         cfg.ProxyListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: proxy.StatementTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ProxyListenAddr).Msg("starting sql proxy")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

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
		logger.Info().Msg("shutting down sql proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("sql proxy stopped with error")
		os.Exit(1)
	}
}

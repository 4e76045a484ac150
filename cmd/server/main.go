package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sithey/sharpmailer/internal/api"
	"github.com/Sithey/sharpmailer/internal/config"
	"github.com/Sithey/sharpmailer/internal/dispatch"
	"github.com/Sithey/sharpmailer/internal/lock"
	"github.com/Sithey/sharpmailer/internal/metrics"
	"github.com/Sithey/sharpmailer/internal/progress"
	"github.com/Sithey/sharpmailer/internal/secret"
	"github.com/Sithey/sharpmailer/internal/store"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Campaign Store
	// ------------------------------------------------
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn("no DATABASE_URL set, using in-memory store")
		st = store.NewMemory()
	}

	// ------------------------------------------------
	// Secret Codec
	// ------------------------------------------------
	codec, err := secret.New(cfg.SecretKey)
	if err != nil {
		logger.Fatal("invalid secret key", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Dispatch Engine
	// ------------------------------------------------
	locker := &lock.Locker{
		Store:      st,
		StaleAfter: cfg.LockStaleAfter,
		Log:        logger,
	}
	tracker := &progress.Tracker{
		Store: st,
		Log:   logger,
	}
	engine := &dispatch.Engine{
		Store:           st,
		Codec:           codec,
		Locker:          locker,
		Tracker:         tracker,
		Log:             logger,
		SendInterval:    cfg.SendInterval(),
		RetryMaxElapsed: cfg.SendRetryMaxElapsed,
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Engine:  engine,
		Tracker: tracker,
		Store:   st,
		Log:     logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PrioMail/internal/api"
	"PrioMail/internal/config"
	"PrioMail/internal/email"
	"PrioMail/internal/metrics"
	"PrioMail/internal/queue"
	"PrioMail/internal/service"
	"PrioMail/internal/status"
	"PrioMail/internal/worker"
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
	// Status Store
	// ------------------------------------------------
	var backend status.Backend
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := status.NewPostgresBackend(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres backend init failed", zap.Error(err))
		}
		defer pg.Close()
		backend = pg
	default:
		fb, err := status.NewFileBackend(cfg.StatusFile)
		if err != nil {
			logger.Fatal("file backend init failed", zap.Error(err))
		}
		backend = fb
	}

	store := status.NewStore(backend, logger)
	store.LoadSnapshot(ctx)

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
	// Queue + Transport
	// ------------------------------------------------
	taskQueue := queue.New()

	transport := &email.SMTPTransport{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	pool := worker.NewPool(
		worker.Config{
			Workers:          cfg.WorkerCount,
			BackoffUnit:      cfg.BackoffUnit,
			SendTimeout:      cfg.SendTimeout,
			PollTimeout:      cfg.PollTimeout,
			SnapshotInterval: cfg.SnapshotInterval,
		},
		taskQueue,
		store,
		transport,
		limiter,
		logger,
	)
	pool.Start(ctx, &wg)

	// ------------------------------------------------
	// Email Service + HTTP API
	// ------------------------------------------------
	svc := service.New(taskQueue, store, cfg.MaxAttempts, logger)

	apiHandler := &api.Handler{
		Svc: svc,
		Log: logger,
	}

	apiMux := http.NewServeMux()
	apiHandler.Routes(apiMux)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiMux,
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

	// Wait for workers to finish their current task
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	// Final snapshot so queued and failed work survives the restart
	store.SaveSnapshot(shutdownCtx)

	logger.Info("application shutdown complete")
}

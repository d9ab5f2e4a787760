package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"asistencia/internal/attendance"
	"asistencia/internal/config"
	"asistencia/internal/logger"
	"asistencia/internal/metrics"
	"asistencia/internal/queue"
	"asistencia/internal/store"
)

// Worker rotates the active session's token once it expires and publishes the
// new token for instructor screens.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg, err := logger.New(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logg.Sync() }()
	logg = logg.Named("worker")

	if cfg.StoreBackend == "memory" {
		logg.Fatal("worker needs a shared store; with store_backend=memory the api rotates tokens itself")
	}
	if cfg.QueueBackend == "memory" {
		logg.Warn("queue_backend=memory: rotated tokens will not reach the api's live feed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg, logg)
	if err != nil {
		logg.Fatal("open store", zap.Error(err))
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	srv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("metrics server failed", zap.Error(err))
		}
	}()

	svc := attendance.NewService(backend.Store, m.Publisher(queue.NewEventPublisher(backend.Queue)), logg, attendance.Options{
		TokenTTL:         cfg.TokenTTL,
		EnforceExpiry:    cfg.EnforceTokenExpiry,
		TotalClasses:     cfg.TotalClasses,
		PassingThreshold: cfg.PassingThreshold,
	})

	logg.Info("worker started", zap.Duration("interval", cfg.RotationInterval), zap.Duration("token_ttl", cfg.TokenTTL))
	svc.RunRotation(ctx, cfg.RotationInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logg.Info("worker stopped")
}

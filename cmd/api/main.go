package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"asistencia/internal/api"
	"asistencia/internal/attendance"
	"asistencia/internal/auth"
	"asistencia/internal/config"
	"asistencia/internal/httpmiddleware"
	"asistencia/internal/logger"
	"asistencia/internal/metrics"
	"asistencia/internal/queue"
	"asistencia/internal/realtime"
	"asistencia/internal/store"
)

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

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logg); err != nil {
		logg.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	events := m.Publisher(queue.NewEventPublisher(backend.Queue))
	svc := attendance.NewService(backend.Store, events, logg.Named("attendance"), attendance.Options{
		TokenTTL:         cfg.TokenTTL,
		EnforceExpiry:    cfg.EnforceTokenExpiry,
		TotalClasses:     cfg.TotalClasses,
		PassingThreshold: cfg.PassingThreshold,
	})

	verifier, devTokens := newVerifier(cfg, backend)

	hub := realtime.NewHub(cfg.WSMaxConns, logg.Named("realtime"))
	msgs, err := backend.Queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume session events: %w", err)
	}
	go hub.Run(ctx, msgs)

	// The worker cannot see an in-memory store, so rotation runs here.
	if cfg.StoreBackend == "memory" {
		go svc.RunRotation(ctx, cfg.RotationInterval)
	}

	newLimiter := func(perMin int) httpmiddleware.Limiter {
		if backend.Redis != nil {
			return httpmiddleware.NewRedisLimiter(backend.Redis.Client, perMin, time.Minute)
		}
		return httpmiddleware.NewTokenBucket(perMin, perMin)
	}

	health := make(map[string]api.HealthCheck, len(backend.Health))
	for name, check := range backend.Health {
		health[name] = check
	}

	r := api.NewRouter(api.Deps{
		Handler:          api.NewHandler(svc, m, logg.Named("api")),
		Verifier:         verifier,
		Sessions:         auth.NewSessionHandlers(verifier, cfg.SessionTTL, cfg.IsProduction(), logg.Named("auth")),
		DevTokens:        devTokens,
		Realtime:         realtime.NewHandler(hub, cfg.AllowedOrigins(), logg.Named("realtime")),
		Metrics:          m,
		Gatherer:         reg,
		CheckInLimiter:   newLimiter(cfg.RateLimitPerMin),
		CheckInIPLimiter: newLimiter(cfg.RateLimitIPPerMin),
		Health:           health,
		AllowedOrigins:   cfg.AllowedOrigins(),
		Production:       cfg.IsProduction(),
		Log:              logg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info("starting server",
			zap.String("port", cfg.HTTPPort),
			zap.String("store", cfg.StoreBackend),
			zap.String("queue", cfg.QueueBackend),
			zap.String("auth", cfg.AuthProvider),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logg.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Warn("server forced shutdown", zap.Error(err))
	}
	logg.Info("server exited")
	return nil
}

// newVerifier picks the instructor identity provider. The JWT verifier is
// also returned so local setups can mint tokens.
func newVerifier(cfg config.App, backend *store.Backend) (auth.Verifier, *auth.JWTVerifier) {
	if cfg.AuthProvider == "firebase" {
		return auth.NewFirebaseVerifier(backend.Firebase.Auth), nil
	}
	v := auth.NewJWTVerifier(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.SessionTTL)
	return v, v
}

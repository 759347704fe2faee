package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livestream-status/internal/livestream"
	"livestream-status/internal/platform/config"
	"livestream-status/internal/platform/logger"
	"livestream-status/internal/platform/metrics"
	"livestream-status/internal/statussource"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	store, closeStore, err := openStore(context.Background(), cfg, log)
	if err != nil {
		log.Error("store setup failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	execCfg := statussource.DefaultExecutorConfig()
	execCfg.MaxRetries = cfg.FetchRetries
	platform := statussource.NewClient(cfg.StreamAPIBaseURL, cfg.StreamAPITokenID, cfg.StreamAPITokenSecret,
		statussource.WithTimeout(cfg.FetchTimeout),
		statussource.WithExecutorConfig(execCfg),
	)

	repo := livestream.NewRepository(store, livestream.WithStoreTimeout(cfg.StoreTimeout))
	broker := livestream.NewBroker(0)
	reconciler := livestream.NewReconciler(repo, platform, broker, log, met, livestream.ReconcilerConfig{
		Interval:         cfg.PollInterval,
		OfflineThreshold: cfg.OfflineThreshold,
		FetchTimeout:     cfg.FetchTimeout,
	})
	svc := livestream.NewService(repo, reconciler, broker, platform, log, met)
	h := livestream.NewHandler(svc, log)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	reconciler.RunSweeper(runCtx, cfg.SweepInterval)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Gauges are kept by the reconciler; a scrape never touches the store.
	r.Handle("/metrics", met.Handler(nil))
	h.Register(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"poll_interval", cfg.PollInterval.String(),
		"offline_threshold", cfg.OfflineThreshold,
		"sweep_interval", cfg.SweepInterval.String(),
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopRun()
	reconciler.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

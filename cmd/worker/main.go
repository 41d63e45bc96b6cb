package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mediamill/mediamill/internal/config"
	"github.com/mediamill/mediamill/internal/pipeline"
	"github.com/mediamill/mediamill/internal/storage"
	"github.com/mediamill/mediamill/internal/store"
	"github.com/mediamill/mediamill/internal/telemetry"
	"github.com/mediamill/mediamill/internal/webhook"
	"github.com/mediamill/mediamill/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	shutdownTracing, err := telemetry.Setup(setupCtx, "mediamill-worker", cfg.Telemetry, logger)
	cancelSetup()
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	db, err := store.NewPostgresStore(context.Background(), cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	defer db.Close()

	objects, err := storage.NewClient(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Access:    cfg.Storage.AccessKey,
		Secret:    cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		logger.Fatalf("create storage client: %v", err)
	}
	logger.Printf("object storage ready bucket=%s endpoint=%s", objects.Bucket(), cfg.Storage.Endpoint)

	transcoder, err := pipeline.New()
	if err != nil {
		logger.Fatalf("create transcoder: %v", err)
	}

	var hook *webhook.Client
	if cfg.Webhook.Endpoint != "" {
		hook = webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		})
	}

	srv, err := worker.NewServer(
		logger,
		cfg.Worker,
		db,
		db,
		objects,
		transcoder,
		worker.NewGate(cfg.Worker.Concurrency),
		hook,
		cfg.Webhook.Endpoint,
	)
	if err != nil {
		logger.Fatalf("create worker: %v", err)
	}

	metricsServer := &http.Server{
		Addr:    cfg.Worker.MetricsAddr,
		Handler: srv.MetricsHandler(),
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("worker failed: %v", err)
	}

	logger.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}

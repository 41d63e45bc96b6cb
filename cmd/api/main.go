package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediamill/mediamill/internal/api"
	"github.com/mediamill/mediamill/internal/config"
	"github.com/mediamill/mediamill/internal/ratelimit"
	"github.com/mediamill/mediamill/internal/storage"
	"github.com/mediamill/mediamill/internal/store"
	"github.com/mediamill/mediamill/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	shutdownTracing, err := telemetry.Setup(ctx, "mediamill-api", cfg.Telemetry, logger)
	cancel()
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

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
	if err := objects.EnsureBucket(context.Background()); err != nil {
		logger.Fatalf("ensure bucket: %v", err)
	}
	logger.Printf("object storage ready bucket=%s endpoint=%s", objects.Bucket(), cfg.Storage.Endpoint)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.API.RateLimit, cfg.API.RateWindow, "")
	if err != nil {
		logger.Fatalf("create rate limiter: %v", err)
	}

	app, err := api.NewServer(logger, cfg.API, db, db, db, objects, limiter)
	if err != nil {
		logger.Fatalf("create api server: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:    cfg.API.MetricsAddr,
		Handler: app.MetricsHandler(),
	}

	go func() {
		logger.Printf("metrics listening on %s", cfg.API.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"faceattend/internal/cloudinary"
	"faceattend/internal/config"
	"faceattend/internal/evidence"
	"faceattend/internal/queue"
	"faceattend/internal/store"
)

// Worker consumes evidence jobs, uploads captures and records their URLs.
func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", "faceattend-worker"))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		slog.Error("worker needs a shared queue, set QUEUE_BACKEND to redis or kafka")
		os.Exit(1)
	}
	if !cfg.CloudinaryConfigured() {
		slog.Error("cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
		os.Exit(1)
	}

	kv, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		RedisAddr:   cfg.RedisAddr,
	})
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	opts := queue.Options{
		Backend:      cfg.QueueBackend,
		RedisKey:     "faceattend:evidence",
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		KafkaGroup:   "faceattend-evidence",
	}
	if cfg.QueueBackend == "redis" {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		opts.Redis = redisClient.Client
	}
	q, err := queue.Open(opts)
	if err != nil {
		slog.Error("queue open failed", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	up := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	slog.Info("worker started, waiting for messages", "queue", cfg.QueueBackend, "cloud", cfg.CloudinaryCloudName)
	if err := evidence.NewArchiver(kv, up).Run(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
		return
	}
	slog.Info("worker stopped")
}

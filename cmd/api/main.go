package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/cloudinary"
	"faceattend/internal/config"
	"faceattend/internal/evidence"
	"faceattend/internal/faceclient"
	"faceattend/internal/httpapi"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/ledger"
	"faceattend/internal/queue"
	"faceattend/internal/session"
	"faceattend/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", "faceattend-api"))
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		RedisAddr:   cfg.RedisAddr,
	})
	if err != nil {
		return err
	}
	defer kv.Close()

	l, err := ledger.Open(ctx, kv)
	if err != nil {
		return err
	}

	catalog := session.Default()
	if cfg.SessionsFile != "" {
		if catalog, err = session.LoadFile(cfg.SessionsFile); err != nil {
			return err
		}
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.VerifyTimeout)
	if cfg.FaceSkip {
		slog.Warn("face verification disabled, every capture is accepted")
	} else if err := face.Health(ctx); err != nil {
		slog.Warn("face service not available", "url", cfg.FaceServiceURL, "error", err)
	}

	opts := []attendance.Option{
		attendance.WithThreshold(cfg.AcceptThreshold),
		attendance.WithVerifyTimeout(cfg.VerifyTimeout),
	}
	q, closeQueue, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer closeQueue()
	if archiving(cfg) {
		opts = append(opts, attendance.WithAcceptedHook(evidence.NewPublisher(q).OnAccepted))
	}
	if cfg.QueueBackend == "memory" && cfg.CloudinaryConfigured() {
		// No separate worker can read an in-process queue.
		up := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		go func() {
			if err := evidence.NewArchiver(kv, up).Run(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("evidence archiver stopped", "error", err)
			}
		}()
	}
	svc := attendance.NewService(l, catalog, face, opts...)

	h := httpapi.New(httpapi.Deps{
		Ledger:        l,
		Sessions:      catalog,
		Attendance:    svc,
		Signer:        auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		Store:         kv,
		Face:          face,
		AdminPassword: cfg.AdminPassword,
		CaptureLimit:  cfg.CaptureLimitPerMin,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:           24 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, httpmiddleware.ByIP).GinMiddleware())
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.VerifyTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"port", cfg.HTTPPort,
			"store", cfg.StoreBackend,
			"queue", cfg.QueueBackend,
			"students", len(l.ListStudents()),
			"records", l.Len(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server forced shutdown", "error", err)
	}
	slog.Info("server exited")
	return nil
}

// archiving reports whether accepted captures should be queued for upload.
func archiving(cfg config.App) bool {
	if cfg.QueueBackend == "memory" {
		return cfg.CloudinaryConfigured()
	}
	return true
}

// openQueue returns the queue and a func closing it along with any client it owns.
func openQueue(cfg config.App) (queue.Queue, func(), error) {
	opts := queue.Options{
		Backend:      cfg.QueueBackend,
		RedisKey:     "faceattend:evidence",
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
	}
	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		opts.Redis = redisClient.Client
	}
	q, err := queue.Open(opts)
	if err != nil {
		_ = redisClient.Close()
		return nil, nil, err
	}
	return q, func() {
		_ = q.Close()
		_ = redisClient.Close()
	}, nil
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

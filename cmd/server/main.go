// CirrusDrive Server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Hierarchical folder/file metadata over PostgreSQL
// - Presigned and multipart uploads to S3-compatible storage
// - Adaptive part sizing & server-side relay uploads
// - Per-owner storage quotas
// - Streaming zip export of folder trees
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cirrusdrive/cirrusdrive/internal/api"
	"github.com/cirrusdrive/cirrusdrive/internal/archive"
	"github.com/cirrusdrive/cirrusdrive/internal/blobstore/s3"
	"github.com/cirrusdrive/cirrusdrive/internal/cache"
	"github.com/cirrusdrive/cirrusdrive/internal/config"
	"github.com/cirrusdrive/cirrusdrive/internal/logging"
	"github.com/cirrusdrive/cirrusdrive/internal/metadata"
	"github.com/cirrusdrive/cirrusdrive/internal/metrics"
	"github.com/cirrusdrive/cirrusdrive/internal/quota"
	"github.com/cirrusdrive/cirrusdrive/internal/rowstore/postgres"
	"github.com/cirrusdrive/cirrusdrive/internal/upload"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("CirrusDrive Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	rows, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer rows.Close()

	if err := rows.EnsureSchema(ctx); err != nil {
		logging.Fatal("schema setup failed", zap.Error(err))
	}

	// Initialize object storage
	blobs, err := s3.New(ctx, s3.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		logging.Fatal("object storage init failed", zap.Error(err))
	}
	logging.Info("object storage ready", zap.String("bucket", blobs.Bucket()))

	// Metadata engine over a bounded cache
	c := cache.New(cfg.CacheCapacity, cache.DefaultTTL)
	engine := metadata.NewEngine(rows, blobs, c)

	// Quotas
	directory := quota.NewDirectory()
	directory.SetRole(quota.MainStorageOwnerID, quota.RoleAdmin)
	enforcer := quota.NewEnforcer(directory, engine, c)

	// Upload coordinator and zip archiver
	coordinator := upload.NewCoordinator(blobs, engine, enforcer, cfg.UploadURLExpiry)
	archiver := archive.New(engine, blobs, cfg.MaxZipSize)

	// Create API server
	srv := api.NewServer(engine, coordinator, enforcer, archiver, cfg.DownloadURLExpiry)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-ctx.Done()
}

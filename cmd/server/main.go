// FileGrove Server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Change event reconciliation (insert/update/delete)
// - Walker liveness tracking (disconnect + purge windows)
// - Downstream image processing (EXIF metadata, thumbnails)
// - Multi-backend content access (local, S3)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/catalog/postgres"
	"github.com/filegrove/filegrove/internal/config"
	"github.com/filegrove/filegrove/internal/forward"
	"github.com/filegrove/filegrove/internal/imagery"
	"github.com/filegrove/filegrove/internal/listener"
	"github.com/filegrove/filegrove/internal/liveness"
	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/metrics"
	"github.com/filegrove/filegrove/internal/reconcile"
	"github.com/filegrove/filegrove/internal/storage"
	"github.com/filegrove/filegrove/internal/transport"
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

	logging.Info("FileGrove Server starting...",
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("queue_dir", cfg.QueueDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := store.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}
	cat := store.Catalog()

	// Open the durable message queues
	requests, err := transport.OpenFileQueue(cfg.QueueDir, transport.FileStoreRequestQueue)
	if err != nil {
		logging.Fatal("open request queue failed", zap.Error(err))
	}
	defer requests.Close()
	status, err := transport.OpenFileQueue(cfg.QueueDir, transport.WalkerStatusQueue)
	if err != nil {
		logging.Fatal("open status queue failed", zap.Error(err))
	}
	defer status.Close()
	jobs, err := transport.OpenFileQueue(cfg.QueueDir, transport.FileProcessingQueue)
	if err != nil {
		logging.Fatal("open processing queue failed", zap.Error(err))
	}
	defer jobs.Close()

	// Wire the pipeline: listener -> engine -> forwarder -> processor
	tracker := liveness.New(cat.Walkers, cfg.DisconnectWindow(), cfg.CutoffWindow())
	engine := reconcile.New(cat, forward.New(jobs), tracker)
	lst := listener.New(requests, status, engine, tracker, cfg.ListenerWorkers)

	resolver := storage.NewResolver(storage.S3Credentials{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	defer resolver.Close()

	processor := imagery.NewProcessor(cat, resolver, imagery.NewMetadataStore(store.DB()), jobs,
		imagery.Options{
			Workers:           cfg.ProcessorWorkers,
			ThumbnailSize:     cfg.ThumbnailSize,
			ThumbnailGenerate: cfg.ThumbnailGenerate,
		})
	logging.Info("pipeline initialized",
		zap.Int("listener_workers", cfg.ListenerWorkers),
		zap.Int("processor_workers", cfg.ProcessorWorkers),
		zap.Bool("thumbnails", cfg.ThumbnailGenerate))

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

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		metricsServer.Close()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				store.UpdateConnectionMetrics()
				metrics.SetQueueDepth(requests.Name(), requests.Depth())
				metrics.SetQueueDepth(status.Name(), status.Depth())
				metrics.SetQueueDepth(jobs.Name(), jobs.Depth())
			}
		}
	}()

	// Run the worker pools until shutdown
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lst.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		processor.Run(ctx)
	}()
	wg.Wait()

	logging.Info("server stopped")
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

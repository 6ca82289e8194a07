// FileGrove Walker
//
// Per-store agent: scans the store's directory tree, diffs it against
// the catalog, and publishes change events and liveness reports to the
// server's queues. Runs one agent per store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/filegrove/filegrove/internal/agent"
	"github.com/filegrove/filegrove/internal/catalog/postgres"
	"github.com/filegrove/filegrove/internal/config"
	"github.com/filegrove/filegrove/internal/logging"
	"github.com/filegrove/filegrove/internal/transport"
)

func main() {
	cfg, err := config.LoadWalker()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("FileGrove Walker starting...",
		zap.String("store", cfg.StoreNickname),
		zap.String("queue_dir", cfg.QueueDir))

	// The walker reads the catalog to echo known identifiers; all
	// writes go through the server.
	store, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	events, err := transport.OpenFileQueue(cfg.QueueDir, transport.FileStoreRequestQueue)
	if err != nil {
		logging.Fatal("open request queue failed", zap.Error(err))
	}
	defer events.Close()
	status, err := transport.OpenFileQueue(cfg.QueueDir, transport.WalkerStatusQueue)
	if err != nil {
		logging.Fatal("open status queue failed", zap.Error(err))
	}
	defer status.Close()

	a, err := agent.New(agent.Config{
		StoreNickname:  cfg.StoreNickname,
		BaseURI:        cfg.StoreBaseURI,
		LocalBaseURI:   cfg.StoreLocalBaseURI,
		ScanInterval:   cfg.ScanInterval(),
		StatusInterval: cfg.StatusInterval(),
	}, store.Catalog(), events, status)
	if err != nil {
		logging.Fatal("agent init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		logging.Fatal("walker failed", zap.Error(err))
	}
	logging.Info("walker stopped", zap.String("token", a.Token()))
}

// Command tempod is the Tempo server daemon. It serves the task API over a
// SQLite store configured from a YAML file.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoCodeAlone/tempo/comms"
	"github.com/GoCodeAlone/tempo/config"
	"github.com/GoCodeAlone/tempo/internal/version"
	"github.com/GoCodeAlone/tempo/server"
	"github.com/GoCodeAlone/tempo/task"
)

var configPath = flag.String("config", "tempo.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting tempod",
		"version", version.Version,
		"commit", version.Commit,
	)
	if len(cfg.Auth.Users) == 0 {
		logger.Warn("no users configured; every login will be rejected")
	}

	dbPath := cfg.StorePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	store, err := task.NewSQLiteStore(dbPath,
		task.WithLogger(logger),
		task.WithTxTimeout(cfg.Store.TxTimeout),
	)
	if err != nil {
		log.Fatalf("Failed to open store %s: %v", dbPath, err)
	}
	defer store.Close()

	srv := server.New(*cfg, version.Version, logger)
	srv.SetTaskStore(store)
	srv.SetBus(comms.NewInMemoryBus())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("server stop error", "err", err)
	}
	logger.Info("shutdown complete")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"treeeval/internal/cli"
	"treeeval/internal/config"
	"treeeval/internal/logging"
	"treeeval/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 2
	}

	var store *storage.Store
	if cfg.Paths.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
			log.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		} else if store, err = storage.New(cfg.Paths.DatabasePath); err != nil {
			log.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
			store = nil
		}
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, log, store).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

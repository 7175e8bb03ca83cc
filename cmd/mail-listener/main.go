package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"skyplanner/internal/aimapping"
	"skyplanner/internal/config"
	"skyplanner/internal/listener"
	"skyplanner/internal/logging"
	"skyplanner/internal/pipeline"
	"skyplanner/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	must(err)
	defer func() { _ = logger.Sync() }()

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	postal, err := pipeline.LoadPostalRegistry(cfg.PostalRegistryPath)
	must(err)
	var ai pipeline.AIMapper
	if cfg.AIMappingEnabled {
		ai = aimapping.NewClient(cfg)
	}
	imports := pipeline.NewService(db, ai, postal, pipeline.OptionsFromConfig(cfg), logger)

	svc := listener.NewService(db, cfg, imports, logger)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

package main

import (
	"context"
	"fmt"
	"os"

	"astromeas/internal/cli"
	"astromeas/internal/config"
	"astromeas/internal/logging"
	"astromeas/internal/measure"
	"astromeas/internal/metrics"
	"astromeas/internal/pipeline"
	"astromeas/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	catalog := measure.Default()
	m := metrics.New(prometheus.DefaultRegisterer)

	pipe := pipeline.New(context.Background(), cfg, catalog, logger, store, m)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, logger, store, pipe, catalog).Execute()
}

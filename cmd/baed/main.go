// Command baed is the batch acquisition engine daemon: it owns the Store,
// runs Recovery once at start, and serves the loopback Control API.
// Mirrors the teacher's main.go wiring order (logger, storage, engine,
// config, audit, control server) minus the Wails/systray GUI shell this
// engine has no use for.
package main

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/baeeng/batch-acquisition-engine/internal/config"
	"github.com/baeeng/batch-acquisition-engine/internal/controlapi"
	"github.com/baeeng/batch-acquisition-engine/internal/core"
	"github.com/baeeng/batch-acquisition-engine/internal/obslog"
	"github.com/baeeng/batch-acquisition-engine/internal/progress"
	"github.com/baeeng/batch-acquisition-engine/internal/remote"
	"github.com/baeeng/batch-acquisition-engine/internal/scheduler"
	"github.com/baeeng/batch-acquisition-engine/internal/security"
	"github.com/baeeng/batch-acquisition-engine/internal/storage"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "directory for the database, logs and downloaded artifacts")
	port := flag.Int("port", 8745, "loopback port for the control API")
	productID := flag.String("product", "TEMPO_NO2_L2", "remote product identifier requested for every granule")
	numeratorVar := flag.String("numerator", "no2_vertical_column_troposphere", "variable used as the combiner's ratio numerator")
	denominatorVar := flag.String("denominator", "amf_total", "variable used as the combiner's ratio denominator")
	flag.Parse()

	var logOutput io.Writer = os.Stdout
	logger, err := obslog.New(*dataDir, logOutput)
	if err != nil {
		println("error initializing logger:", err.Error())
		os.Exit(1)
	}

	store, err := storage.NewStorage(*dataDir)
	if err != nil {
		logger.Error("error initializing storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	cfg := config.NewConfigManager(store)
	audit := security.NewAuditLogger(*dataDir, logger)
	defer audit.Close()

	recovered, err := scheduler.Recover(store)
	if err != nil {
		logger.Error("recovery sweep failed", "error", err)
		os.Exit(1)
	}
	logger.Info("recovery sweep complete", "jobs_paused", recovered)

	fetcher := remote.NewHTTPFetcher(cfg.GetRemoteBaseURL())
	fetcher.Timeout = time.Duration(cfg.GetFetchTimeoutSeconds()) * time.Second

	sched := scheduler.New(store, fetcher, progress.NoopSink{}, logger, *dataDir,
		scheduler.ProductConfig{ProductID: *productID, NumeratorVar: *numeratorVar, DenominatorVar: *denominatorVar},
		cfg.GetRemoteAPIKey, cfg.GetDefaultGranuleConcurrency)

	server := controlapi.New(store, sched, cfg, audit, logger)
	server.Start(*port)

	logger.Info("batch acquisition engine daemon started", "data_dir", *dataDir, "port", *port)

	shutdown := make(chan struct{})
	core.WaitForSignals(func() {
		logger.Info("shutdown signal received")
		close(shutdown)
	})
	<-shutdown
}

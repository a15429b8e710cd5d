package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardbackup/internal/bus"
	"cardbackup/internal/config"
	"cardbackup/internal/daemon"
	"cardbackup/internal/history"
	"cardbackup/internal/logging"
	"cardbackup/internal/mounts"
	"cardbackup/internal/orchestrator"
	"cardbackup/internal/transfer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, configPath, _, err := config.Load(os.Getenv("CARDBACKUP_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	hub := bus.NewHub(cfg.Logging.EventBufferSize)
	logger, err := logging.NewFromConfig(cfg, hub)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			logger.Error("open history store", logging.Error(err))
			os.Exit(1)
		}
	}

	mounter := mounts.NewController(logger)
	runner := transfer.NewRunner(
		cfg.Transfer.RsyncBinary,
		time.Duration(cfg.Transfer.CancelGraceSeconds)*time.Second,
		logger,
	)
	orch := orchestrator.New(cfg, logger, mounter, orchestrator.RunnerAdapter{Runner: runner}, store)

	d, err := daemon.New(cfg, configPath, logger, orch, store, hub)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", logging.Error(err))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("cardbackupd shutting down")
}

// Package main provides the sync worker entry point: scheduled full, incremental and gap-fill runs.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/registry-scanner/internal/app"
	"github.com/registry-scanner/internal/config"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "worker")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	a, err := app.Initialize(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	scheduler, err := worker.NewScheduler(ctx, a.Orchestrator, worker.ScheduleConfig{
		Full:        cfg.Sync.FullSchedule,
		Incremental: cfg.Sync.IncrementalSchedule,
		GapFill:     cfg.Sync.GapFillSchedule,
	})
	if err != nil {
		logger.WithError(err).Fatal("Invalid sync schedule")
	}

	scheduler.Start()
	for _, kind := range scheduler.Scheduled() {
		if next, ok := scheduler.Next(kind); ok {
			logger.WithFields(map[string]interface{}{
				"kind": kind,
				"next": next,
			}).Info("Run scheduled")
		}
	}

	<-ctx.Done()
	logger.Info("Shutting down worker, waiting for running syncs...")

	// runs see the cancelled context and stop launching partitions
	scheduler.Stop()
	logger.Info("Worker exited")
}

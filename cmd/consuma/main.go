package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/consuma/consuma/internal/api"
	"github.com/consuma/consuma/internal/callback"
	"github.com/consuma/consuma/internal/config"
	"github.com/consuma/consuma/internal/queue"
	"github.com/consuma/consuma/internal/store"
)

const (
	queueDrainTimeout = 30 * time.Second
	sweepInterval     = 60 * time.Second
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("consuma: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_workers", cfg.MaxWorkers,
		"max_queue_size", cfg.MaxQueueSize,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	validator := callback.NewValidator(cfg.AllowPrivateCallbacks, nil)
	deliverer := callback.NewDeliverer(db, validator, logger, callback.DelivererConfig{
		MaxRetries: cfg.CallbackMaxRetries,
		Timeout:    cfg.CallbackTimeout,
	})

	q := queue.New(logger, db, deliverer, cfg.MaxQueueSize, cfg.MaxWorkers)
	q.Start(context.Background())
	defer q.Shutdown(queueDrainTimeout)

	srv := api.NewServer(cfg, db, q, validator, logger)

	// Periodic rate-limiter sweep for long-running servers.
	sweepDone := make(chan struct{})
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := srv.Limiter().SweepStale(); removed > 0 {
					logger.Debug("rate limiter sweep", "removed", removed)
				}
			case <-sweepDone:
				return
			}
		}
	}()
	defer close(sweepDone)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	logger.Info("graceful shutdown complete")
}

// Package main runs the sync daemon: it opens the local store, recovers any
// interrupted cycle, and keeps the device converged with the server through
// scheduled cycles and push notifications.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wayfarer/sync-engine/internal/config"
	"github.com/wayfarer/sync-engine/internal/db"
	"github.com/wayfarer/sync-engine/internal/logging"
	"github.com/wayfarer/sync-engine/internal/models"
	syncpkg "github.com/wayfarer/sync-engine/internal/sync"
	"github.com/wayfarer/sync-engine/internal/sync/push"
	"github.com/wayfarer/sync-engine/internal/sync/scheduler"
	"github.com/wayfarer/sync-engine/internal/sync/storage"
	"github.com/wayfarer/sync-engine/internal/sync/transfer"
	"github.com/wayfarer/sync-engine/internal/sync/transport"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("failed to load configuration", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, cfg.Logging.Level)
	logging.Info("syncd starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.Database.DataDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("syncd exited with error", err)
		os.Exit(1)
	}
	logging.Info("syncd stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.Open(cfg.Database.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	repo := db.NewRepository(database)
	defer repo.Close()

	// A crash mid-cycle can leave rows stuck in the uploading state and the
	// cycle guard held. Reset both before doing anything else; remote rows
	// are written transactionally during apply, so downloads need no reset.
	if n, err := repo.ResetStatuses(models.StatusUploading, models.StatusNeedsUpload); err != nil {
		return err
	} else if n > 0 {
		logging.Warn("recovered interrupted uploads", map[string]interface{}{"count": n})
	}
	if err := repo.EndCycle(); err != nil {
		return err
	}

	client := transport.NewHTTPClient(cfg.Server.BaseURL, cfg.Server.AuthToken, cfg.Server.CallTimeout)

	cache, err := storage.NewCache(cfg.Database.MediaDir)
	if err != nil {
		return err
	}

	// Presign directly against S3 when a bucket is configured; otherwise the
	// metadata server signs URLs for us.
	var urls transfer.URLProvider = client
	if cfg.S3.Bucket != "" {
		s3urls, err := transfer.NewS3Provider(ctx, cfg.S3.Bucket, cfg.S3.Region, cfg.S3.PresignTTL)
		if err != nil {
			return err
		}
		urls = s3urls
	}

	transfers := transfer.NewManager(urls, repo, transfer.Config{
		MaxRetries:     cfg.Transfer.MaxRetries,
		RetryBaseDelay: cfg.Transfer.RetryBaseDelay,
		RetryMaxDelay:  cfg.Transfer.RetryMaxDelay,
		DrainInterval:  cfg.Transfer.DrainInterval,
	})
	transfers.Start(ctx)
	defer transfers.Stop()

	orchestrator, err := syncpkg.NewOrchestrator(repo, client, syncpkg.Options{
		Transfers:      transfers,
		Cache:          cache,
		SmallFileLimit: cfg.Transfer.ImmediateSizeLimit,
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(orchestrator, scheduler.Config{
		Interval: cfg.Scheduler.SyncInterval,
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Server.PushURL != "" {
		listener := push.NewListener(cfg.Server.PushURL, cfg.Server.AuthToken, sched.Wake)
		listener.Start(ctx)
		defer listener.Stop()
	}

	// First cycle right away; after that the scheduler and push events
	// drive the cadence.
	sched.Wake()

	<-ctx.Done()
	return nil
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/blacklist"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/blobstore"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/config"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/failoverorchestrator"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/filetransfer"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/lifecycle"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider/vastai"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/raceprovisioner"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/regionalvolume"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/resilience"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/snapshot"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/ssh"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/warmpool"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info("starting gpu fleet control plane")

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	blobs, err := blobstore.New(ctx, cfg.BlobStore)
	if err != nil {
		logger.Error("failed to initialize blobstore", slog.String("error", err.Error()))
		os.Exit(1)
	}

	instances := vastai.NewClient(cfg.Marketplace.APIKey)

	envelope := resilience.New(resilience.Config{
		RateLimitPerMachine: cfg.Resilience.RateLimitPerMachine,
		RateLimitWindow:     cfg.Resilience.RateLimitWindow,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Resilience.CircuitFailThreshold,
			CoolDown:         cfg.Resilience.CircuitCoolDown,
			BaseBackoff:      time.Second,
			MaxBackoff:       2 * time.Minute,
		},
		AuditCapacity: cfg.Resilience.CleanupAuditCapacity,
	})

	blacklistStore := storage.NewHostBlacklistStore(db)
	hostBlacklist := blacklist.New(blacklistStore, cfg.Blacklist.CleanupInterval)
	if err := hostBlacklist.Warm(ctx, time.Now()); err != nil {
		logger.Warn("failed to warm host blacklist", slog.String("error", err.Error()))
	}

	lifecycleEvents := storage.NewLifecycleEventStore(db)
	lifecycleController := lifecycle.New(instances, lifecycleEvents)

	sshProber := ssh.NewProber()
	race := raceprovisioner.New(instances, lifecycleController, hostBlacklist, sshProber, envelope)

	warmPoolCfg := warmpool.Config{
		VolumeSizeGB:        cfg.WarmPool.DefaultVolumeSizeGB,
		HealthCheckInterval: cfg.WarmPool.HealthCheckInterval,
		FailThreshold:       cfg.WarmPool.FailThreshold,
	}
	warmPool := warmpool.New(lifecycleController, instances, sshProber, warmPoolCfg)

	regionalVolume := regionalvolume.New(instances, lifecycleController)

	sshExecutor := ssh.NewExecutor()
	snapshotStore := storage.NewSnapshotStore(db)
	deletionAudit := storage.NewDeletionAuditStore(db, cfg.Resilience.CleanupAuditCapacity)
	snapshotEngine := snapshot.New(
		blobs,
		sshExecutor,
		sshExecutor.Connect,
		snapshotStore,
		deletionAudit,
		cfg.Snapshot,
		func(creds filetransfer.Credentials) snapshot.ChunkTransfer {
			return filetransfer.New(creds)
		},
		sshExecutor,
	)

	policyStore := storage.NewPolicyStore(db)
	failoverRecords := storage.NewFailoverRecordStore(db)
	orchestrator := failoverorchestrator.New(
		envelope,
		policyStore,
		failoverRecords,
		warmPool,
		regionalVolume,
		race,
		snapshotEngine,
		instances,
		nil, // no inference tester wired; cpu_standby test-inference step is skipped when nil
	)
	_ = orchestrator

	runBackgroundLoops(ctx, logger, hostBlacklist, snapshotEngine, cfg)

	logger.Info("control plane ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}

// runBackgroundLoops starts the periodic maintenance jobs the control plane
// depends on: blacklist entry expiry and snapshot retention cleanup. Neither
// component schedules its own ticker, so the composition root owns them.
func runBackgroundLoops(ctx context.Context, logger *slog.Logger, bl *blacklist.Blacklist, snapshots *snapshot.Engine, cfg *config.Config) {
	go func() {
		ticker := time.NewTicker(cfg.Blacklist.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := bl.CleanupExpired(ctx, time.Now()); err != nil {
				logger.Warn("blacklist cleanup failed", slog.String("error", err.Error()))
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.Snapshot.CleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			stats, err := snapshots.RunCleanup(ctx, cfg.Snapshot.CleanupBatchSize)
			if err != nil {
				logger.Warn("snapshot cleanup failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("snapshot cleanup complete",
				slog.Int("deleted", stats.Deleted), slog.Int("retained", stats.Retained), slog.Int("failed", stats.Failed))
		}
	}()
}

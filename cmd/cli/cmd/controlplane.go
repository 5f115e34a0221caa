package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/blacklist"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/blobstore"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/config"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/failoverorchestrator"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/filetransfer"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/lifecycle"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider/vastai"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/raceprovisioner"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/regionalvolume"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/resilience"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/snapshot"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/ssh"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/warmpool"
)

// controlPlane wires the same components the server's composition root
// builds, so the CLI exercises the real control plane rather than talking
// to it over a network API.
type controlPlane struct {
	db           *storage.DB
	Instances    provider.InstanceProvider
	Lifecycle    *lifecycle.Controller
	Snapshots    *snapshot.Engine
	Policies     *storage.PolicyStore
	Orchestrator *failoverorchestrator.Orchestrator
}

func newControlPlane(ctx context.Context) (*controlPlane, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	blobs, err := blobstore.New(ctx, cfg.BlobStore)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize blobstore: %w", err)
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

	hostBlacklist := blacklist.New(storage.NewHostBlacklistStore(db), cfg.Blacklist.CleanupInterval)
	if err := hostBlacklist.Warm(ctx, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to warm host blacklist: %w", err)
	}

	lifecycleController := lifecycle.New(instances, storage.NewLifecycleEventStore(db))

	sshProber := ssh.NewProber()
	race := raceprovisioner.New(instances, lifecycleController, hostBlacklist, sshProber, envelope)

	warmPool := warmpool.New(lifecycleController, instances, sshProber, warmpool.Config{
		VolumeSizeGB:        cfg.WarmPool.DefaultVolumeSizeGB,
		HealthCheckInterval: cfg.WarmPool.HealthCheckInterval,
		FailThreshold:       cfg.WarmPool.FailThreshold,
	})

	regionalVolume := regionalvolume.New(instances, lifecycleController)

	sshExecutor := ssh.NewExecutor()
	snapshotEngine := snapshot.New(
		blobs,
		sshExecutor,
		sshExecutor.Connect,
		storage.NewSnapshotStore(db),
		storage.NewDeletionAuditStore(db, cfg.Resilience.CleanupAuditCapacity),
		cfg.Snapshot,
		func(creds filetransfer.Credentials) snapshot.ChunkTransfer {
			return filetransfer.New(creds)
		},
		sshExecutor,
	)

	policies := storage.NewPolicyStore(db)
	orchestrator := failoverorchestrator.New(
		envelope,
		policies,
		storage.NewFailoverRecordStore(db),
		warmPool,
		regionalVolume,
		race,
		snapshotEngine,
		instances,
		nil,
	)

	return &controlPlane{
		db:           db,
		Instances:    instances,
		Lifecycle:    lifecycleController,
		Snapshots:    snapshotEngine,
		Policies:     policies,
		Orchestrator: orchestrator,
	}, nil
}

func (cp *controlPlane) Close() error {
	return cp.db.Close()
}

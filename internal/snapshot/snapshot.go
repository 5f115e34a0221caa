// Package snapshot implements the Snapshot & Restore Engine: immutable
// workspace captures addressed by content hash, assembled back onto a
// fresh instance during restore, and pruned according to retention policy.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/config"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/filetransfer"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/ssh"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// BlobStore is the subset of the BlobStore Adapter the engine needs.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// ChunkHasher hashes one fixed-size block of a remote file without
// transferring it, so the engine can decide which chunks are new before
// paying for the upload.
type ChunkHasher interface {
	HashChunk(ctx context.Context, conn *ssh.Connection, path string, chunkIndex int, chunkSize int64) (string, error)
	CountFiles(ctx context.Context, conn *ssh.Connection, root string) (int, error)
	EnumerateManifest(ctx context.Context, conn *ssh.Connection, root string) ([]models.ManifestEntry, error)
}

// ChunkTransfer moves chunk payloads between the control plane and a
// remote workspace over SFTP.
type ChunkTransfer interface {
	DownloadChunk(ctx context.Context, remotePath string, chunkIndex int, chunkSize int64) ([]byte, error)
	UploadChunk(ctx context.Context, remotePath string, chunkIndex int, chunkSize int64, data []byte) error
	RemoteFileExists(ctx context.Context, remotePath string) (bool, error)
}

// WorkspaceStager runs the shell-level operations a restore needs around
// its staging directory: a capacity check before assembly starts, and an
// atomic swap onto the live workspace path once assembly validates.
type WorkspaceStager interface {
	GetDiskStatus(ctx context.Context, conn *ssh.Connection) (*ssh.DiskStatus, error)
	RunCommand(ctx context.Context, conn *ssh.Connection, cmd string) (stdout, stderr string, err error)
}

// Endpoint is the remote side of a snapshot or restore operation.
type Endpoint struct {
	Host          string
	Port          int
	User          string
	PrivateKey    string
	WorkspacePath string
}

// Connector establishes the persistent SSH connection a snapshot or
// restore operation drives its remote commands over.
type Connector func(ctx context.Context, host string, port int, user, privateKey string) (*ssh.Connection, error)

// Engine produces and restores workspace captures.
type Engine struct {
	blobs     BlobStore
	hasher    ChunkHasher
	connect   Connector
	transfers func(creds filetransfer.Credentials) ChunkTransfer
	stager    WorkspaceStager
	snapshots *storage.SnapshotStore
	audit     *storage.DeletionAuditStore
	cfg       config.SnapshotConfig
	now       func() time.Time
}

// New builds an Engine. newTransfer lets callers substitute a fake
// ChunkTransfer in tests; production code passes a constructor that wraps
// filetransfer.New. connect lets tests substitute a fake SSH connection
// without a real network; production code passes (*ssh.Executor).Connect.
// stager drives the staging directory a restore assembles into; production
// code passes the same *ssh.Executor used for connect and hasher.
func New(blobs BlobStore, hasher ChunkHasher, connect Connector, snapshots *storage.SnapshotStore, audit *storage.DeletionAuditStore, cfg config.SnapshotConfig, newTransfer func(filetransfer.Credentials) ChunkTransfer, stager WorkspaceStager) *Engine {
	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = 64 * 1024 * 1024
	}
	if cfg.MaxChainDepth <= 0 {
		cfg.MaxChainDepth = 16
	}
	if cfg.DefaultRetentionDays <= 0 {
		cfg.DefaultRetentionDays = 7
	}
	if cfg.ValidationTolerance <= 0 {
		cfg.ValidationTolerance = 0.05
	}
	return &Engine{
		blobs:     blobs,
		hasher:    hasher,
		connect:   connect,
		transfers: newTransfer,
		stager:    stager,
		snapshots: snapshots,
		audit:     audit,
		cfg:       cfg,
		now:       time.Now,
	}
}

// EffectiveRetention resolves §4.4's retention precedence: the snapshot's
// own retention_days if set, else a global default. No per-instance
// override store exists, so there is no per-instance tier.
func (e *Engine) EffectiveRetention(snap *models.Snapshot) int {
	if snap.RetentionDays > 0 {
		return snap.RetentionDays
	}
	return e.cfg.DefaultRetentionDays
}

// CleanupStats summarizes one cleanup batch run.
type CleanupStats struct {
	Deleted  int
	Retained int
	Failed   int
}

// RunCleanup takes a batch of snapshots already marked pending_deletion,
// oldest first. Those with a child that is not deleted are counted as
// retained and skipped; the rest have their descriptor deleted with retry,
// and are marked failed when retries run out. RunCleanup does not evaluate
// retention and marks nothing pending_deletion itself; only
// EvaluateInstanceRetention does that.
func (e *Engine) RunCleanup(ctx context.Context, batchSize int) (*CleanupStats, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	stats := &CleanupStats{}

	pending, err := e.snapshots.ListEligibleForCleanup(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list cleanup candidates: %w", err)
	}

	for _, snap := range pending {
		hasLiveChildren, err := e.hasLiveChildren(ctx, snap.SnapshotID)
		if err != nil {
			logging.Warn(ctx, "cleanup: failed to check children", "snapshot_id", snap.SnapshotID, "error", err)
			continue
		}
		if hasLiveChildren {
			stats.Retained++
			continue
		}

		if err := e.deleteWithRetry(ctx, snap); err != nil {
			stats.Failed++
			logging.Warn(ctx, "cleanup: delete exhausted retries, marking failed", "snapshot_id", snap.SnapshotID, "error", err)
			if serr := e.snapshots.UpdateStatus(ctx, snap.SnapshotID, models.SnapshotFailed); serr != nil {
				logging.Warn(ctx, "cleanup: failed to mark snapshot failed", "snapshot_id", snap.SnapshotID, "error", serr)
			}
			metrics.SnapshotCleanupDeleted.WithLabelValues("failed").Inc()
			continue
		}

		stats.Deleted++
		metrics.SnapshotCleanupDeleted.WithLabelValues("deleted").Inc()
		if e.audit != nil {
			if err := e.audit.Record(ctx, snap.SnapshotID, snap.InstanceID, "retention expired"); err != nil {
				logging.Warn(ctx, "cleanup: failed to record deletion audit", "snapshot_id", snap.SnapshotID, "error", err)
			}
		}
	}

	return stats, nil
}

func (e *Engine) canDelete(ctx context.Context, snap *models.Snapshot) (bool, error) {
	if !snap.IsDeletableIgnoringDescendants(e.EffectiveRetention(snap), e.now()) {
		return false, nil
	}
	hasLiveChildren, err := e.hasLiveChildren(ctx, snap.SnapshotID)
	if err != nil {
		return false, err
	}
	return !hasLiveChildren, nil
}

func (e *Engine) hasLiveChildren(ctx context.Context, snapshotID string) (bool, error) {
	children, err := e.snapshots.ListChildren(ctx, snapshotID)
	if err != nil {
		return false, fmt.Errorf("list children: %w", err)
	}
	for _, child := range children {
		if child.Status != models.SnapshotDeleted {
			return true, nil
		}
	}
	return false, nil
}

// deleteWithRetry removes a snapshot's descriptor and this-snapshot-only
// blob state with exponential backoff; chunk blobs are content-addressed
// and potentially shared, so they are left for the BlobStore's own garbage
// collection rather than deleted here.
func (e *Engine) deleteWithRetry(ctx context.Context, snap *models.Snapshot) error {
	const maxAttempts = 3
	baseDelay := time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := e.blobs.Delete(ctx, descriptorKey(snap.SnapshotID))
		if err == nil {
			return e.snapshots.UpdateStatus(ctx, snap.SnapshotID, models.SnapshotDeleted)
		}
		lastErr = err

		delay := baseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("delete descriptor after %d attempts: %w", maxAttempts, lastErr)
}

// EvaluateInstanceRetention marks any of an instance's active snapshots
// that are now past their effective retention as pending_deletion, subject
// to the live-descendant exemption. Neither RunCleanup nor cmd/server's
// cleanup loop calls it, so the scheduled cleanup only finds snapshots that
// this method (or another caller) has already marked.
func (e *Engine) EvaluateInstanceRetention(ctx context.Context, instanceID string) error {
	snaps, err := e.snapshots.ListByInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list instance snapshots: %w", err)
	}
	for _, snap := range snaps {
		if snap.Status != models.SnapshotActive {
			continue
		}
		deletable, err := e.canDelete(ctx, snap)
		if err != nil {
			logging.Warn(ctx, "retention: failed to evaluate snapshot", "snapshot_id", snap.SnapshotID, "error", err)
			continue
		}
		if !deletable {
			continue
		}
		if err := e.snapshots.UpdateStatus(ctx, snap.SnapshotID, models.SnapshotPendingDeletion); err != nil {
			logging.Warn(ctx, "retention: failed to mark pending deletion", "snapshot_id", snap.SnapshotID, "error", err)
		}
	}
	return nil
}

func (e *Engine) credsFor(ep Endpoint) filetransfer.Credentials {
	return filetransfer.Credentials{Host: ep.Host, Port: ep.Port, User: ep.User, PrivateKey: []byte(ep.PrivateKey)}
}

// Create runs a full or incremental snapshot depending on whether
// baseSnapshotID is set, implementing §4.4's full/incremental operations.
func (e *Engine) Create(ctx context.Context, instanceID, ownerID, baseSnapshotID string, ep Endpoint, retentionDays int, keepForever bool) (*models.Snapshot, error) {
	if baseSnapshotID == "" {
		return e.createFull(ctx, instanceID, ownerID, ep, retentionDays, keepForever)
	}
	return e.createIncremental(ctx, instanceID, ownerID, baseSnapshotID, ep, retentionDays, keepForever)
}

func (e *Engine) createFull(ctx context.Context, instanceID, ownerID string, ep Endpoint, retentionDays int, keepForever bool) (*models.Snapshot, error) {
	start := e.now()
	snapshotID := "snap-" + uuid.New().String()

	manifest, conn, err := e.remoteManifest(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("enumerate workspace: %w", err)
	}
	defer conn.Close()

	manifest, sizeBytes, err := e.hashAndUpload(ctx, conn, ep, manifest, nil)
	if err != nil {
		return nil, fmt.Errorf("hash and upload chunks: %w", err)
	}

	if err := e.writeDescriptor(ctx, snapshotID, models.SnapshotFull, "", manifest); err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		SnapshotID:      snapshotID,
		InstanceID:      instanceID,
		OwnerID:         ownerID,
		Kind:            models.SnapshotFull,
		BlobPaths:       []string{descriptorKey(snapshotID)},
		SizeBytes:       sizeBytes,
		FileCount:       len(manifest.Entries),
		CreatedAt:       e.now(),
		KeepForever:     keepForever,
		RetentionDays:   retentionDays,
		Status:          models.SnapshotActive,
		StorageProvider: "blobstore",
		ChainDepth:      0,
	}
	if err := e.snapshots.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	duration := e.now().Sub(start)
	metrics.SnapshotCreateDuration.WithLabelValues(string(models.SnapshotFull)).Observe(duration.Seconds())
	metrics.SnapshotChainDepth.WithLabelValues(instanceID).Set(0)
	logging.Audit(ctx, "snapshot_created", "snapshot_id", snapshotID, "instance_id", instanceID, "kind", "full", "file_count", snap.FileCount, "size_bytes", sizeBytes)

	return snap, nil
}

func (e *Engine) createIncremental(ctx context.Context, instanceID, ownerID, baseSnapshotID string, ep Endpoint, retentionDays int, keepForever bool) (*models.Snapshot, error) {
	ancestry, err := e.snapshots.Ancestry(ctx, baseSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestry: %w", err)
	}

	chainDepth := ancestry[len(ancestry)-1].ChainDepth + 1
	if chainDepth > e.cfg.MaxChainDepth {
		logging.Info(ctx, "chain depth exceeds max, promoting to full snapshot", "base_snapshot_id", baseSnapshotID, "chain_depth", chainDepth)
		snap, err := e.createFull(ctx, instanceID, ownerID, ep, retentionDays, keepForever)
		if err != nil {
			return nil, err
		}
		snap.PromotedFrom = baseSnapshotID
		return snap, nil
	}

	baseManifest, err := e.mergedManifest(ctx, ancestry)
	if err != nil {
		return nil, fmt.Errorf("load base manifest: %w", err)
	}

	start := e.now()
	snapshotID := "snap-" + uuid.New().String()

	manifest, conn, err := e.remoteManifest(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("enumerate workspace: %w", err)
	}
	defer conn.Close()

	diff := diffManifests(baseManifest, manifest)

	manifest, sizeBytes, err := e.hashAndUpload(ctx, conn, ep, manifest, baseManifest)
	if err != nil {
		return nil, fmt.Errorf("hash and upload chunks: %w", err)
	}

	if err := e.writeIncrementalDescriptor(ctx, snapshotID, baseSnapshotID, manifest); err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		SnapshotID:      snapshotID,
		InstanceID:      instanceID,
		OwnerID:         ownerID,
		Kind:            models.SnapshotIncremental,
		ParentID:        baseSnapshotID,
		BlobPaths:       []string{descriptorKey(snapshotID)},
		SizeBytes:       sizeBytes,
		FileCount:       len(manifest.Entries),
		CreatedAt:       e.now(),
		KeepForever:     keepForever,
		RetentionDays:   retentionDays,
		Status:          models.SnapshotActive,
		StorageProvider: "blobstore",
		ChainDepth:      chainDepth,
		Diff:            diff,
	}
	if err := e.snapshots.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	duration := e.now().Sub(start)
	metrics.SnapshotCreateDuration.WithLabelValues(string(models.SnapshotIncremental)).Observe(duration.Seconds())
	metrics.SnapshotChainDepth.WithLabelValues(instanceID).Set(float64(chainDepth))
	logging.Audit(ctx, "snapshot_created", "snapshot_id", snapshotID, "instance_id", instanceID, "kind", "incremental", "parent_id", baseSnapshotID, "files_added", diff.FilesAdded, "files_changed", diff.FilesChanged)

	return snap, nil
}

// remoteManifest connects to ep and enumerates its workspace contents.
func (e *Engine) remoteManifest(ctx context.Context, ep Endpoint) (*models.Manifest, *ssh.Connection, error) {
	conn, err := e.connect(ctx, ep.Host, ep.Port, ep.User, ep.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	entries, err := e.hasher.EnumerateManifest(ctx, conn, ep.WorkspacePath)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("enumerate: %w", err)
	}
	return &models.Manifest{Entries: entries}, conn, nil
}

// hashAndUpload fills in chunk hashes for every entry and uploads any
// chunk not already present under chunks/<hash>, skipping chunks that
// base (when non-nil) already references.
func (e *Engine) hashAndUpload(ctx context.Context, conn *ssh.Connection, ep Endpoint, manifest *models.Manifest, base *models.Manifest) (*models.Manifest, int64, error) {
	known := knownChunkHashes(base)
	transfer := e.transfers(e.credsFor(ep))

	var totalBytes int64
	kind := "full"
	if base != nil {
		kind = "incremental"
	}

	for i, entry := range manifest.Entries {
		remotePath := ep.WorkspacePath + "/" + entry.RelativePath
		chunkCount := chunkCountFor(entry.Size, e.cfg.ChunkSizeBytes)
		if chunkCount == 0 {
			chunkCount = 1
		}
		hashes := make([]string, chunkCount)

		for c := 0; c < chunkCount; c++ {
			hash, err := e.hasher.HashChunk(ctx, conn, remotePath, c, e.cfg.ChunkSizeBytes)
			if err != nil {
				return nil, 0, fmt.Errorf("hash chunk %d of %s: %w", c, entry.RelativePath, err)
			}
			hashes[c] = hash

			key := chunkKey(hash)
			if known[hash] {
				metrics.SnapshotChunksUploaded.WithLabelValues("deduplicated").Inc()
				continue
			}
			exists, err := e.blobs.Exists(ctx, key)
			if err != nil {
				return nil, 0, fmt.Errorf("check chunk existence: %w", err)
			}
			if exists {
				known[hash] = true
				metrics.SnapshotChunksUploaded.WithLabelValues("deduplicated").Inc()
				continue
			}

			data, err := transfer.DownloadChunk(ctx, remotePath, c, e.cfg.ChunkSizeBytes)
			if err != nil {
				return nil, 0, fmt.Errorf("download chunk %d of %s: %w", c, entry.RelativePath, err)
			}
			if err := e.blobs.Put(ctx, key, data); err != nil {
				return nil, 0, fmt.Errorf("upload chunk %d of %s: %w", c, entry.RelativePath, err)
			}
			known[hash] = true
			totalBytes += int64(len(data))
			metrics.SnapshotChunksUploaded.WithLabelValues("new").Inc()
		}
		manifest.Entries[i].ChunkHashes = hashes
	}

	metrics.SnapshotBytesUploaded.WithLabelValues(kind).Add(float64(totalBytes))
	return manifest, totalBytes, nil
}

func knownChunkHashes(base *models.Manifest) map[string]bool {
	known := make(map[string]bool)
	if base == nil {
		return known
	}
	for _, entry := range base.Entries {
		for _, h := range entry.ChunkHashes {
			known[h] = true
		}
	}
	return known
}

func chunkCountFor(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

func diffManifests(base, current *models.Manifest) *models.DiffSummary {
	baseByPath := make(map[string]models.ManifestEntry, len(base.Entries))
	for _, e := range base.Entries {
		baseByPath[e.RelativePath] = e
	}
	currentPaths := make(map[string]bool, len(current.Entries))

	diff := &models.DiffSummary{}
	for _, e := range current.Entries {
		currentPaths[e.RelativePath] = true
		prior, existed := baseByPath[e.RelativePath]
		switch {
		case !existed:
			diff.FilesAdded++
		case prior.Size != e.Size || !prior.ModTime.Equal(e.ModTime):
			diff.FilesChanged++
		}
	}
	for path := range baseByPath {
		if !currentPaths[path] {
			diff.FilesRemoved++
		}
	}
	return diff
}

func (e *Engine) writeDescriptor(ctx context.Context, snapshotID string, kind models.SnapshotKind, parentID string, manifest *models.Manifest) error {
	manifest.SnapshotID = snapshotID
	manifest.Kind = kind
	manifest.ParentID = parentID

	payload, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := e.blobs.Put(ctx, descriptorKey(snapshotID), payload); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}

func (e *Engine) writeIncrementalDescriptor(ctx context.Context, snapshotID, parentID string, manifest *models.Manifest) error {
	return e.writeDescriptor(ctx, snapshotID, models.SnapshotIncremental, parentID, manifest)
}

// mergedManifest resolves an ancestry chain (oldest first, as returned by
// SnapshotStore.Ancestry) into a single latest-wins manifest per path.
func (e *Engine) mergedManifest(ctx context.Context, ancestry []*models.Snapshot) (*models.Manifest, error) {
	byPath := make(map[string]models.ManifestEntry)
	for _, snap := range ancestry {
		raw, err := e.blobs.Get(ctx, descriptorKey(snap.SnapshotID))
		if err != nil {
			return nil, fmt.Errorf("load descriptor %s: %w", snap.SnapshotID, err)
		}
		var manifest models.Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return nil, fmt.Errorf("unmarshal descriptor %s: %w", snap.SnapshotID, err)
		}
		for _, entry := range manifest.Entries {
			byPath[entry.RelativePath] = entry
		}
	}

	merged := &models.Manifest{Entries: make([]models.ManifestEntry, 0, len(byPath))}
	for _, entry := range byPath {
		merged.Entries = append(merged.Entries, entry)
	}
	return merged, nil
}

func descriptorKey(snapshotID string) string {
	return fmt.Sprintf("snapshots/%s.json", snapshotID)
}

func chunkKey(hash string) string {
	return fmt.Sprintf("chunks/%s", hash)
}

// RestoreResult is returned on a successful restore.
type RestoreResult struct {
	FilesCount    int
	BytesRestored int64
	Duration      time.Duration
}

// Restore implements §4.4's restore operation: resolve ancestry, merge
// manifests latest-wins, assemble files into a staging directory on the
// remote side, validate the result against the expected file count, and
// only then swap the staging directory onto ep.WorkspacePath. A validation
// failure leaves the live workspace untouched; only a passing validation
// ever reaches the swap.
func (e *Engine) Restore(ctx context.Context, snapshotID string, ep Endpoint) (*RestoreResult, error) {
	start := e.now()

	ancestry, err := e.snapshots.Ancestry(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("resolve ancestry: %w", err)
	}
	manifest, err := e.mergedManifest(ctx, ancestry)
	if err != nil {
		return nil, fmt.Errorf("merge manifests: %w", err)
	}

	conn, err := e.connect(ctx, ep.Host, ep.Port, ep.User, ep.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	stagingPath := ep.WorkspacePath + ".restoring-" + uuid.New().String()

	if err := e.checkStagingCapacity(ctx, conn, manifest); err != nil {
		return nil, err
	}

	if _, stderr, err := e.stager.RunCommand(ctx, conn, fmt.Sprintf("rm -rf %q && mkdir -p %q", stagingPath, stagingPath)); err != nil {
		return nil, fmt.Errorf("prepare staging dir: %w (stderr: %s)", err, stderr)
	}

	transfer := e.transfers(e.credsFor(ep))

	exists, err := transfer.RemoteFileExists(ctx, stagingPath)
	if err != nil {
		e.discardStaging(ctx, conn, stagingPath)
		return nil, fmt.Errorf("verify staging dir: %w", err)
	}
	if !exists {
		e.discardStaging(ctx, conn, stagingPath)
		return nil, fmt.Errorf("staging dir %s was not created", stagingPath)
	}

	var bytesRestored int64
	for _, entry := range manifest.Entries {
		remotePath := stagingPath + "/" + entry.RelativePath
		for c, hash := range entry.ChunkHashes {
			data, err := e.blobs.Get(ctx, chunkKey(hash))
			if err != nil {
				e.discardStaging(ctx, conn, stagingPath)
				return nil, fmt.Errorf("fetch chunk %s for %s: %w", hash, entry.RelativePath, err)
			}
			if ssh.HashBytes(data) != hash {
				e.discardStaging(ctx, conn, stagingPath)
				return nil, fmt.Errorf("chunk %s for %s failed integrity check", hash, entry.RelativePath)
			}
			if err := transfer.UploadChunk(ctx, remotePath, c, e.cfg.ChunkSizeBytes, data); err != nil {
				e.discardStaging(ctx, conn, stagingPath)
				return nil, fmt.Errorf("assemble chunk %d of %s: %w", c, entry.RelativePath, err)
			}
			bytesRestored += int64(len(data))
		}
	}

	actualCount, err := e.hasher.CountFiles(ctx, conn, stagingPath)
	if err != nil {
		e.discardStaging(ctx, conn, stagingPath)
		return nil, fmt.Errorf("count restored files: %w", err)
	}

	if err := validateFileCount(snapshotID, len(manifest.Entries), actualCount, e.cfg.ValidationTolerance); err != nil {
		metrics.RestoreValidationResult.WithLabelValues("failed").Inc()
		e.discardStaging(ctx, conn, stagingPath)
		return nil, err
	}
	metrics.RestoreValidationResult.WithLabelValues("passed").Inc()

	if err := e.commitStaging(ctx, conn, stagingPath, ep.WorkspacePath); err != nil {
		return nil, err
	}

	duration := e.now().Sub(start)
	logging.Audit(ctx, "snapshot_restored", "snapshot_id", snapshotID, "files_count", actualCount, "bytes_restored", bytesRestored, "duration_ms", duration.Milliseconds())

	return &RestoreResult{FilesCount: actualCount, BytesRestored: bytesRestored, Duration: duration}, nil
}

// checkStagingCapacity rejects a restore up front if the remote host
// doesn't have room to hold a second copy of the workspace alongside the
// live one while staging is assembled and validated.
func (e *Engine) checkStagingCapacity(ctx context.Context, conn *ssh.Connection, manifest *models.Manifest) error {
	var needed int64
	for _, entry := range manifest.Entries {
		needed += entry.Size
	}

	status, err := e.stager.GetDiskStatus(ctx, conn)
	if err != nil {
		return fmt.Errorf("check disk status: %w", err)
	}
	neededGB := float64(needed) / (1024 * 1024 * 1024)
	if status.AvailableGB() < neededGB {
		return fmt.Errorf("insufficient disk space for staging: need %.2fGB, have %.2fGB", neededGB, status.AvailableGB())
	}
	return nil
}

// commitStaging swaps stagingPath onto workspacePath: the prior workspace
// contents (if any) move aside to a backup path, the staging directory
// takes the live path's name, and the backup is removed. Each mv is a
// same-filesystem rename, so the live path never observes a partially
// written directory.
func (e *Engine) commitStaging(ctx context.Context, conn *ssh.Connection, stagingPath, workspacePath string) error {
	backupPath := workspacePath + ".prerestore-backup"
	cmd := fmt.Sprintf(
		`rm -rf %q; if [ -e %q ]; then mv %q %q; fi; mv %q %q; rm -rf %q`,
		backupPath, workspacePath, workspacePath, backupPath, stagingPath, workspacePath, backupPath,
	)
	if _, stderr, err := e.stager.RunCommand(ctx, conn, cmd); err != nil {
		return fmt.Errorf("commit staging dir: %w (stderr: %s)", err, stderr)
	}
	return nil
}

// discardStaging removes a staging directory after a failed assembly or
// validation, leaving the live workspace exactly as it was before Restore
// was called. Errors are logged, not returned: the caller is already
// unwinding a prior error and the stale directory is harmless until the
// next restore attempt reuses the path.
func (e *Engine) discardStaging(ctx context.Context, conn *ssh.Connection, stagingPath string) {
	if _, stderr, err := e.stager.RunCommand(ctx, conn, fmt.Sprintf("rm -rf %q", stagingPath)); err != nil {
		logging.Warn(ctx, "restore: failed to discard staging dir", "staging_path", stagingPath, "error", err, "stderr", stderr)
	}
}

// validateFileCount implements §4.4's restore validation tolerance: the
// count may deviate from expected by up to 5%, or by 1 file when expected
// is below 20. An empty restore always fails.
func validateFileCount(snapshotID string, expected, actual int, tolerance float64) error {
	if actual == 0 && expected > 0 {
		return &errs.RestoreValidation{SnapshotID: snapshotID, ExpectedFiles: expected, ActualFiles: actual}
	}
	diff := expected - actual
	if diff < 0 {
		diff = -diff
	}

	var allowed int
	if expected < 20 {
		allowed = 1
	} else {
		allowed = int(float64(expected) * tolerance)
	}
	if diff > allowed {
		return &errs.RestoreValidation{SnapshotID: snapshotID, ExpectedFiles: expected, ActualFiles: actual}
	}
	return nil
}

package models

import "time"

// SnapshotKind distinguishes a full capture from a delta against a parent.
type SnapshotKind string

const (
	SnapshotFull        SnapshotKind = "full"
	SnapshotIncremental SnapshotKind = "incremental"
)

// SnapshotStatus tracks a snapshot through its retention lifecycle.
type SnapshotStatus string

const (
	SnapshotActive         SnapshotStatus = "active"
	SnapshotPendingDeletion SnapshotStatus = "pending_deletion"
	SnapshotDeleted        SnapshotStatus = "deleted"
	SnapshotFailed         SnapshotStatus = "failed"
)

// DiffSummary records what changed between an incremental snapshot and its
// parent's merged manifest (carried from original_source's
// snapshot_metadata.py, dropped by the distillation).
type DiffSummary struct {
	FilesAdded   int `json:"files_added"`
	FilesRemoved int `json:"files_removed"`
	FilesChanged int `json:"files_changed"`
}

// Snapshot is an immutable workspace capture (§3 Entities).
type Snapshot struct {
	SnapshotID      string         `json:"snapshot_id"`
	InstanceID      string         `json:"instance_id"`
	OwnerID         string         `json:"owner_id"`
	Kind            SnapshotKind   `json:"kind"`
	ParentID        string         `json:"parent_id,omitempty"`
	BlobPaths       []string       `json:"blob_paths"`
	SizeBytes       int64          `json:"size_bytes"`
	FileCount       int            `json:"file_count"`
	CreatedAt       time.Time      `json:"created_at"`
	KeepForever     bool           `json:"keep_forever"`
	RetentionDays   int            `json:"retention_days"` // 0 = unset: the engine's default retention applies
	Status          SnapshotStatus `json:"status"`
	StorageProvider string         `json:"storage_provider"`

	// Chain bookkeeping.
	ChainDepth int `json:"chain_depth"` // depth of this snapshot within its incremental chain, 0 for full

	// Supplemented from original_source: diff summary + promotion note.
	Diff          *DiffSummary `json:"diff,omitempty"`
	PromotedFrom  string       `json:"promoted_from,omitempty"` // base snapshot ID, set only when chain-depth promotion occurred
}

// IsDeletableIgnoringDescendants reports the retention-only half of the
// deletability check in §4.4: not keep_forever, and age past the effective
// retention. Descendant reachability is checked separately by the engine,
// which has the ancestry graph.
func (s *Snapshot) IsDeletableIgnoringDescendants(effectiveRetentionDays int, now time.Time) bool {
	if s.KeepForever {
		return false
	}
	if effectiveRetentionDays <= 0 {
		return false // 0 == keep forever
	}
	age := now.Sub(s.CreatedAt)
	return age >= time.Duration(effectiveRetentionDays)*24*time.Hour
}

// ManifestEntry describes one file captured by a snapshot.
type ManifestEntry struct {
	RelativePath string       `json:"relative_path"`
	Size         int64        `json:"size"`
	ModTime      time.Time    `json:"mtime"`
	ChunkHashes  []string     `json:"chunk_hashes"`
}

// Manifest is the content map written into snapshots/<snapshot_id>.json.
type Manifest struct {
	SnapshotID string          `json:"snapshot_id"`
	Kind       SnapshotKind    `json:"kind"`
	ParentID   string          `json:"parent_id,omitempty"`
	Entries    []ManifestEntry `json:"entries"`
}

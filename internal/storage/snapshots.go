package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// SnapshotStore persists the snapshot manifest chain.
type SnapshotStore struct {
	db *DB
}

func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Create(ctx context.Context, snap *models.Snapshot) error {
	blobPaths, err := json.Marshal(snap.BlobPaths)
	if err != nil {
		return fmt.Errorf("failed to marshal blob paths: %w", err)
	}

	var diffAdded, diffRemoved, diffChanged sql.NullInt64
	if snap.Diff != nil {
		diffAdded = sql.NullInt64{Int64: int64(snap.Diff.FilesAdded), Valid: true}
		diffRemoved = sql.NullInt64{Int64: int64(snap.Diff.FilesRemoved), Valid: true}
		diffChanged = sql.NullInt64{Int64: int64(snap.Diff.FilesChanged), Valid: true}
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO snapshots (
			snapshot_id, instance_id, owner_id, kind, parent_id, blob_paths,
			size_bytes, file_count, created_at, keep_forever, retention_days,
			status, storage_provider, chain_depth, diff_files_added,
			diff_files_removed, diff_files_changed, promoted_from
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.InstanceID, snap.OwnerID, string(snap.Kind),
		nullableString(snap.ParentID), string(blobPaths), snap.SizeBytes, snap.FileCount,
		snap.CreatedAt.UTC(), snap.KeepForever, nullableInt(snap.RetentionDays),
		string(snap.Status), snap.StorageProvider, snap.ChainDepth,
		diffAdded, diffRemoved, diffChanged, nullableString(snap.PromotedFrom))
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) UpdateStatus(ctx context.Context, snapshotID string, status models.SnapshotStatus) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE snapshots SET status = ? WHERE snapshot_id = ?`, string(status), snapshotID)
	if err != nil {
		return fmt.Errorf("failed to update snapshot status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SnapshotStore) Get(ctx context.Context, snapshotID string) (*models.Snapshot, error) {
	row := s.db.conn.QueryRowContext(ctx, snapshotSelectQuery+` WHERE snapshot_id = ?`, snapshotID)
	snap, err := scanSnapshotRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snap, err
}

// Ancestry walks parent_id back to the root, returning oldest-first.
func (s *SnapshotStore) Ancestry(ctx context.Context, snapshotID string) ([]*models.Snapshot, error) {
	var chain []*models.Snapshot
	current := snapshotID
	for current != "" {
		snap, err := s.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append([]*models.Snapshot{snap}, chain...)
		current = snap.ParentID
	}
	return chain, nil
}

// ListChildren returns direct incremental children of a snapshot.
func (s *SnapshotStore) ListChildren(ctx context.Context, snapshotID string) ([]*models.Snapshot, error) {
	rows, err := s.db.conn.QueryContext(ctx, snapshotSelectQuery+` WHERE parent_id = ?`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()
	return scanSnapshotRows(rows)
}

// ListByInstance returns all non-deleted snapshots for an instance, oldest first.
func (s *SnapshotStore) ListByInstance(ctx context.Context, instanceID string) ([]*models.Snapshot, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		snapshotSelectQuery+` WHERE instance_id = ? AND status != ? ORDER BY created_at ASC`,
		instanceID, string(models.SnapshotDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query instance snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshotRows(rows)
}

// ListEligibleForCleanup returns a bounded batch of snapshots marked
// pending_deletion, oldest first, for the retention cleanup job.
func (s *SnapshotStore) ListEligibleForCleanup(ctx context.Context, batchSize int) ([]*models.Snapshot, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		snapshotSelectQuery+` WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(models.SnapshotPendingDeletion), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleanup candidates: %w", err)
	}
	defer rows.Close()
	return scanSnapshotRows(rows)
}

func (s *SnapshotStore) Delete(ctx context.Context, snapshotID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

const snapshotSelectQuery = `
	SELECT snapshot_id, instance_id, owner_id, kind, parent_id, blob_paths,
		size_bytes, file_count, created_at, keep_forever, retention_days,
		status, storage_provider, chain_depth, diff_files_added,
		diff_files_removed, diff_files_changed, promoted_from
	FROM snapshots`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshotRow(row rowScanner) (*models.Snapshot, error) {
	var snap models.Snapshot
	var parentID, promotedFrom sql.NullString
	var retentionDays sql.NullInt64
	var blobPaths, kind, status string
	var diffAdded, diffRemoved, diffChanged sql.NullInt64

	if err := row.Scan(&snap.SnapshotID, &snap.InstanceID, &snap.OwnerID, &kind, &parentID,
		&blobPaths, &snap.SizeBytes, &snap.FileCount, &snap.CreatedAt, &snap.KeepForever,
		&retentionDays, &status, &snap.StorageProvider, &snap.ChainDepth, &diffAdded,
		&diffRemoved, &diffChanged, &promotedFrom); err != nil {
		return nil, err
	}

	snap.Kind = models.SnapshotKind(kind)
	snap.Status = models.SnapshotStatus(status)
	snap.ParentID = parentID.String
	snap.PromotedFrom = promotedFrom.String
	snap.CreatedAt = snap.CreatedAt.UTC()
	if retentionDays.Valid {
		snap.RetentionDays = int(retentionDays.Int64)
	}
	if err := json.Unmarshal([]byte(blobPaths), &snap.BlobPaths); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blob paths: %w", err)
	}
	if diffAdded.Valid {
		snap.Diff = &models.DiffSummary{
			FilesAdded:   int(diffAdded.Int64),
			FilesRemoved: int(diffRemoved.Int64),
			FilesChanged: int(diffChanged.Int64),
		}
	}
	return &snap, nil
}

func scanSnapshotRows(rows *sql.Rows) ([]*models.Snapshot, error) {
	var snaps []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return snaps, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(i int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(i), Valid: i != 0}
}

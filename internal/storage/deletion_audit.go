package storage

import (
	"context"
	"fmt"
	"time"
)

// DeletionAuditStore records a bounded history of snapshot deletions carried
// out by the retention cleanup job.
type DeletionAuditStore struct {
	db       *DB
	capacity int
}

func NewDeletionAuditStore(db *DB, capacity int) *DeletionAuditStore {
	return &DeletionAuditStore{db: db, capacity: capacity}
}

// Record appends a deletion audit entry and trims the table back to capacity.
func (s *DeletionAuditStore) Record(ctx context.Context, snapshotID, instanceID, reason string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO deletion_audit (snapshot_id, instance_id, reason, deleted_at) VALUES (?, ?, ?, ?)`,
		snapshotID, instanceID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record deletion audit: %w", err)
	}

	if s.capacity > 0 {
		_, err = s.db.conn.ExecContext(ctx, `
			DELETE FROM deletion_audit WHERE id IN (
				SELECT id FROM deletion_audit ORDER BY id DESC LIMIT -1 OFFSET ?
			)`, s.capacity)
		if err != nil {
			return fmt.Errorf("failed to trim deletion audit: %w", err)
		}
	}
	return nil
}

// CountForInstance returns how many deletion audit entries exist for an instance.
func (s *DeletionAuditStore) CountForInstance(ctx context.Context, instanceID string) (int, error) {
	var count int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deletion_audit WHERE instance_id = ?`, instanceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deletion audit entries: %w", err)
	}
	return count, nil
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// HostBlacklistStore persists blacklist entries so the in-memory TTL cache
// (internal/blacklist) can be rehydrated across restarts.
type HostBlacklistStore struct {
	db *DB
}

func NewHostBlacklistStore(db *DB) *HostBlacklistStore {
	return &HostBlacklistStore{db: db}
}

func (s *HostBlacklistStore) Upsert(ctx context.Context, e *models.HostBlacklistEntry) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO host_blacklist (machine_id, reason, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET reason = excluded.reason, expires_at = excluded.expires_at`,
		e.MachineID, e.Reason, e.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert blacklist entry: %w", err)
	}
	return nil
}

// ListActive returns all entries that have not yet expired, for cache warmup.
func (s *HostBlacklistStore) ListActive(ctx context.Context, now time.Time) ([]*models.HostBlacklistEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT machine_id, reason, expires_at FROM host_blacklist WHERE expires_at > ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query active blacklist entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.HostBlacklistEntry
	for rows.Next() {
		var e models.HostBlacklistEntry
		if err := rows.Scan(&e.MachineID, &e.Reason, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		e.ExpiresAt = e.ExpiresAt.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blacklist entries: %w", err)
	}
	return entries, nil
}

// CleanupExpired deletes entries whose TTL has elapsed.
func (s *HostBlacklistStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM host_blacklist WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired blacklist entries: %w", err)
	}
	return res.RowsAffected()
}

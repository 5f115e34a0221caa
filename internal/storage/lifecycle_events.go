package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// LifecycleEventStore persists the append-only lifecycle event log.
type LifecycleEventStore struct {
	db *DB
}

func NewLifecycleEventStore(db *DB) *LifecycleEventStore {
	return &LifecycleEventStore{db: db}
}

// Append writes one lifecycle event. Events are never updated or deleted
// through this store; the table is the audit trail of record.
func (s *LifecycleEventStore) Append(ctx context.Context, ev *models.LifecycleEvent) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO lifecycle_events (
			event_id, instance_id, user_id, action, previous_status, new_status,
			success, caller_source, caller_module, caller_function, caller_file,
			caller_line, reason, reason_details, snapshot_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.InstanceID, ev.UserID, string(ev.Action), string(ev.PreviousStatus),
		string(ev.NewStatus), ev.Success, string(ev.CallerSource), ev.CallerSite.Module,
		ev.CallerSite.Function, ev.CallerSite.File, ev.CallerSite.Line, ev.Reason,
		ev.ReasonDetails, ev.SnapshotID, string(metadata), ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return nil
}

// ListByInstance returns an instance's lifecycle history, most recent first.
func (s *LifecycleEventStore) ListByInstance(ctx context.Context, instanceID string, limit int) ([]*models.LifecycleEvent, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT event_id, instance_id, user_id, action, previous_status, new_status,
			success, caller_source, caller_module, caller_function, caller_file,
			caller_line, reason, reason_details, snapshot_id, metadata, created_at
		FROM lifecycle_events WHERE instance_id = ? ORDER BY created_at DESC LIMIT ?`,
		instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []*models.LifecycleEvent
	for rows.Next() {
		ev, err := scanLifecycleEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lifecycle events: %w", err)
	}
	return events, nil
}

func scanLifecycleEvent(rows *sql.Rows) (*models.LifecycleEvent, error) {
	var ev models.LifecycleEvent
	var userID, prevStatus, newStatus, reasonDetails, snapshotID sql.NullString
	var metadata string
	var action, callerSource string

	if err := rows.Scan(&ev.ID, &ev.InstanceID, &userID, &action, &prevStatus, &newStatus,
		&ev.Success, &callerSource, &ev.CallerSite.Module, &ev.CallerSite.Function,
		&ev.CallerSite.File, &ev.CallerSite.Line, &ev.Reason, &reasonDetails, &snapshotID,
		&metadata, &ev.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
	}

	ev.UserID = userID.String
	ev.PreviousStatus = models.ActualStatus(prevStatus.String)
	ev.NewStatus = models.ActualStatus(newStatus.String)
	ev.Action = models.LifecycleAction(action)
	ev.CallerSource = models.CallerSource(callerSource)
	ev.ReasonDetails = reasonDetails.String
	ev.SnapshotID = snapshotID.String
	ev.CreatedAt = ev.CreatedAt.UTC()

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &ev, nil
}

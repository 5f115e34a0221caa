package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// FailoverRecordStore persists failover attempt outcomes.
type FailoverRecordStore struct {
	db *DB
}

func NewFailoverRecordStore(db *DB) *FailoverRecordStore {
	return &FailoverRecordStore{db: db}
}

func (s *FailoverRecordStore) Create(ctx context.Context, r *models.FailoverRecord) error {
	phaseErrors, err := json.Marshal(r.PhaseErrors)
	if err != nil {
		return fmt.Errorf("failed to marshal phase errors: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO failover_records (
			failover_id, machine_id, strategy_attempted, strategy_succeeded,
			warm_pool_attempt_ms, regional_volume_attempt_ms, cpu_standby_attempt_ms,
			total_ms, gpus_tried, rounds_attempted, new_instance_id, new_ssh_host,
			new_ssh_port, error, phase_errors, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.FailoverID, r.MachineID, string(r.StrategyAttempted), string(r.StrategySucceeded),
		r.WarmPoolAttemptMS, r.RegionalVolumeAttemptMS, r.CPUStandbyAttemptMS, r.TotalMS,
		r.GPUsTried, r.RoundsAttempted, r.NewInstanceID, r.NewSSHHost, r.NewSSHPort,
		r.Error, string(phaseErrors), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create failover record: %w", err)
	}
	return nil
}

// ListByMachine returns a machine's failover history, most recent first.
func (s *FailoverRecordStore) ListByMachine(ctx context.Context, machineID string, limit int) ([]*models.FailoverRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT failover_id, machine_id, strategy_attempted, strategy_succeeded,
			warm_pool_attempt_ms, regional_volume_attempt_ms, cpu_standby_attempt_ms,
			total_ms, gpus_tried, rounds_attempted, new_instance_id, new_ssh_host,
			new_ssh_port, error, phase_errors, created_at
		FROM failover_records WHERE machine_id = ? ORDER BY created_at DESC LIMIT ?`,
		machineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failover records: %w", err)
	}
	defer rows.Close()

	var records []*models.FailoverRecord
	for rows.Next() {
		r, err := scanFailoverRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failover records: %w", err)
	}
	return records, nil
}

func scanFailoverRecord(rows *sql.Rows) (*models.FailoverRecord, error) {
	var r models.FailoverRecord
	var strategySucceeded, newInstanceID, newSSHHost, errStr sql.NullString
	var phaseErrors string
	var strategyAttempted string

	if err := rows.Scan(&r.FailoverID, &r.MachineID, &strategyAttempted, &strategySucceeded,
		&r.WarmPoolAttemptMS, &r.RegionalVolumeAttemptMS, &r.CPUStandbyAttemptMS, &r.TotalMS,
		&r.GPUsTried, &r.RoundsAttempted, &newInstanceID, &newSSHHost, &r.NewSSHPort,
		&errStr, &phaseErrors, &r.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan failover record: %w", err)
	}

	r.StrategyAttempted = models.Strategy(strategyAttempted)
	r.StrategySucceeded = models.Strategy(strategySucceeded.String)
	r.NewInstanceID = newInstanceID.String
	r.NewSSHHost = newSSHHost.String
	r.Error = errStr.String
	r.CreatedAt = r.CreatedAt.UTC()

	if phaseErrors != "" {
		if err := json.Unmarshal([]byte(phaseErrors), &r.PhaseErrors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal phase errors: %w", err)
		}
	}
	return &r, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// globalPolicyKey is the row key under which the global failover policy is
// stored in the otherwise per-machine failover_policies table.
const globalPolicyKey = "__global__"

// PolicyStore persists the global failover policy and per-machine overrides.
type PolicyStore struct {
	db *DB
}

func NewPolicyStore(db *DB) *PolicyStore {
	return &PolicyStore{db: db}
}

func (s *PolicyStore) upsert(ctx context.Context, key string, p models.FailoverPolicy) error {
	warmPool, err := json.Marshal(p.WarmPool)
	if err != nil {
		return fmt.Errorf("failed to marshal warm pool config: %w", err)
	}
	regionalVolume, err := json.Marshal(p.RegionalVolume)
	if err != nil {
		return fmt.Errorf("failed to marshal regional volume config: %w", err)
	}
	cpuStandby, err := json.Marshal(p.CPUStandby)
	if err != nil {
		return fmt.Errorf("failed to marshal cpu standby config: %w", err)
	}

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO failover_policies (machine_id, default_strategy, warm_pool, regional_volume, cpu_standby, override_flag)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			default_strategy = excluded.default_strategy,
			warm_pool = excluded.warm_pool,
			regional_volume = excluded.regional_volume,
			cpu_standby = excluded.cpu_standby,
			override_flag = excluded.override_flag`,
		key, string(p.DefaultStrategy), string(warmPool), string(regionalVolume),
		string(cpuStandby), p.Override)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

// SetGlobal replaces the global failover policy.
func (s *PolicyStore) SetGlobal(ctx context.Context, p models.FailoverPolicy) error {
	return s.upsert(ctx, globalPolicyKey, p)
}

// SetForMachine replaces a per-machine failover policy override.
func (s *PolicyStore) SetForMachine(ctx context.Context, machineID string, p models.FailoverPolicy) error {
	p.MachineID = machineID
	return s.upsert(ctx, machineID, p)
}

func (s *PolicyStore) get(ctx context.Context, key string) (*models.FailoverPolicy, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT machine_id, default_strategy, warm_pool, regional_volume, cpu_standby, override_flag
		FROM failover_policies WHERE machine_id = ?`, key)

	var p models.FailoverPolicy
	var machineID, defaultStrategy, warmPool, regionalVolume, cpuStandby string
	if err := row.Scan(&machineID, &defaultStrategy, &warmPool, &regionalVolume, &cpuStandby, &p.Override); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan policy: %w", err)
	}

	if machineID != globalPolicyKey {
		p.MachineID = machineID
	}
	p.DefaultStrategy = models.Strategy(defaultStrategy)
	if err := json.Unmarshal([]byte(warmPool), &p.WarmPool); err != nil {
		return nil, fmt.Errorf("failed to unmarshal warm pool config: %w", err)
	}
	if err := json.Unmarshal([]byte(regionalVolume), &p.RegionalVolume); err != nil {
		return nil, fmt.Errorf("failed to unmarshal regional volume config: %w", err)
	}
	if err := json.Unmarshal([]byte(cpuStandby), &p.CPUStandby); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cpu standby config: %w", err)
	}
	return &p, nil
}

// GetGlobal returns the global failover policy, or ErrNotFound if unset.
func (s *PolicyStore) GetGlobal(ctx context.Context) (*models.FailoverPolicy, error) {
	return s.get(ctx, globalPolicyKey)
}

// GetForMachine returns a machine's policy override, or ErrNotFound if none is set.
func (s *PolicyStore) GetForMachine(ctx context.Context, machineID string) (*models.FailoverPolicy, error) {
	return s.get(ctx, machineID)
}

// Package warmpool implements the Warm Pool Manager: a standby GPU kept on
// the same physical host as a primary, sharing a persistent volume, so a
// primary failure recovers in seconds rather than minutes.
package warmpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/lifecycle"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// Config configures pool sizing and health-check sensitivity.
type Config struct {
	VolumeSizeGB        int
	HealthCheckInterval time.Duration
	FailThreshold       int
}

func (c Config) withDefaults() Config {
	if c.VolumeSizeGB <= 0 {
		c.VolumeSizeGB = 100
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	return c
}

// HealthProber performs a single-attempt SSH readiness check.
type HealthProber interface {
	ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) error
}

// HostOffers is a multi-GPU host's two slots to pair into a warm pool.
type HostOffers struct {
	MachineID string
	Primary   models.Offer
	Standby   models.Offer
}

// Manager maintains the warm-pool state machine for every paired machine it
// is told about. All instance state changes route through the Lifecycle
// Controller; Manager never calls a provider directly.
type Manager struct {
	lifecycle *lifecycle.Controller
	instances provider.InstanceProvider
	prober    HealthProber
	cfg       Config

	mu    sync.Mutex
	pools map[string]*models.WarmPool
}

// New builds a Manager.
func New(lc *lifecycle.Controller, instances provider.InstanceProvider, prober HealthProber, cfg Config) *Manager {
	return &Manager{
		lifecycle: lc,
		instances: instances,
		prober:    prober,
		cfg:       cfg.withDefaults(),
		pools:     make(map[string]*models.WarmPool),
	}
}

// Provision rents a primary (running) and standby (stopped) slot on the
// same host and records volumeID on the pool. The rental requests carry no
// volume attachment, and no volume is created here.
func (m *Manager) Provision(ctx context.Context, host HostOffers, sshPublicKey string, volumeID string) (*models.WarmPool, error) {
	m.mu.Lock()
	if existing, ok := m.pools[host.MachineID]; ok && existing.State != models.WarmPoolError {
		m.mu.Unlock()
		return nil, fmt.Errorf("machine %s already has a warm pool in state %s", host.MachineID, existing.State)
	}
	pool := &models.WarmPool{MachineID: host.MachineID, State: models.WarmPoolProvisioning, VolumeID: volumeID}
	m.pools[host.MachineID] = pool
	m.mu.Unlock()

	metrics.WarmPoolState.WithLabelValues(host.MachineID, string(models.WarmPoolProvisioning)).Set(1)

	primary, err := m.lifecycle.CreateInstance(ctx, provider.CreateInstanceRequest{
		OfferID:      host.Primary.OfferID,
		SSHPublicKey: sshPublicKey,
	}, "warm pool primary provisioning", models.SourceWarmPoolManager)
	if err != nil {
		m.markError(host.MachineID)
		return nil, fmt.Errorf("provision primary: %w", err)
	}

	standby, err := m.lifecycle.CreateInstance(ctx, provider.CreateInstanceRequest{
		OfferID:      host.Standby.OfferID,
		SSHPublicKey: sshPublicKey,
	}, "warm pool standby provisioning", models.SourceWarmPoolManager)
	if err != nil {
		_ = m.lifecycle.DestroyInstance(ctx, primary.InstanceID, "warm pool standby failed, rolling back primary", models.SourceWarmPoolManager)
		m.markError(host.MachineID)
		return nil, fmt.Errorf("provision standby: %w", err)
	}

	if err := m.lifecycle.PauseInstance(ctx, standby.InstanceID, "warm pool standby held stopped", models.SourceWarmPoolManager); err != nil {
		m.markError(host.MachineID)
		return nil, fmt.Errorf("pause standby: %w", err)
	}

	m.mu.Lock()
	pool.PrimaryID = primary.InstanceID
	pool.StandbyID = standby.InstanceID
	pool.State = models.WarmPoolActive
	m.mu.Unlock()

	metrics.WarmPoolState.WithLabelValues(host.MachineID, string(models.WarmPoolProvisioning)).Set(0)
	metrics.WarmPoolState.WithLabelValues(host.MachineID, string(models.WarmPoolActive)).Set(1)
	logging.Audit(ctx, "warm_pool_provisioned", "machine_id", host.MachineID, "primary_instance_id", primary.InstanceID, "standby_instance_id", standby.InstanceID)

	return pool, nil
}

func (m *Manager) markError(machineID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[machineID]; ok {
		p.State = models.WarmPoolError
	}
	metrics.WarmPoolState.WithLabelValues(machineID, string(models.WarmPoolError)).Set(1)
}

// Get returns the current pool state for a machine, if any.
func (m *Manager) Get(machineID string) (*models.WarmPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[machineID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// CheckOnce probes the primary once and updates the pool's consecutive
// failure count, returning true when fail_threshold is reached and a
// failover should be triggered.
func (m *Manager) CheckOnce(ctx context.Context, machineID, sshUser, sshPrivateKey string) (bool, error) {
	m.mu.Lock()
	pool, ok := m.pools[machineID]
	m.mu.Unlock()
	if !ok || pool.State != models.WarmPoolActive {
		return false, fmt.Errorf("no active warm pool for machine %s", machineID)
	}

	inst, err := m.instances.GetInstance(ctx, pool.PrimaryID)
	if err != nil {
		return m.recordCheck(machineID, false), nil
	}
	if !inst.HasSSH() {
		return m.recordCheck(machineID, false), nil
	}

	probeErr := m.prober.ProbeOnce(ctx, inst.SSHHost, inst.SSHPort, sshUser, sshPrivateKey)
	ok2 := probeErr == nil
	metrics.WarmPoolHealthChecks.WithLabelValues(machineID, boolResult(ok2)).Inc()
	return m.recordCheck(machineID, ok2), nil
}

func (m *Manager) recordCheck(machineID string, healthy bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[machineID]
	if !ok {
		return false
	}
	if healthy {
		pool.ConsecutiveFails = 0
		return false
	}
	pool.ConsecutiveFails++
	return pool.ConsecutiveFails >= m.cfg.FailThreshold
}

// Failover destroys the primary and promotes the standby to running. It does
// not provision a replacement standby: the pool is left with StandbyID empty.
func (m *Manager) Failover(ctx context.Context, machineID, sshUser, sshPrivateKey string) (*models.WarmPool, error) {
	start := time.Now()

	m.mu.Lock()
	pool, ok := m.pools[machineID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("no warm pool for machine %s", machineID)
	}
	pool.State = models.WarmPoolFailingOver
	primaryID, standbyID := pool.PrimaryID, pool.StandbyID
	m.mu.Unlock()

	metrics.WarmPoolState.WithLabelValues(machineID, string(models.WarmPoolFailingOver)).Set(1)

	if err := m.lifecycle.DestroyInstance(ctx, primaryID, "warm pool primary failed health checks", models.SourceWarmPoolFailover); err != nil {
		logging.Warn(ctx, "failed to destroy failed primary", "machine_id", machineID, "instance_id", primaryID, "error", err)
	}

	if err := m.lifecycle.ResumeInstance(ctx, standbyID, "promoting warm pool standby", models.SourceWarmPoolFailover); err != nil {
		m.markError(machineID)
		return nil, fmt.Errorf("resume standby: %w", err)
	}

	standby, err := m.instances.GetInstance(ctx, standbyID)
	if err != nil {
		m.markError(machineID)
		return nil, fmt.Errorf("refresh standby after resume: %w", err)
	}
	if standby.HasSSH() {
		if err := m.prober.ProbeOnce(ctx, standby.SSHHost, standby.SSHPort, sshUser, sshPrivateKey); err != nil {
			logging.Warn(ctx, "promoted standby not yet answering SSH", "machine_id", machineID, "error", err)
		}
	}

	m.mu.Lock()
	pool.PrimaryID = standbyID
	pool.StandbyID = ""
	pool.State = models.WarmPoolActive
	pool.ConsecutiveFails = 0
	pool.LastFailoverAt = time.Now().UTC()
	m.mu.Unlock()

	duration := time.Since(start)
	metrics.WarmPoolState.WithLabelValues(machineID, string(models.WarmPoolFailingOver)).Set(0)
	metrics.WarmPoolState.WithLabelValues(machineID, string(models.WarmPoolActive)).Set(1)
	metrics.WarmPoolFailoverDuration.Observe(duration.Seconds())
	logging.Audit(ctx, "warm_pool_failover", "machine_id", machineID, "new_primary_instance_id", standbyID, "duration_ms", duration.Milliseconds())

	cp := *pool
	return &cp, nil
}

func boolResult(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

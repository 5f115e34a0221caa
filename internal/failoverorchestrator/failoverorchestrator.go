// Package failoverorchestrator implements the Failover Orchestrator: the
// single entry point a caller hits when a GPU dies, walking the machine's
// configured strategies in a fixed order until one recovers the workload
// or all are exhausted.
package failoverorchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/raceprovisioner"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/regionalvolume"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/resilience"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/snapshot"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/warmpool"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// WarmPoolFailover is the slice of warmpool.Manager the orchestrator drives.
type WarmPoolFailover interface {
	Failover(ctx context.Context, machineID, sshUser, sshPrivateKey string) (*models.WarmPool, error)
	Get(machineID string) (*models.WarmPool, bool)
}

// RegionalVolumeFailover is the slice of regionalvolume.Failover the
// orchestrator drives.
type RegionalVolumeFailover interface {
	Run(ctx context.Context, volumeID, oldInstanceID string, policy models.RegionalVolumeConfig, sshPublicKey string) (*regionalvolume.Result, error)
}

// RaceProvisioner is the slice of raceprovisioner.Provisioner the
// orchestrator drives for the cpu_standby path.
type RaceProvisioner interface {
	ProvisionFast(ctx context.Context, failoverID string, req raceprovisioner.Requirements, policy raceprovisioner.Policy) (*raceprovisioner.Result, error)
}

// SnapshotEngine is the slice of snapshot.Engine the cpu_standby path needs.
type SnapshotEngine interface {
	Create(ctx context.Context, instanceID, ownerID, baseSnapshotID string, ep snapshot.Endpoint, retentionDays int, keepForever bool) (*models.Snapshot, error)
	Restore(ctx context.Context, snapshotID string, ep snapshot.Endpoint) (*snapshot.RestoreResult, error)
}

// InferenceTester runs a user-supplied prompt against a freshly restored
// instance and reports whether it produced output, for the cpu_standby
// path's optional test-inference step.
type InferenceTester interface {
	RunCommand(ctx context.Context, host string, port int, user, privateKey, prompt string) (string, error)
}

// Request describes one recovery attempt.
type Request struct {
	MachineID     string `validate:"required"`
	GPUInstanceID string `validate:"required"`
	SSHHost       string `validate:"required"`
	SSHPort       int    `validate:"required"`
	SSHUser       string `validate:"required"`
	SSHPrivateKey string
	SSHPublicKey  string
	WorkspacePath string
	VolumeID      string
	OwnerID       string
	ForceStrategy models.Strategy // empty uses the resolved policy's default
}

var requestValidator = validator.New()

// validateRequest reports missing required fields using their JSON-ish
// snake_case names, mirroring how the control plane's operator-facing
// errors are formatted elsewhere.
func validateRequest(req Request) error {
	err := requestValidator.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	var messages []string
	for _, fe := range fieldErrs {
		messages = append(messages, fmt.Sprintf("%s is required", toSnakeCase(fe.Field())))
	}
	return fmt.Errorf("invalid failover request: %s", strings.Join(messages, "; "))
}

func toSnakeCase(s string) string {
	rs := []rune(s)
	isUpper := func(r rune) bool { return r >= 'A' && r <= 'Z' }
	var b strings.Builder
	for i, r := range rs {
		if i > 0 && isUpper(r) {
			nextLower := i+1 < len(rs) && rs[i+1] >= 'a' && rs[i+1] <= 'z'
			if !isUpper(rs[i-1]) || nextLower {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// Orchestrator is the Failover Orchestrator (§4.8).
type Orchestrator struct {
	envelope    *resilience.Envelope
	policies    *storage.PolicyStore
	records     *storage.FailoverRecordStore
	warmPool    WarmPoolFailover
	regional    RegionalVolumeFailover
	race        RaceProvisioner
	snapshots   SnapshotEngine
	instances   provider.InstanceProvider
	inference   InferenceTester
	now         func() time.Time
}

// New builds an Orchestrator.
func New(
	envelope *resilience.Envelope,
	policies *storage.PolicyStore,
	records *storage.FailoverRecordStore,
	warmPool WarmPoolFailover,
	regional RegionalVolumeFailover,
	race RaceProvisioner,
	snapshots SnapshotEngine,
	instances provider.InstanceProvider,
	inference InferenceTester,
) *Orchestrator {
	return &Orchestrator{
		envelope:  envelope,
		policies:  policies,
		records:   records,
		warmPool:  warmPool,
		regional:  regional,
		race:      race,
		snapshots: snapshots,
		instances: instances,
		inference: inference,
		now:       time.Now,
	}
}

// strategyOutcome is one strategy attempt's result, normalized across the
// three concrete recovery paths so the orchestration loop can stay
// strategy-agnostic.
type strategyOutcome struct {
	newInstanceID string
	newSSHHost    string
	newSSHPort    int
	gpusTried     int
	rounds        int
}

// Run implements §4.8: gate on the resilience envelope, resolve the
// effective policy, walk its ordered strategies, and persist the outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*models.FailoverRecord, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	start := o.now()
	failoverID := "fo-" + uuid.New().String()

	if err := o.envelope.CheckAdmission(ctx, req.MachineID); err != nil {
		metrics.FailoverAttempts.WithLabelValues("none", "gated").Inc()
		return nil, fmt.Errorf("failover gated for machine %s: %w", req.MachineID, err)
	}

	strategy, err := o.resolveStrategy(ctx, req)
	if err != nil {
		return nil, err
	}
	ordered := strategy.Ordered()
	if len(ordered) == 0 {
		return nil, fmt.Errorf("failover disabled for machine %s", req.MachineID)
	}

	record := &models.FailoverRecord{
		FailoverID:        failoverID,
		MachineID:         req.MachineID,
		StrategyAttempted: strategy,
		CreatedAt:         o.now(),
	}

	for _, s := range ordered {
		if err := o.envelope.AllowStrategy(string(s)); err != nil {
			logging.Warn(ctx, "failover strategy circuit open, skipping", "failover_id", failoverID, "strategy", s, "error", err)
			record.PhaseErrors = append(record.PhaseErrors, models.PhaseTiming{Strategy: s, Error: err.Error()})
			metrics.FailoverAttempts.WithLabelValues(string(s), "gated").Inc()
			continue
		}

		phaseStart := o.now()
		outcome, attemptErr := o.attempt(ctx, s, failoverID, req)
		phaseDuration := o.now().Sub(phaseStart)

		record.PhaseErrors = append(record.PhaseErrors, models.PhaseTiming{
			Strategy:   s,
			DurationMS: phaseDuration.Milliseconds(),
			Succeeded:  attemptErr == nil,
			Error:      errString(attemptErr),
		})
		applyPhaseDuration(record, s, phaseDuration.Milliseconds())
		o.envelope.RecordStrategyResult(string(s), attemptErr == nil)

		if attemptErr != nil {
			logging.Warn(ctx, "failover strategy attempt failed", "failover_id", failoverID, "strategy", s, "error", attemptErr)
			metrics.FailoverAttempts.WithLabelValues(string(s), "failed").Inc()
			continue
		}

		record.StrategySucceeded = s
		record.NewInstanceID = outcome.newInstanceID
		record.NewSSHHost = outcome.newSSHHost
		record.NewSSHPort = outcome.newSSHPort
		record.GPUsTried = outcome.gpusTried
		record.RoundsAttempted = outcome.rounds
		metrics.FailoverAttempts.WithLabelValues(string(s), "succeeded").Inc()
		break
	}

	record.TotalMS = o.now().Sub(start).Milliseconds()
	if record.StrategySucceeded == "" {
		record.Error = fmt.Sprintf("all strategies exhausted for machine %s", req.MachineID)
	} else {
		o.envelope.RecordAdmission(req.MachineID)
	}
	metrics.FailoverDuration.WithLabelValues(string(record.StrategySucceeded)).Observe(o.now().Sub(start).Seconds())

	if err := o.records.Create(ctx, record); err != nil {
		logging.Warn(ctx, "failed to persist failover record", "failover_id", failoverID, "error", err)
	}
	logging.Audit(ctx, "failover_attempted", "failover_id", failoverID, "machine_id", req.MachineID, "strategy_succeeded", record.StrategySucceeded, "total_ms", record.TotalMS)

	if record.StrategySucceeded == "" {
		return record, errors.New(record.Error)
	}
	return record, nil
}

func (o *Orchestrator) resolveStrategy(ctx context.Context, req Request) (models.Strategy, error) {
	if req.ForceStrategy != "" {
		return req.ForceStrategy, nil
	}

	global, err := o.policies.GetGlobal(ctx)
	if err != nil {
		return "", fmt.Errorf("load global failover policy: %w", err)
	}
	machine, err := o.policies.GetForMachine(ctx, req.MachineID)
	if err != nil {
		machine = nil
	}
	effective := models.Effective(*global, machine)
	return effective.DefaultStrategy, nil
}

func (o *Orchestrator) attempt(ctx context.Context, s models.Strategy, failoverID string, req Request) (*strategyOutcome, error) {
	switch s {
	case models.StrategyWarmPool:
		return o.attemptWarmPool(ctx, req)
	case models.StrategyRegionalVolume:
		return o.attemptRegionalVolume(ctx, req)
	case models.StrategyCPUStandby:
		return o.attemptCPUStandby(ctx, failoverID, req)
	default:
		return nil, fmt.Errorf("unknown strategy %q", s)
	}
}

func (o *Orchestrator) attemptWarmPool(ctx context.Context, req Request) (*strategyOutcome, error) {
	pool, err := o.warmPool.Failover(ctx, req.MachineID, req.SSHUser, req.SSHPrivateKey)
	if err != nil {
		return nil, err
	}
	inst, err := o.instances.GetInstance(ctx, pool.PrimaryID)
	if err != nil {
		return nil, fmt.Errorf("resolve promoted standby endpoint: %w", err)
	}
	return &strategyOutcome{newInstanceID: inst.InstanceID, newSSHHost: inst.SSHHost, newSSHPort: inst.SSHPort}, nil
}

func (o *Orchestrator) attemptRegionalVolume(ctx context.Context, req Request) (*strategyOutcome, error) {
	global, err := o.policies.GetGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global failover policy: %w", err)
	}
	machine, _ := o.policies.GetForMachine(ctx, req.MachineID)
	effective := models.Effective(*global, machine)

	result, err := o.regional.Run(ctx, req.VolumeID, req.GPUInstanceID, effective.RegionalVolume, req.SSHPublicKey)
	if err != nil {
		return nil, err
	}
	return &strategyOutcome{newInstanceID: result.NewInstanceID, newSSHHost: result.NewSSHHost, newSSHPort: result.NewSSHPort}, nil
}

func (o *Orchestrator) attemptCPUStandby(ctx context.Context, failoverID string, req Request) (*strategyOutcome, error) {
	global, err := o.policies.GetGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global failover policy: %w", err)
	}
	machine, _ := o.policies.GetForMachine(ctx, req.MachineID)
	effective := models.Effective(*global, machine)

	snap, err := o.snapshots.Create(ctx, req.GPUInstanceID, req.OwnerID, "", snapshot.Endpoint{
		Host: req.SSHHost, Port: req.SSHPort, User: req.SSHUser, PrivateKey: req.SSHPrivateKey, WorkspacePath: req.WorkspacePath,
	}, 0, false)
	if err != nil {
		return nil, fmt.Errorf("snapshot failing workspace: %w", err)
	}

	raceResult, err := o.race.ProvisionFast(ctx, failoverID, raceprovisioner.Requirements{
		SSHPublicKey:  req.SSHPublicKey,
		SSHPrivateKey: req.SSHPrivateKey,
		SSHUser:       req.SSHUser,
	}, raceprovisioner.Policy{})
	if err != nil {
		return nil, fmt.Errorf("provision replacement gpu: %w", err)
	}

	restoreResult, err := o.snapshots.Restore(ctx, snap.SnapshotID, snapshot.Endpoint{
		Host: raceResult.Instance.SSHHost, Port: raceResult.Instance.SSHPort, User: req.SSHUser, PrivateKey: req.SSHPrivateKey, WorkspacePath: req.WorkspacePath,
	})
	if err != nil {
		return nil, fmt.Errorf("restore workspace onto replacement: %w", err)
	}

	if effective.CPUStandby.TestInference && effective.CPUStandby.InferencePrompt != "" && o.inference != nil {
		output, err := o.inference.RunCommand(ctx, raceResult.Instance.SSHHost, raceResult.Instance.SSHPort, req.SSHUser, req.SSHPrivateKey, effective.CPUStandby.InferencePrompt)
		if err != nil {
			logging.Warn(ctx, "cpu standby test inference failed", "failover_id", failoverID, "error", err)
		} else {
			logging.Info(ctx, "cpu standby test inference response", "failover_id", failoverID, "response", output)
		}
	}

	logging.Audit(ctx, "cpu_standby_restore_complete", "failover_id", failoverID, "snapshot_id", snap.SnapshotID, "files_restored", restoreResult.FilesCount)

	return &strategyOutcome{
		newInstanceID: raceResult.Instance.InstanceID,
		newSSHHost:    raceResult.Instance.SSHHost,
		newSSHPort:    raceResult.Instance.SSHPort,
		gpusTried:     raceResult.GPUsTried,
		rounds:        raceResult.RoundsAttempted,
	}, nil
}

func applyPhaseDuration(record *models.FailoverRecord, s models.Strategy, ms int64) {
	switch s {
	case models.StrategyWarmPool:
		record.WarmPoolAttemptMS = ms
	case models.StrategyRegionalVolume:
		record.RegionalVolumeAttemptMS = ms
	case models.StrategyCPUStandby:
		record.CPUStandbyAttemptMS = ms
	}
}

// Readiness reports which recovery paths are currently available for a
// machine, per §6 Failover.CheckReadiness.
type Readiness struct {
	Strategy          models.Strategy
	WarmPoolReady     bool
	CPUStandbyReady   bool
	RecommendedAction string
}

// CheckReadiness reports a machine's current recovery posture without
// attempting a failover.
func (o *Orchestrator) CheckReadiness(ctx context.Context, machineID string) (*Readiness, error) {
	global, err := o.policies.GetGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global failover policy: %w", err)
	}
	machine, _ := o.policies.GetForMachine(ctx, machineID)
	effective := models.Effective(*global, machine)

	r := &Readiness{Strategy: effective.DefaultStrategy}
	if pool, ok := o.warmPool.Get(machineID); ok {
		r.WarmPoolReady = pool.State == models.WarmPoolActive
	}
	// CPU standby has no persistent warm state: it's always "ready" in the
	// sense that it can be attempted, contingent on the resilience envelope.
	r.CPUStandbyReady = o.envelope.AllowStrategy(string(models.StrategyCPUStandby)) == nil

	switch {
	case r.WarmPoolReady:
		r.RecommendedAction = "warm_pool_failover"
	case effective.RegionalVolume.Region != "":
		r.RecommendedAction = "regional_volume_failover"
	case r.CPUStandbyReady:
		r.RecommendedAction = "cpu_standby_failover"
	default:
		r.RecommendedAction = "none_available"
	}
	return r, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

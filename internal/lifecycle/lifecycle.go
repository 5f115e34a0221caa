// Package lifecycle implements the Lifecycle Controller: the only path
// allowed to change an instance's provider-side state. Every other
// component — the Race Provisioner, Warm Pool Manager, Regional Volume
// Failover, the Failover Orchestrator's cpu-standby path — calls through
// here rather than touching a provider.InstanceProvider directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/logging"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/metrics"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/provider"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/storage"
	"github.com/cloud-gpu-shopper/gpu-fleet-core/pkg/models"
)

// thisPackage is used to find the first call-stack frame outside the
// lifecycle package when deriving CallerSite.
const thisPackage = "internal/lifecycle"

// Controller is the exclusive chokepoint for instance state changes.
type Controller struct {
	instances provider.InstanceProvider
	events    *storage.LifecycleEventStore
}

// New builds a Controller over a single provider's instance surface.
func New(instances provider.InstanceProvider, events *storage.LifecycleEventStore) *Controller {
	return &Controller{instances: instances, events: events}
}

// CreateInstance rents an offer, always appending a LifecycleEvent
// regardless of outcome.
func (c *Controller) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest, reason string, source models.CallerSource) (*models.Instance, error) {
	if reason == "" {
		return nil, errs.NewValidationError("reason is required")
	}

	inst, err := c.instances.CreateInstance(ctx, req)
	c.record(ctx, instanceIDOrUnknown(inst), "", models.ActualProvisioning, instanceOr(inst), models.ActionCreate, reason, source, err)
	metrics.RecordLifecycleOperation(string(models.ActionCreate), string(source), err == nil)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// DestroyInstance tears an instance down. It satisfies the
// raceprovisioner.LifecycleDestroyer interface.
func (c *Controller) DestroyInstance(ctx context.Context, instanceID, reason string, source models.CallerSource) error {
	if reason == "" {
		return errs.NewValidationError("reason is required")
	}

	prev := c.currentStatus(ctx, instanceID)
	err := c.instances.DestroyInstance(ctx, instanceID)
	c.record(ctx, instanceID, "", prev, models.ActualDestroyed, models.ActionDestroy, reason, source, err)
	metrics.RecordLifecycleOperation(string(models.ActionDestroy), string(source), err == nil)
	return err
}

// PauseInstance stops billing for compute while preserving disk state.
func (c *Controller) PauseInstance(ctx context.Context, instanceID, reason string, source models.CallerSource) error {
	if reason == "" {
		return errs.NewValidationError("reason is required")
	}

	prev := c.currentStatus(ctx, instanceID)
	err := c.instances.PauseInstance(ctx, instanceID)
	c.record(ctx, instanceID, "", prev, models.ActualStopped, models.ActionPause, reason, source, err)
	metrics.RecordLifecycleOperation(string(models.ActionPause), string(source), err == nil)
	return err
}

// ResumeInstance brings a paused instance back to running.
func (c *Controller) ResumeInstance(ctx context.Context, instanceID, reason string, source models.CallerSource) error {
	if reason == "" {
		return errs.NewValidationError("reason is required")
	}

	prev := c.currentStatus(ctx, instanceID)
	err := c.instances.ResumeInstance(ctx, instanceID)
	c.record(ctx, instanceID, "", prev, models.ActualRunning, models.ActionResume, reason, source, err)
	metrics.RecordLifecycleOperation(string(models.ActionResume), string(source), err == nil)
	return err
}

// History returns an instance's lifecycle event log, most recent first.
func (c *Controller) History(ctx context.Context, instanceID string, limit int) ([]*models.LifecycleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.events.ListByInstance(ctx, instanceID, limit)
}

// currentStatus resolves the provider's current view of an instance,
// tolerating not_found (the instance may already be gone).
func (c *Controller) currentStatus(ctx context.Context, instanceID string) models.ActualStatus {
	inst, err := c.instances.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return models.ActualDestroyed
		}
		return ""
	}
	return inst.ActualStatus
}

// record appends the lifecycle event. Failures to persist are logged but
// never override the original operation's error — losing an audit row must
// not mask a real provisioning failure.
func (c *Controller) record(ctx context.Context, instanceID, userID string, prev, next models.ActualStatus, action models.LifecycleAction, reason string, source models.CallerSource, opErr error) {
	ev := &models.LifecycleEvent{
		ID:             0,
		InstanceID:     instanceID,
		UserID:         userID,
		Action:         action,
		PreviousStatus: prev,
		NewStatus:      next,
		Success:        opErr == nil,
		CallerSource:   source,
		CallerSite:     callerSite(),
		Reason:         reason,
		CreatedAt:      time.Now().UTC(),
	}
	if opErr != nil {
		ev.ReasonDetails = opErr.Error()
	}

	if err := c.events.Append(ctx, ev); err != nil {
		logging.Error(ctx, "failed to append lifecycle event", "instance_id", instanceID, "action", action, "error", err)
	}
	logging.Audit(ctx, "lifecycle_"+string(action),
		"instance_id", instanceID, "caller_source", string(source), "success", ev.Success, "reason", reason)
}

// callerSite walks the stack to find the first frame outside this package,
// so the audit trail names the real caller rather than the controller
// method that appended the event.
func callerSite() models.CallerSite {
	var pcs [16]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, thisPackage) {
			return models.CallerSite{
				Module:   filepath.Dir(frame.File),
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			}
		}
		if !more {
			break
		}
	}
	return models.CallerSite{}
}

func instanceIDOrUnknown(inst *models.Instance) string {
	if inst == nil {
		return fmt.Sprintf("unknown-%s", uuid.NewString())
	}
	return inst.InstanceID
}

func instanceOr(inst *models.Instance) models.ActualStatus {
	if inst == nil {
		return models.ActualFailed
	}
	return inst.ActualStatus
}
